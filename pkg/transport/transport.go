// Package transport supplies the concrete RPC collaborator spec.md §1
// names only as an abstract client/server: a single unary
// sendRequest(RapidRequest) -> RapidResponse, transported over
// google.golang.org/grpc. Since no .proto compiler is available in this
// environment, the wire payload is gob-encoded (registering every
// messaging.RapidRequest/RapidResponse variant, mirroring the teacher's
// own use of gob for its ring-merge snapshots) and carried inside a single
// google.golang.org/protobuf/types/known/structpb.Struct field, so the
// RPC itself still travels as a real protobuf message over real grpc
// framing without a generated .pb.go. pkg/rapid.Cluster.HandleRequest
// is the only Server this package ever dispatches to.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rapid-cluster/rapid/pkg/messaging"
)

func init() {
	gob.Register(messaging.JoinMessage{})
	gob.Register(messaging.BatchedAlertMessage{})
	gob.Register(messaging.ProbeMessage{})
	gob.Register(messaging.FastRoundPhase2bMessage{})
	gob.Register(messaging.Phase1aMessage{})
	gob.Register(messaging.Phase1bMessage{})
	gob.Register(messaging.Phase2aMessage{})
	gob.Register(messaging.Phase2bMessage{})
	gob.Register(messaging.LeaveMessage{})

	gob.Register(messaging.JoinResponse{})
	gob.Register(messaging.Response{})
	gob.Register(messaging.ConsensusResponse{})
	gob.Register(messaging.ProbeResponse{})
}

const payloadField = "payload"

func marshalEnvelope(v interface{}) (*structpb.Struct, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, errors.Wrap(err, "transport: encode envelope")
	}
	return structpb.NewStruct(map[string]interface{}{
		payloadField: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func unmarshalRequest(s *structpb.Struct) (messaging.RapidRequest, error) {
	var v messaging.RapidRequest
	if err := unmarshalEnvelope(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshalResponse(s *structpb.Struct) (messaging.RapidResponse, error) {
	var v messaging.RapidResponse
	if err := unmarshalEnvelope(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshalEnvelope(s *structpb.Struct, out interface{}) error {
	if s == nil {
		return errors.New("transport: nil envelope")
	}
	field, ok := s.Fields[payloadField]
	if !ok {
		return errors.New("transport: envelope missing payload")
	}
	raw, err := base64.StdEncoding.DecodeString(field.GetStringValue())
	if err != nil {
		return errors.Wrap(err, "transport: decode payload")
	}
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(out)
}

// senderOf extracts the logical sender endpoint every RapidRequest variant
// carries, since grpc only gives us the transport-level peer address, and
// spec.md's alert/consensus/probe handlers all key off the protocol-level
// Endpoint, not the socket it arrived on.
func senderOf(req messaging.RapidRequest) (messaging.Endpoint, error) {
	switch msg := req.(type) {
	case messaging.JoinMessage:
		return msg.Sender, nil
	case messaging.BatchedAlertMessage:
		return msg.Sender, nil
	case messaging.ProbeMessage:
		return msg.Sender, nil
	case messaging.FastRoundPhase2bMessage:
		return msg.Sender, nil
	case messaging.Phase1aMessage:
		return msg.Sender, nil
	case messaging.Phase1bMessage:
		return msg.Sender, nil
	case messaging.Phase2aMessage:
		return msg.Sender, nil
	case messaging.Phase2bMessage:
		return msg.Sender, nil
	case messaging.LeaveMessage:
		return msg.Sender, nil
	default:
		return messaging.Endpoint{}, errors.Errorf("transport: unsupported request type %T", req)
	}
}

// rapidMessagingServer is the hand-rolled analogue of a generated grpc
// service interface; serviceDesc.HandlerType below points at it so
// grpc.Server can verify *Server implements it by reflection, same
// contract protoc-gen-go-grpc would otherwise establish.
type rapidMessagingServer interface {
	SendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "rapid.Messaging",
	HandlerType: (*rapidMessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendRequest",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(rapidMessagingServer).SendRequest(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.Messaging/SendRequest"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(rapidMessagingServer).SendRequest(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rapid/messaging.proto",
}

// perKindTimeout picks the per-request timeout by kind: join long, probe
// short, everything else a default. SendRequest makes a single attempt under
// that timeout and does not retry; a failed send is returned to the caller.
// The Broadcaster's own best-effort sends absorb context.DeadlineExceeded the
// same as any other error.
func perKindTimeout(req messaging.RapidRequest) time.Duration {
	switch req.(type) {
	case messaging.JoinMessage:
		return 30 * time.Second
	case messaging.ProbeMessage:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}

// Client implements messaging.Client over grpc, keeping at most one
// connection per peer endpoint (spec.md §5 "owns its own connection pool
// with at-most-one connection per peer endpoint").
type Client struct {
	mtx   sync.Mutex
	conns map[messaging.Endpoint]*grpc.ClientConn

	dialOpts []grpc.DialOption
	logger   log.Logger
}

// NewClient constructs a grpc-backed Client. Extra dial options (e.g. TLS
// credentials) can be supplied by callers that need them; the default is
// insecure transport credentials, matching spec.md §1's "Non-goals" of
// wire encryption.
func NewClient(logger log.Logger, extraDialOpts ...grpc.DialOption) *Client {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, extraDialOpts...)
	return &Client{
		conns:    make(map[messaging.Endpoint]*grpc.ClientConn),
		dialOpts: opts,
		logger:   logger,
	}
}

func (c *Client) connFor(to messaging.Endpoint) (*grpc.ClientConn, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if conn, ok := c.conns[to]; ok {
		return conn, nil
	}
	addr := fmt.Sprintf("%s:%d", to.Hostname, to.Port)
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %s", addr)
	}
	c.conns[to] = conn
	return conn, nil
}

// SendRequest implements messaging.Client.
func (c *Client) SendRequest(ctx context.Context, to messaging.Endpoint, request messaging.RapidRequest) (messaging.RapidResponse, error) {
	conn, err := c.connFor(to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, perKindTimeout(request))
	defer cancel()

	in, err := marshalEnvelope(request)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/rapid.Messaging/SendRequest", in, out); err != nil {
		return nil, errors.Wrapf(err, "transport: send to %s", to)
	}
	return unmarshalResponse(out)
}

// Close tears down every pooled connection; used by shutdown paths in
// cmd/rapid.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var firstErr error
	for ep, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "transport: close conn to %s", ep)
		}
	}
	c.conns = make(map[messaging.Endpoint]*grpc.ClientConn)
	return firstErr
}

// Server implements the grpc side of rapidMessagingServer, dispatching
// every decoded RapidRequest to a messaging.Server (pkg/rapid.Cluster in
// production).
type Server struct {
	grpcServer *grpc.Server
	handler    messaging.Server
	logger     log.Logger
}

// NewServer wraps handler behind a grpc.Server. listenAddr is accepted by
// Serve, not here, matching grpc.Server's own Serve(net.Listener) shape.
func NewServer(handler messaging.Server, logger log.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		handler:    handler,
		logger:     logger,
	}
	s.grpcServer.RegisterService(&serviceDesc, rapidMessagingServerFunc(s.sendRequest))
	return s
}

// rapidMessagingServerFunc adapts a method value to the rapidMessagingServer
// interface grpc.Server.RegisterService type-asserts against.
type rapidMessagingServerFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func (f rapidMessagingServerFunc) SendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return f(ctx, in)
}

func (s *Server) sendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := unmarshalRequest(in)
	if err != nil {
		return nil, err
	}
	from, err := senderOf(req)
	if err != nil {
		return nil, err
	}
	resp, err := s.handler.HandleRequest(ctx, from, req)
	if err != nil {
		level.Debug(s.logger).Log("msg", "request handling failed", "from", from.String(), "err", err)
		return nil, err
	}
	return marshalEnvelope(resp)
}

// GRPCServer exposes the underlying *grpc.Server so cmd/rapid can call
// Serve(listener)/GracefulStop directly, the same way the teacher exposes
// its own http/grpc servers to the module builder rather than wrapping
// Serve itself.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }
