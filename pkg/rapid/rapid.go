// Package rapid implements the Membership Service facade of spec.md §4.K:
// a thin serializer in front of pkg/statemachine exposing handleRequest,
// getMemberList, getMetadata, shutdown, subscribe and the join/start
// client-side entry points of spec.md §6. Every method here posts onto (or
// reads a result computed on) the StateMachine's own mailbox; Cluster
// itself holds no membership state of its own.
package rapid

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rapid-cluster/rapid/pkg/failuredetector"
	"github.com/rapid-cluster/rapid/pkg/membership"
	"github.com/rapid-cluster/rapid/pkg/messaging"
	"github.com/rapid-cluster/rapid/pkg/paxos"
	"github.com/rapid-cluster/rapid/pkg/statemachine"
)

// Re-exported so callers of pkg/rapid never need to import pkg/statemachine
// directly for the public surface of spec.md §6's ClusterEvent/subscribe.
type (
	ClusterEvent       = statemachine.ClusterEvent
	ViewChangeProposal = statemachine.ViewChangeProposal
	ViewChange         = statemachine.ViewChange
	Kicked             = statemachine.Kicked
	StatusChange       = statemachine.StatusChange
	ChangeStatus       = statemachine.ChangeStatus
	EventKind          = statemachine.EventKind
	Subscriber         = statemachine.Subscriber
	Config             = statemachine.Config
)

const (
	EventViewChangeProposal = statemachine.EventViewChangeProposal
	EventViewChange         = statemachine.EventViewChange
	EventKicked             = statemachine.EventKicked

	Joined = statemachine.Joined
	Left   = statemachine.Left
)

// ErrJoinFailed is returned by Join once Config.JoinAttempts is exhausted
// without a SAFE_TO_JOIN (spec.md §7 "cluster formation fails").
var ErrJoinFailed = statemachine.ErrJoinFailed

// Cluster is spec.md §4.K's Membership Service facade, composed with the
// concrete messaging.Client supplied by pkg/transport (or an in-process
// test double).
type Cluster struct {
	self     membership.Endpoint
	nodeId   membership.NodeId
	metadata membership.Metadata
	cfg      Config

	client messaging.Client
	sm     *statemachine.StateMachine
	logger log.Logger
}

// NewCluster constructs a Cluster that has not yet joined or bootstrapped a
// view; call Start or Join to reach PhaseActive.
func NewCluster(self membership.Endpoint, metadata membership.Metadata, cfg Config, client messaging.Client, logger log.Logger, metrics *membership.Metrics) *Cluster {
	c := &Cluster{
		self:     self,
		nodeId:   membership.NewNodeId(),
		metadata: metadata.Clone(),
		cfg:      cfg,
		client:   client,
		logger:   logger,
	}
	prober := func(subject membership.Endpoint) failuredetector.Prober {
		return failuredetector.ProberFunc(func(ctx context.Context) (failuredetector.ProbeStatus, error) {
			resp, err := client.SendRequest(ctx, toWireEndpoint(subject), messaging.ProbeMessage{Sender: toWireEndpoint(self)})
			if err != nil {
				return 0, err
			}
			pr, ok := resp.(messaging.ProbeResponse)
			if !ok {
				return 0, errors.New("rapid: unexpected probe response type")
			}
			return failuredetector.ProbeStatus(pr.Status), nil
		})
	}
	c.sm = statemachine.New(self, c.nodeId, c.metadata, cfg, &wireBroadcastClient{client: client}, prober, logger, metrics)
	return c
}

// Start implements spec.md §6's start(selfEndpoint): bootstraps a
// brand-new single-node cluster. Use Join instead to join an existing one.
func (c *Cluster) Start() {
	c.sm.Bootstrap()
	level.Info(c.logger).Log("msg", "cluster started", "self", c.self.String())
}

// Join implements spec.md §6's join(selfEndpoint, seedEndpoint): retries on
// UUID_ALREADY_IN_RING with a fresh id (no delay), and on
// HOSTNAME_ALREADY_IN_RING / VIEW_CHANGE_IN_PROGRESS after joinDelay, up to
// joinAttempts, per spec.md §6.
func (c *Cluster) Join(ctx context.Context, seed membership.Endpoint) error {
	nodeId := c.nodeId
	keys, values := toWireMetadata(c.metadata)

	for attempt := 0; attempt < c.cfg.JoinAttempts; attempt++ {
		req := messaging.JoinMessage{
			Sender:         toWireEndpoint(c.self),
			NodeId:         toWireNodeId(nodeId),
			MetadataKeys:   keys,
			MetadataValues: values,
		}
		resp, err := c.client.SendRequest(ctx, toWireEndpoint(seed), req)
		if err != nil {
			level.Warn(c.logger).Log("msg", "join attempt failed", "attempt", attempt, "err", err)
			if !c.sleepJoinDelay(ctx) {
				return ctx.Err()
			}
			continue
		}

		jr, ok := resp.(messaging.JoinResponse)
		if !ok {
			return errors.New("rapid: unexpected join response type")
		}

		switch fromWireJoinStatus(jr.StatusCode) {
		case membership.SafeToJoin:
			c.nodeId = nodeId
			config := membership.Configuration{
				ConfigurationId: jr.ConfigurationId,
				Endpoints:       fromWireEndpoints(jr.Endpoints),
				NodeIds:         make([]membership.NodeId, len(jr.Identifiers)),
			}
			for i, id := range jr.Identifiers {
				config.NodeIds[i] = fromWireNodeId(id)
			}
			metadataByEndpoint := make(map[membership.Endpoint]membership.Metadata, len(config.Endpoints))
			for i, e := range config.Endpoints {
				if i < len(jr.Metadata) {
					metadataByEndpoint[e] = fromWireMetadata(jr.Metadata[i].Keys, jr.Metadata[i].Values)
				}
			}
			c.sm.JoinCluster(config, metadataByEndpoint)
			level.Info(c.logger).Log("msg", "joined cluster", "self", c.self.String(), "seed", seed.String(), "configuration_id", config.ConfigurationId)
			return nil

		case membership.UuidAlreadyInRing:
			nodeId = membership.NewNodeId()
			continue

		case membership.HostnameAlreadyInRing, membership.ViewChangeInProgress:
			if !c.sleepJoinDelay(ctx) {
				return ctx.Err()
			}
			continue

		default:
			if !c.sleepJoinDelay(ctx) {
				return ctx.Err()
			}
			continue
		}
	}
	return ErrJoinFailed
}

func (c *Cluster) sleepJoinDelay(ctx context.Context) bool {
	t := time.NewTimer(c.cfg.JoinDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Leave implements spec.md §9's Open Question decision #1: emits the DOWN
// alert and returns immediately, without waiting for the ensuing view
// change (left undecided by spec.md; see DESIGN.md).
func (c *Cluster) Leave(ctx context.Context) error {
	members := c.sm.GetMemberList()
	for _, m := range members {
		if m == c.self {
			continue
		}
		_, _ = c.client.SendRequest(ctx, toWireEndpoint(m), messaging.LeaveMessage{Sender: toWireEndpoint(c.self)})
	}
	return nil
}

// GetMemberList implements spec.md §4.K.
func (c *Cluster) GetMemberList() []membership.Endpoint { return c.sm.GetMemberList() }

// GetClusterMetadata implements spec.md §4.K.
func (c *Cluster) GetClusterMetadata() map[membership.Endpoint]membership.Metadata {
	return c.sm.GetMetadata()
}

// Subscribe implements spec.md §6's subscribe(callback).
func (c *Cluster) Subscribe(kind EventKind, sub Subscriber) { c.sm.Subscribe(kind, sub) }

// Shutdown implements spec.md §4.K.
func (c *Cluster) Shutdown() { c.sm.Shutdown() }

// Phase exposes the state machine's phase for diagnostics/health checks.
func (c *Cluster) Phase() statemachine.Phase { return c.sm.Phase() }

// Self returns this node's own endpoint.
func (c *Cluster) Self() membership.Endpoint { return c.self }

// HandleRequest implements messaging.Server: it is the inbound dispatch
// boundary pkg/transport calls for every RapidRequest received off the
// wire, converting to the StateMachine's internal domain types and back
// (spec.md §4.K "serializes external requests onto the state machine").
func (c *Cluster) HandleRequest(ctx context.Context, from messaging.Endpoint, request messaging.RapidRequest) (messaging.RapidResponse, error) {
	switch msg := request.(type) {
	case messaging.JoinMessage:
		result, err := c.sm.HandleJoin(ctx, fromWireEndpoint(msg.Sender), fromWireNodeId(msg.NodeId), fromWireMetadata(msg.MetadataKeys, msg.MetadataValues))
		if err != nil {
			return nil, err
		}
		metadata := make([]messaging.EndpointMetadata, len(result.Endpoints))
		for i := range result.Endpoints {
			if i < len(result.MetadataKeys) {
				metadata[i] = messaging.EndpointMetadata{Keys: result.MetadataKeys[i], Values: result.MetadataValues[i]}
			}
		}
		return messaging.JoinResponse{
			Sender:          toWireEndpoint(c.self),
			StatusCode:      toWireJoinStatus(result.StatusCode),
			ConfigurationId: result.ConfigurationId,
			Endpoints:       toWireEndpoints(result.Endpoints),
			Identifiers:     toWireNodeIds(result.NodeIds),
			Metadata:        metadata,
		}, nil

	case messaging.BatchedAlertMessage:
		alerts, configurationId := fromWireBatchedAlert(msg)
		c.sm.HandleBatchedAlert(alerts, configurationId)
		return messaging.Response{}, nil

	case messaging.ProbeMessage:
		status := c.sm.HandleProbe()
		return messaging.ProbeResponse{Status: toWireProbeStatus(status)}, nil

	case messaging.FastRoundPhase2bMessage:
		c.sm.HandleFastRoundVote(paxos.FastRoundVote{
			Sender:          fromWireEndpoint(msg.Sender),
			ConfigurationId: msg.ConfigurationId,
			Endpoints:       fromWireEndpoints(msg.Endpoints),
		})
		return messaging.ConsensusResponse{}, nil

	case messaging.Phase1aMessage:
		c.sm.HandlePhase1a(paxos.Phase1a{Sender: fromWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: fromWireRank(msg.Rank)})
		return messaging.ConsensusResponse{}, nil

	case messaging.Phase1bMessage:
		c.sm.HandlePhase1b(paxos.Phase1b{Sender: fromWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: fromWireRank(msg.Rank), Vrnd: fromWireRank(msg.Vrnd), Vval: fromWireEndpoints(msg.Vval)})
		return messaging.ConsensusResponse{}, nil

	case messaging.Phase2aMessage:
		c.sm.HandlePhase2a(paxos.Phase2a{Sender: fromWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: fromWireRank(msg.Rank), Vval: fromWireEndpoints(msg.Vval)})
		return messaging.ConsensusResponse{}, nil

	case messaging.Phase2bMessage:
		c.sm.HandlePhase2b(paxos.Phase2b{Sender: fromWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: fromWireRank(msg.Rank), Vval: fromWireEndpoints(msg.Vval)})
		return messaging.ConsensusResponse{}, nil

	case messaging.LeaveMessage:
		c.sm.HandleLeave(fromWireEndpoint(msg.Sender))
		return messaging.Response{}, nil

	default:
		return nil, errors.Errorf("rapid: unsupported request type %T", request)
	}
}

// wireBroadcastClient adapts a messaging.Client to the broadcast.Client
// collaborator interface (spec.md §4.H), converting the internal domain
// message types pkg/paxos/pkg/alertbatch produce into their spec.md §6
// wire forms at the boundary.
type wireBroadcastClient struct {
	client messaging.Client
}

func (w *wireBroadcastClient) SendRequest(ctx context.Context, to membership.Endpoint, request interface{}) (interface{}, error) {
	wireReq, err := toWireRequest(request)
	if err != nil {
		return nil, err
	}
	return w.client.SendRequest(ctx, toWireEndpoint(to), wireReq)
}
