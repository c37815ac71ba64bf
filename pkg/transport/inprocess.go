package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rapid-cluster/rapid/pkg/messaging"
)

// InProcessNetwork is a messaging.Client/Server double with no
// serialization or real sockets, used by tests driving multiple
// pkg/rapid.Cluster instances in one process (spec.md §8's scenarios S1-S3
// don't require a real network to exercise the protocol logic).
type InProcessNetwork struct {
	mtx      sync.RWMutex
	handlers map[messaging.Endpoint]messaging.Server
}

// NewInProcessNetwork constructs an empty network; Register each
// endpoint's handler before routing requests to it.
func NewInProcessNetwork() *InProcessNetwork {
	return &InProcessNetwork{handlers: make(map[messaging.Endpoint]messaging.Server)}
}

// Register associates endpoint with the handler that will receive every
// request addressed to it.
func (n *InProcessNetwork) Register(endpoint messaging.Endpoint, handler messaging.Server) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.handlers[endpoint] = handler
}

// Deregister removes endpoint, simulating the peer going away: further
// sends to it fail immediately rather than hang.
func (n *InProcessNetwork) Deregister(endpoint messaging.Endpoint) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.handlers, endpoint)
}

// Client returns a messaging.Client that routes through this network. It
// takes no sender: the sending Endpoint already travels inside every
// request and is read from there.
func (n *InProcessNetwork) Client() messaging.Client {
	return &inProcessClient{network: n}
}

type inProcessClient struct {
	network *InProcessNetwork
}

func (c *inProcessClient) SendRequest(ctx context.Context, to messaging.Endpoint, request messaging.RapidRequest) (messaging.RapidResponse, error) {
	c.network.mtx.RLock()
	handler, ok := c.network.handlers[to]
	c.network.mtx.RUnlock()
	if !ok {
		return nil, errors.Errorf("transport: no handler registered for %s", to)
	}

	from, err := senderOf(request)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp messaging.RapidResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := handler.HandleRequest(ctx, from, request)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
