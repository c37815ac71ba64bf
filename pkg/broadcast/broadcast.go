// Package broadcast implements the Broadcaster of spec.md §4.H: unicast to
// all current recipients over an abstract message client.
package broadcast

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

// Client is the abstract transport collaborator named in spec.md §1/§6:
// a single RPC, sendRequest(RapidRequest) -> RapidResponse. Broadcast
// treats every outbound message as best-effort and doesn't interpret the
// response.
type Client interface {
	SendRequest(ctx context.Context, to membership.Endpoint, request interface{}) (interface{}, error)
}

// Handle completes once every recipient at the time of Broadcast has
// settled (success or failure); it never itself carries an error, since
// per-recipient failures are logged at debug level and dropped, not
// surfaced to the caller (spec.md §4.H "best-effort semantics").
type Handle struct {
	done chan struct{}
}

// Wait blocks until every recipient has settled.
func (h *Handle) Wait() { <-h.done }

// Broadcaster is stateless aside from its recipient list (spec.md §5),
// which is mutated only from within the state machine's mailbox.
type Broadcaster struct {
	mtx        sync.RWMutex
	recipients []membership.Endpoint

	client Client
	logger log.Logger
}

// New constructs a Broadcaster with no recipients; SetMembership must be
// called before the first Broadcast.
func New(client Client, logger log.Logger) *Broadcaster {
	return &Broadcaster{client: client, logger: logger}
}

// SetMembership implements spec.md §4.H: replaces the recipient list.
func (b *Broadcaster) SetMembership(endpoints []membership.Endpoint) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	cp := make([]membership.Endpoint, len(endpoints))
	copy(cp, endpoints)
	b.recipients = cp
}

// Broadcast implements spec.md §4.H: unicasts request to each recipient
// with best-effort semantics, returning a handle that completes once all
// have settled. Ordering between Broadcast calls is not guaranteed across
// peers but is FIFO per peer, inherited from the transport (spec.md §4.H).
func (b *Broadcaster) Broadcast(request interface{}) *Handle {
	b.mtx.RLock()
	recipients := b.recipients
	b.mtx.RUnlock()

	h := &Handle{done: make(chan struct{})}
	if len(recipients) == 0 {
		close(h.done)
		return h
	}

	var wg sync.WaitGroup
	wg.Add(len(recipients))
	for _, r := range recipients {
		r := r
		go func() {
			defer wg.Done()
			ctx := context.Background()
			if _, err := b.client.SendRequest(ctx, r, request); err != nil {
				level.Debug(b.logger).Log("msg", "broadcast to recipient failed", "recipient", r.String(), "err", err)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(h.done)
	}()

	return h
}

// SendTo unicasts request to a single endpoint regardless of the recipient
// list, used by classic Paxos's Phase1b reply, which must reach only the
// coordinator rather than fan out to everyone.
func (b *Broadcaster) SendTo(ctx context.Context, to membership.Endpoint, request interface{}) (interface{}, error) {
	return b.client.SendRequest(ctx, to, request)
}

// FireAndForget adapts a Broadcaster to the no-return-value Broadcast
// collaborator interfaces used by pkg/paxos and pkg/alertbatch, which
// never need to wait on the fan-out handle themselves.
type FireAndForget struct {
	B *Broadcaster
}

func (f FireAndForget) Broadcast(msg interface{}) {
	f.B.Broadcast(msg)
}
