// Package alertbatch implements the Alert Batcher of spec.md §4.I: a
// single fixed-period timer that amortizes alert fan-out by packing
// queued alerts into one BatchedAlert per batchingWindow.
package alertbatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rapid-cluster/rapid/internal/services"
	"github.com/rapid-cluster/rapid/pkg/cutdetector"
	"github.com/rapid-cluster/rapid/pkg/membership"
)

// Broadcaster is the minimal collaborator the batcher needs: fan out the
// packed batch (spec.md §4.H).
type Broadcaster interface {
	Broadcast(msg interface{})
}

// QueuedAlert pairs a cut-detector alert with the join identity the wire
// message needs when Status is Up (spec.md §6's AlertMessage carries
// nodeId/metadataKeys/metadataValues alongside the edge); cutdetector.Alert
// itself stays configuration-agnostic and never carries this, so it is
// threaded alongside rather than added to it. Down alerts leave
// NodeId/Metadata nil.
type QueuedAlert struct {
	cutdetector.Alert
	NodeId   *membership.NodeId
	Metadata membership.Metadata
}

// BatchedAlert is spec.md §6's BatchedAlertMessage: a sequence of alerts
// plus a sender. ConfigurationId is stamped at flush time from the state
// machine's current configuration, since every alert queued between two
// flushes was filtered against that same configuration before being
// enqueued (spec.md §6 attaches configurationId per AlertMessage; since a
// batch is always homogeneous in practice, one stamp per batch suffices).
type BatchedAlert struct {
	Sender          membership.Endpoint
	ConfigurationId uint64
	Alerts          []QueuedAlert
}

// Batcher is the single fixed-period timer of spec.md §4.I.
type Batcher struct {
	window time.Duration
	self   membership.Endpoint

	mtx      sync.Mutex
	queued   []QueuedAlert
	deadline time.Time

	broadcaster     Broadcaster
	configurationId func() uint64
	logger          log.Logger

	svc *services.Service
}

// New constructs a Batcher that flushes every window (spec.md §6 default
// 100-300ms). configurationId is consulted at each flush to stamp the
// outgoing BatchedAlert.
func New(window time.Duration, self membership.Endpoint, configurationId func() uint64, broadcaster Broadcaster, logger log.Logger) *Batcher {
	b := &Batcher{
		window:          window,
		self:            self,
		configurationId: configurationId,
		broadcaster:     broadcaster,
		logger:          logger,
	}
	b.svc = services.NewBasicService(nil, b.run, nil).WithName("alert-batcher")
	return b
}

// Start arms the batcher's ticking loop.
func (b *Batcher) Start(ctx context.Context) {
	b.svc.StartAsync(ctx)
}

// Stop cancels the batcher's loop; the state machine calls this when it is
// kicked from the cluster and on Shutdown. The batcher keeps running across
// view changes.
func (b *Batcher) Stop() {
	b.svc.StopAsync()
}

// AwaitTerminated blocks until the batcher's goroutine has exited.
func (b *Batcher) AwaitTerminated(ctx context.Context) error {
	return b.svc.AwaitTerminated(ctx)
}

// Enqueue implements spec.md §4.I: each enqueue updates the flush
// deadline. The caller is the RapidStateMachine's own mailbox goroutine;
// the mutex here only guards against the batcher's own ticking goroutine.
func (b *Batcher) Enqueue(alert QueuedAlert) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.queued = append(b.queued, alert)
	b.deadline = time.Now().Add(b.window)
}

func (b *Batcher) run(ctx context.Context) error {
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Batcher) tick() {
	b.mtx.Lock()
	if len(b.queued) == 0 || time.Now().Before(b.deadline) {
		b.mtx.Unlock()
		return
	}
	batch := b.queued
	b.queued = nil
	b.mtx.Unlock()

	level.Debug(b.logger).Log("msg", "flushing alert batch", "count", len(batch))
	b.broadcaster.Broadcast(BatchedAlert{Sender: b.self, ConfigurationId: b.configurationId(), Alerts: batch})
}
