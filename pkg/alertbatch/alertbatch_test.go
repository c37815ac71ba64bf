package alertbatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/cutdetector"
	"github.com/rapid-cluster/rapid/pkg/membership"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	sent  []BatchedAlert
}

func (r *recordingBroadcaster) Broadcast(msg interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg.(BatchedAlert))
}

func (r *recordingBroadcaster) snapshot() []BatchedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BatchedAlert, len(r.sent))
	copy(out, r.sent)
	return out
}

func TestBatcherFlushesQueuedAlertsOnce(t *testing.T) {
	rb := &recordingBroadcaster{}
	self := membership.Endpoint{Hostname: "self", Port: 1}
	b := New(20*time.Millisecond, self, func() uint64 { return 42 }, rb, log.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	ep := membership.Endpoint{Hostname: "x", Port: 1}
	joinerId := membership.NewNodeId()
	b.Enqueue(QueuedAlert{
		Alert:    cutdetector.Alert{Src: ep, Dst: ep, Status: cutdetector.Up},
		NodeId:   &joinerId,
		Metadata: membership.Metadata{"k": []byte("v")},
	})
	b.Enqueue(QueuedAlert{Alert: cutdetector.Alert{Src: ep, Dst: ep, Status: cutdetector.Down}})

	require.Eventually(t, func() bool {
		return len(rb.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	sent := rb.snapshot()
	require.Len(t, sent[0].Alerts, 2)
	require.Equal(t, self, sent[0].Sender)
	require.Equal(t, uint64(42), sent[0].ConfigurationId)
	require.Equal(t, joinerId, *sent[0].Alerts[0].NodeId)
	require.Nil(t, sent[0].Alerts[1].NodeId)
}

func TestBatcherNoFlushWhenEmpty(t *testing.T) {
	rb := &recordingBroadcaster{}
	self := membership.Endpoint{Hostname: "self", Port: 1}
	b := New(10*time.Millisecond, self, func() uint64 { return 1 }, rb, log.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rb.snapshot())
}
