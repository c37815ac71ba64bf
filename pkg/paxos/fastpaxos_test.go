package paxos

import (
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(interface{}) {}

func ep(host string, port int32) membership.Endpoint {
	return membership.Endpoint{Hostname: host, Port: port}
}

// TestFastPaxosSafety reproduces S6: N=48, quorum=37 (N-F, F=floor(47/4)=11).
// Eleven conflicting votes and thirty-seven unconflicted votes still decide;
// with fourteen conflicts no decision fires.
func TestFastPaxosSafety(t *testing.T) {
	const n = 48
	majorityValue := []membership.Endpoint{ep("majority", 1)}
	conflictValue := []membership.Endpoint{ep("conflict", 2)}

	t.Run("decides with 37 agreeing votes", func(t *testing.T) {
		var mu sync.Mutex
		var decided []membership.Endpoint
		fp := NewFastPaxos(ep("self", 0), n, 1, noopBroadcaster{}, func(v []membership.Endpoint) {
			mu.Lock()
			decided = v
			mu.Unlock()
		}, func() {}, log.NewNopLogger())

		for i := 0; i < 37; i++ {
			fp.HandleFastRoundVote(FastRoundVote{Sender: ep("node", int32(i)), ConfigurationId: 1, Endpoints: majorityValue})
		}
		for i := 37; i < 48; i++ {
			fp.HandleFastRoundVote(FastRoundVote{Sender: ep("node", int32(i)), ConfigurationId: 1, Endpoints: conflictValue})
		}

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, majorityValue, decided)
		require.True(t, fp.Decided())
	})

	t.Run("no decision with only 34 agreeing votes", func(t *testing.T) {
		fp := NewFastPaxos(ep("self", 0), n, 1, noopBroadcaster{}, func(v []membership.Endpoint) {
			t.Fatalf("unexpected decision: %v", v)
		}, func() {}, log.NewNopLogger())

		for i := 0; i < 34; i++ {
			fp.HandleFastRoundVote(FastRoundVote{Sender: ep("node", int32(i)), ConfigurationId: 1, Endpoints: majorityValue})
		}
		for i := 34; i < 48; i++ {
			fp.HandleFastRoundVote(FastRoundVote{Sender: ep("node", int32(i)), ConfigurationId: 1, Endpoints: conflictValue})
		}

		require.False(t, fp.Decided())
	})
}

func TestFastPaxosRejectsConfigurationMismatch(t *testing.T) {
	fp := NewFastPaxos(ep("self", 0), 5, 1, noopBroadcaster{}, func(v []membership.Endpoint) {
		t.Fatalf("should not decide")
	}, func() {}, log.NewNopLogger())

	fp.HandleFastRoundVote(FastRoundVote{Sender: ep("a", 1), ConfigurationId: 999, Endpoints: []membership.Endpoint{ep("x", 1)}})
}

func TestFastPaxosFallbackFiresWhenNoQuorum(t *testing.T) {
	fired := make(chan struct{}, 1)
	fp := NewFastPaxos(ep("self", 0), 5, 1, noopBroadcaster{}, func(v []membership.Endpoint) {}, func() {
		fired <- struct{}{}
	}, log.NewNopLogger())

	fp.Propose(Config{FallbackBase: 10 * time.Millisecond}, []membership.Endpoint{ep("x", 1)})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("fallback never fired")
	}
}

func TestFastPaxosFallbackCancelledOnDecision(t *testing.T) {
	fired := make(chan struct{}, 1)
	fp := NewFastPaxos(ep("self", 0), 3, 1, noopBroadcaster{}, func(v []membership.Endpoint) {}, func() {
		fired <- struct{}{}
	}, log.NewNopLogger())

	fp.Propose(Config{FallbackBase: 50 * time.Millisecond}, []membership.Endpoint{ep("x", 1)})
	// N=3, F=floor(2/4)=0, quorum=3. self already voted; two more agree.
	fp.HandleFastRoundVote(FastRoundVote{Sender: ep("b", 1), ConfigurationId: 1, Endpoints: []membership.Endpoint{ep("x", 1)}})
	fp.HandleFastRoundVote(FastRoundVote{Sender: ep("c", 1), ConfigurationId: 1, Endpoints: []membership.Endpoint{ep("x", 1)}})

	require.True(t, fp.Decided())

	select {
	case <-fired:
		t.Fatal("fallback fired after decision")
	case <-time.After(100 * time.Millisecond):
	}
}
