package paxos

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

func TestRankCompare(t *testing.T) {
	require.Equal(t, -1, Rank{Round: 1, NodeIndex: 5}.Compare(Rank{Round: 2, NodeIndex: 1}))
	require.Equal(t, 1, Rank{Round: 2, NodeIndex: 1}.Compare(Rank{Round: 1, NodeIndex: 99}))
	require.Equal(t, -1, Rank{Round: 3, NodeIndex: 1}.Compare(Rank{Round: 3, NodeIndex: 2}))
	require.Equal(t, 0, Rank{Round: 3, NodeIndex: 2}.Compare(Rank{Round: 3, NodeIndex: 2}))
}

// TestThreeNodeClassicPaxos drives a 3-acceptor classic round end to end:
// one coordinator runs phase 1a/2a, all three run acceptor/learner logic,
// and each node decides exactly once, on the coordinator's proposed value.
func TestThreeNodeClassicPaxos(t *testing.T) {
	selfA, selfB, selfC := ep("a", 1), ep("b", 2), ep("c", 3)
	value := []membership.Endpoint{ep("joiner", 99)}

	var decided [][]membership.Endpoint

	// A simple in-memory router standing in for pkg/broadcast + pkg/messaging
	// in this unit test. Messages are queued and delivered by drain, after
	// the sending handler has returned and released its lock, as the
	// asynchronous pkg/broadcast fan-out does.
	var nodes map[membership.Endpoint]*Paxos
	type envelope struct {
		to  *Paxos
		msg interface{}
	}
	var pending []envelope
	broadcastFrom := func(msg interface{}) {
		for _, n := range nodes {
			pending = append(pending, envelope{to: n, msg: msg})
		}
	}
	sendTo := func(to membership.Endpoint, msg interface{}) {
		pending = append(pending, envelope{to: nodes[to], msg: msg})
	}
	drain := func() {
		for len(pending) > 0 {
			e := pending[0]
			pending = pending[1:]
			deliver(e.to, e.msg)
		}
	}

	mkNode := func(self membership.Endpoint) *Paxos {
		return NewPaxos(self, uint64(self.Port), 3, 42, broadcasterFunc(broadcastFrom), sendTo, func(v []membership.Endpoint) {
			decided = append(decided, v)
		}, log.NewNopLogger())
	}

	nodes = map[membership.Endpoint]*Paxos{
		selfA: mkNode(selfA),
		selfB: mkNode(selfB),
		selfC: mkNode(selfC),
	}

	// Coordinator A starts phase 1a; we need A to have a value to propose,
	// so seed A's vval via a prior (uncontested) phase2a/vote path: since
	// no acceptor has voted yet, the coordinator rule will pick nothing
	// from phase1b, so the driving test injects the coordinator's own
	// proposal directly by calling startPhase1a then, once phase1b
	// arrives empty-valued, manually broadcasting phase2a is what the real
	// RapidStateMachine does by feeding the proposal in; here we simulate
	// that by having A set cval itself when no value emerges.
	nodes[selfA].StartPhase1a(FirstClassicRound)
	drain()

	for _, n := range nodes {
		require.True(t, n.rnd.Compare(zeroRank) > 0, "acceptors should have recorded the new round")
	}

	// Since no prior votes exist, the coordinator rule yields no value;
	// classic Paxos alone cannot manufacture a proposal value out of
	// nothing, so directly drive phase 2 with the proposal the state
	// machine would have supplied.
	nodes[selfA].mu.Lock()
	nodes[selfA].cval = value
	nodes[selfA].mu.Unlock()
	broadcastFrom(Phase2a{Sender: selfA, ConfigurationId: 42, Rank: Rank{Round: FirstClassicRound, NodeIndex: uint64(selfA.Port)}, Vval: value})
	drain()

	require.Len(t, decided, 3)
	for _, v := range decided {
		require.Equal(t, value, v)
	}
}

type broadcasterFunc func(msg interface{})

func (f broadcasterFunc) Broadcast(msg interface{}) { f(msg) }

func deliver(p *Paxos, msg interface{}) {
	switch m := msg.(type) {
	case Phase1a:
		p.HandlePhase1a(m)
	case Phase1b:
		p.HandlePhase1b(m)
	case Phase2a:
		p.HandlePhase2a(m)
	case Phase2b:
		p.HandlePhase2b(m)
	}
}

func TestCoordinatorRuleSingleValue(t *testing.T) {
	k := Rank{Round: 2, NodeIndex: 1}
	collected := []Phase1b{
		{Vrnd: k, Vval: []membership.Endpoint{ep("x", 1)}},
		{Vrnd: zeroRank, Vval: nil},
		{Vrnd: k, Vval: []membership.Endpoint{ep("x", 1)}},
	}
	chosen := selectProposalUsingCoordinatorRule(collected, 10)
	require.Equal(t, []membership.Endpoint{ep("x", 1)}, chosen)
}

func TestCoordinatorRuleNoValue(t *testing.T) {
	collected := []Phase1b{
		{Vrnd: zeroRank, Vval: nil},
		{Vrnd: zeroRank, Vval: nil},
	}
	chosen := selectProposalUsingCoordinatorRule(collected, 10)
	require.Nil(t, chosen)
}

func TestCoordinatorRuleMajorityAmongConflicts(t *testing.T) {
	k := Rank{Round: 2, NodeIndex: 1}
	majority := []membership.Endpoint{ep("majority", 1)}
	minority := []membership.Endpoint{ep("minority", 2)}

	// N=10, N/4=2: a value appearing 3 times (>2) among conflicting
	// proposals at the max vrnd should be chosen.
	collected := []Phase1b{
		{Vrnd: k, Vval: majority},
		{Vrnd: k, Vval: majority},
		{Vrnd: k, Vval: majority},
		{Vrnd: k, Vval: minority},
	}
	chosen := selectProposalUsingCoordinatorRule(collected, 10)
	require.Equal(t, majority, chosen)
}
