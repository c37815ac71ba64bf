package paxos

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

// Paxos implements classic Paxos (spec.md §4.G) with the Fast-Paxos
// coordinator rule (Figure 2) used to pick the value a coordinator
// proposes in Phase 2.
type Paxos struct {
	mu sync.Mutex

	self            membership.Endpoint
	selfNodeIndex   uint64
	n               int
	configurationId uint64

	broadcaster Broadcaster
	send        func(to membership.Endpoint, msg interface{})
	onDecide    func([]membership.Endpoint)
	logger      log.Logger

	rnd  Rank
	vrnd Rank
	vval []membership.Endpoint

	crnd Rank
	cval []membership.Endpoint

	phase1b        map[Rank][]Phase1b
	phase2bSenders map[Rank]map[membership.Endpoint]struct{}

	decided bool
}

// NewPaxos constructs a classic Paxos instance for one configuration
// change. selfNodeIndex should come from paxos.NodeIndex(ringHash(self,0)).
// send delivers a unicast reply (used for Phase1b, which only the
// coordinator needs); broadcaster fans out Phase1a/Phase2a/Phase2b.
func NewPaxos(self membership.Endpoint, selfNodeIndex uint64, n int, configurationId uint64, broadcaster Broadcaster, send func(membership.Endpoint, interface{}), onDecide func([]membership.Endpoint), logger log.Logger) *Paxos {
	return &Paxos{
		self:            self,
		selfNodeIndex:   selfNodeIndex,
		n:               n,
		configurationId: configurationId,
		broadcaster:     broadcaster,
		send:            send,
		onDecide:        onDecide,
		logger:          logger,
		rnd:             zeroRank,
		vrnd:            zeroRank,
		crnd:            zeroRank,
		phase1b:         make(map[Rank][]Phase1b),
		phase2bSenders:  make(map[Rank]map[membership.Endpoint]struct{}),
	}
}

// StartPhase1a implements spec.md §4.G's coordinator Phase 1a.
func (p *Paxos) StartPhase1a(round int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newRank := Rank{Round: round, NodeIndex: p.selfNodeIndex}
	if newRank.Compare(p.crnd) <= 0 {
		return
	}
	p.crnd = newRank

	level.Info(p.logger).Log("msg", "starting paxos phase 1a", "round", round)
	p.broadcaster.Broadcast(Phase1a{
		Sender:          p.self,
		ConfigurationId: p.configurationId,
		Rank:            p.crnd,
	})
}

// HandlePhase1a implements spec.md §4.G's acceptor Phase 1a handler.
func (p *Paxos) HandlePhase1a(msg Phase1a) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ConfigurationId != p.configurationId {
		return
	}
	if msg.Rank.Compare(p.rnd) <= 0 {
		return
	}

	p.rnd = msg.Rank
	p.send(msg.Sender, Phase1b{
		Sender:          p.self,
		ConfigurationId: p.configurationId,
		Rank:            p.rnd,
		Vrnd:            p.vrnd,
		Vval:            p.vval,
	})
}

// HandlePhase1b implements spec.md §4.G's coordinator Phase 1b handler.
func (p *Paxos) HandlePhase1b(msg Phase1b) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !msg.Rank.Equal(p.crnd) {
		return
	}

	p.phase1b[msg.Rank] = append(p.phase1b[msg.Rank], msg)
	collected := p.phase1b[msg.Rank]

	if len(collected) <= p.n/2 {
		return
	}

	chosen := selectProposalUsingCoordinatorRule(collected, p.n)
	if len(chosen) == 0 {
		return
	}
	if len(p.cval) != 0 {
		return
	}

	p.cval = chosen
	level.Info(p.logger).Log("msg", "paxos phase2a", "round", p.crnd.Round)
	p.broadcaster.Broadcast(Phase2a{
		Sender:          p.self,
		ConfigurationId: p.configurationId,
		Rank:            p.crnd,
		Vval:            p.cval,
	})
}

// HandlePhase2a implements spec.md §4.G's acceptor Phase 2a handler.
func (p *Paxos) HandlePhase2a(msg Phase2a) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ConfigurationId != p.configurationId {
		return
	}
	if msg.Rank.Compare(p.rnd) < 0 {
		return
	}
	if p.vrnd.Equal(msg.Rank) {
		return
	}

	p.rnd = msg.Rank
	p.vrnd = msg.Rank
	p.vval = msg.Vval

	p.broadcaster.Broadcast(Phase2b{
		Sender:          p.self,
		ConfigurationId: p.configurationId,
		Rank:            msg.Rank,
		Vval:            p.vval,
	})
}

// HandlePhase2b implements spec.md §4.G's Phase 2b handler.
func (p *Paxos) HandlePhase2b(msg Phase2b) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ConfigurationId != p.configurationId {
		return
	}
	if p.decided {
		return
	}

	senders, ok := p.phase2bSenders[msg.Rank]
	if !ok {
		senders = make(map[membership.Endpoint]struct{})
		p.phase2bSenders[msg.Rank] = senders
	}
	senders[msg.Sender] = struct{}{}

	if len(senders) <= p.n/2 {
		return
	}

	p.decided = true
	level.Info(p.logger).Log("msg", "classic paxos decided", "round", msg.Rank.Round)
	p.onDecide(msg.Vval)
}

// Decided reports whether classic Paxos has already decided.
func (p *Paxos) Decided() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decided
}

// selectProposalUsingCoordinatorRule implements the Fast-Paxos Figure 2
// coordinator rule described in spec.md §4.G.
func selectProposalUsingCoordinatorRule(collected []Phase1b, n int) []membership.Endpoint {
	if len(collected) == 0 {
		return nil
	}

	k := collected[0].Vrnd
	for _, m := range collected[1:] {
		if m.Vrnd.Compare(k) > 0 {
			k = m.Vrnd
		}
	}

	type countedValue struct {
		value []membership.Endpoint
		count int
	}
	var atK []countedValue
	var firstNonEmptyAnywhere []membership.Endpoint

	for _, m := range collected {
		if len(m.Vval) != 0 && firstNonEmptyAnywhere == nil {
			firstNonEmptyAnywhere = m.Vval
		}
		if !m.Vrnd.Equal(k) || len(m.Vval) == 0 {
			continue
		}
		found := false
		for i := range atK {
			if sameEndpoints(atK[i].value, m.Vval) {
				atK[i].count++
				found = true
				break
			}
		}
		if !found {
			atK = append(atK, countedValue{value: m.Vval, count: 1})
		}
	}

	switch len(atK) {
	case 0:
		// No non-empty vval at k: choose first non-empty vval seen, or
		// empty if none exists.
		return firstNonEmptyAnywhere
	case 1:
		return atK[0].value
	default:
		// |V| > 1: choose the value whose occurrence count exceeds N/4.
		for _, cv := range atK {
			if cv.count > n/4 {
				return cv.value
			}
		}
		return firstNonEmptyAnywhere
	}
}
