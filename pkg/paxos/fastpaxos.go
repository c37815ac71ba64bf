package paxos

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

// FastPaxos implements spec.md §4.F: a single-phase quorum vote with a
// scheduled classic-Paxos fallback.
type FastPaxos struct {
	mu sync.Mutex

	self            membership.Endpoint
	n               int
	configurationId uint64

	broadcaster Broadcaster
	onDecide    func([]membership.Endpoint)
	onFallback  func()
	logger      log.Logger

	votedOnce        map[membership.Endpoint]struct{}
	votesPerProposal map[string]int
	decided          bool

	fallbackTimer *time.Timer
	rng           *rand.Rand
}

// Config collects the fast-round tunables: the fallback base delay
// (spec.md §6 default 10s) added to the jittered exponential term.
type Config struct {
	FallbackBase time.Duration
}

// NewFastPaxos constructs a FastPaxos instance for one configuration
// change. onDecide is invoked at most once with the decided value;
// onFallback is invoked when the scheduled classic-Paxos fallback fires
// (the caller is responsible for starting classic Paxos's phase 1a). Both
// callbacks are invoked with no internal lock held, so they are free to
// call back into this FastPaxos (e.g. CancelFallback).
func NewFastPaxos(self membership.Endpoint, n int, configurationId uint64, broadcaster Broadcaster, onDecide func([]membership.Endpoint), onFallback func(), logger log.Logger) *FastPaxos {
	return &FastPaxos{
		self:             self,
		n:                n,
		configurationId:  configurationId,
		broadcaster:      broadcaster,
		onDecide:         onDecide,
		onFallback:       onFallback,
		logger:           logger,
		votedOnce:        make(map[membership.Endpoint]struct{}),
		votesPerProposal: make(map[string]int),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Propose implements spec.md §4.F: self-vote, broadcast FastRoundPhase2b,
// schedule the classic-Paxos fallback after a jittered delay.
func (f *FastPaxos) Propose(cfg Config, proposal []membership.Endpoint) {
	f.mu.Lock()
	decided, decidedValue := f.registerVoteLocked(f.self, proposal)
	f.mu.Unlock()

	f.broadcaster.Broadcast(FastRoundVote{
		Sender:          f.self,
		ConfigurationId: f.configurationId,
		Endpoints:       proposal,
	})

	if decided {
		f.onDecide(decidedValue)
		return
	}

	rate := 1.0 / float64(f.n)
	u := f.rng.Float64()
	for u == 0 {
		u = f.rng.Float64()
	}
	jitter := -1000 * math.Log(1-u) / rate
	delay := cfg.FallbackBase + time.Duration(jitter)*time.Millisecond

	f.mu.Lock()
	f.fallbackTimer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		alreadyDecided := f.decided
		f.mu.Unlock()
		if !alreadyDecided {
			f.onFallback()
		}
	})
	f.mu.Unlock()
}

// HandleFastRoundVote implements spec.md §4.F's handleFastRoundProposal.
func (f *FastPaxos) HandleFastRoundVote(msg FastRoundVote) {
	f.mu.Lock()
	if msg.ConfigurationId != f.configurationId || f.decided {
		f.mu.Unlock()
		return
	}
	if _, dup := f.votedOnce[msg.Sender]; dup {
		f.mu.Unlock()
		return
	}
	decided, decidedValue := f.registerVoteLocked(msg.Sender, msg.Endpoints)
	f.mu.Unlock()

	if decided {
		f.onDecide(decidedValue)
	}
}

// registerVoteLocked records sender's vote and reports whether this vote
// tipped the quorum, leaving invocation of onDecide to the caller so it
// always runs without f.mu held.
func (f *FastPaxos) registerVoteLocked(sender membership.Endpoint, proposal []membership.Endpoint) (decided bool, decidedValue []membership.Endpoint) {
	f.votedOnce[sender] = struct{}{}
	key := endpointsKey(proposal)
	f.votesPerProposal[key]++

	quorum := f.n - (f.n-1)/4 // N - F, F = floor((N-1)/4)
	totalVotes := len(f.votedOnce)

	if f.decided || totalVotes < quorum || f.votesPerProposal[key] < quorum {
		return false, nil
	}

	f.decided = true
	if f.fallbackTimer != nil {
		f.fallbackTimer.Stop()
	}
	level.Info(f.logger).Log("msg", "fast paxos decided", "configuration_id", f.configurationId, "votes", f.votesPerProposal[key])
	return true, proposal
}

// Decided reports whether a fast-round decision has already fired.
func (f *FastPaxos) Decided() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decided
}

// CancelFallback stops the scheduled classic-Paxos fallback, used when the
// enclosing configuration change completes through some other path.
func (f *FastPaxos) CancelFallback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fallbackTimer != nil {
		f.fallbackTimer.Stop()
	}
}
