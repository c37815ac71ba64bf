// Package statemachine implements the RapidStateMachine of spec.md §4.J: a
// single-consumer actor composing the MembershipView, MultiNodeCutDetector,
// failure detectors, Fast Paxos/classic Paxos, the Broadcaster and the
// Alert Batcher into one serialized state machine driving per-configuration
// life-cycles, join admission, alert batching and postponement.
//
// The single-consumer mailbox is grounded on dgraph's worker/draft.go
// actor, which serializes Raft proposals through one goroutine reading a
// channel of closures; here the same shape serializes membership-protocol
// events instead of Raft proposals.
package statemachine

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rapid-cluster/rapid/pkg/alertbatch"
	"github.com/rapid-cluster/rapid/pkg/broadcast"
	"github.com/rapid-cluster/rapid/pkg/cutdetector"
	"github.com/rapid-cluster/rapid/pkg/failuredetector"
	"github.com/rapid-cluster/rapid/pkg/membership"
	"github.com/rapid-cluster/rapid/pkg/paxos"
	"github.com/rapid-cluster/rapid/pkg/ringhash"
)

// ProberFactory builds the per-subject Prober the Edge FD runner uses to
// probe a newly monitored subject; the concrete implementation is supplied
// by the transport layer so this package stays transport-agnostic, per
// spec.md §1/§5.
type ProberFactory func(subject membership.Endpoint) failuredetector.Prober

// JoinResult is the eventual outcome of a HandleJoin call: either an
// immediate status code (rejections, retries) or, on SAFE_TO_JOIN, the
// configuration agreed once the pending view change completes.
type JoinResult struct {
	StatusCode      membership.JoinStatusCode
	ConfigurationId uint64
	Endpoints       []membership.Endpoint
	NodeIds         []membership.NodeId
	MetadataKeys    [][]string
	MetadataValues  [][][]byte
}

type postponedJoiner struct {
	endpoint membership.Endpoint
	nodeId   membership.NodeId
	metadata membership.Metadata
	reply    chan JoinResult
}

// StateMachine is spec.md §4.J's RapidStateMachine. It exclusively owns its
// MembershipView, MultiNodeCutDetector, alert queue, joiner maps and the
// active Paxos instances (spec.md §3 "Ownership"); every other goroutine
// interacts with it only by posting a closure onto its mailbox.
type StateMachine struct {
	self       membership.Endpoint
	selfNodeId membership.NodeId
	metadata   membership.Metadata
	cfg        Config

	proberFactory ProberFactory
	broadcaster   *broadcast.Broadcaster
	logger        log.Logger
	metrics       *membership.Metrics

	mailbox chan func()
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	phase Phase
	view  *membership.View

	cutDetector *cutdetector.Detector
	batcher     *alertbatch.Batcher

	fastPaxos    *paxos.FastPaxos
	classicPaxos *paxos.Paxos

	fdRunners map[membership.Endpoint]*failuredetector.Runner

	// joinerNodeIds/joinerMetadata are transient admission bookkeeping: the
	// id/metadata an UP alert or join request carries before the endpoint
	// has actually been added to the view. Both are consumed (and
	// garbage-collected) in applyViewChangeLocked, per spec.md §5.
	joinerNodeIds  map[membership.Endpoint]membership.NodeId
	joinerMetadata map[membership.Endpoint]membership.Metadata

	// memberMetadata is the durable per-endpoint metadata store for every
	// endpoint currently in the view (other than self, which lives in
	// sm.metadata). Populated once an endpoint is actually admitted;
	// GetMetadata/joinResultFromConfiguration read from here.
	memberMetadata map[membership.Endpoint]membership.Metadata

	postponedJoiners   []postponedJoiner
	postponedConsensus []func()
	stashedLeaves      []membership.Endpoint

	subscribers map[EventKind][]Subscriber
}

// New constructs a StateMachine in PhaseInitial. Call Bootstrap (for the
// first node in a cluster) or JoinCluster (after a successful join
// handshake) to reach PhaseActive.
func New(self membership.Endpoint, selfNodeId membership.NodeId, metadata membership.Metadata, cfg Config, broadcastClient broadcast.Client, proberFactory ProberFactory, logger log.Logger, metrics *membership.Metrics) *StateMachine {
	sm := &StateMachine{
		self:           self,
		selfNodeId:     selfNodeId,
		metadata:       metadata.Clone(),
		cfg:            cfg,
		proberFactory:  proberFactory,
		broadcaster:    broadcast.New(broadcastClient, logger),
		logger:         logger,
		metrics:        metrics,
		mailbox:        make(chan func(), 256),
		phase:          PhaseInitial,
		joinerNodeIds:  make(map[membership.Endpoint]membership.NodeId),
		joinerMetadata: make(map[membership.Endpoint]membership.Metadata),
		memberMetadata: make(map[membership.Endpoint]membership.Metadata),
		subscribers:    make(map[EventKind][]Subscriber),
	}
	return sm
}

// run is the mailbox loop: the sole goroutine that ever touches sm's owned
// state, per spec.md §5's single-writer requirement.
func (sm *StateMachine) run(ctx context.Context) {
	defer sm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-sm.mailbox:
			f()
		}
	}
}

// post enqueues f for execution on the mailbox goroutine. Use this from any
// goroutine other than the mailbox's own (FD runner failures, Paxos
// fallback timers); handlers already running on the mailbox call each other
// directly.
func (sm *StateMachine) post(f func()) {
	sm.mailbox <- f
}

// startMailbox launches the single-consumer goroutine; both Bootstrap and
// JoinCluster call this exactly once.
func (sm *StateMachine) startMailbox() {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel
	sm.wg.Add(1)
	go sm.run(ctx)
}

// Bootstrap implements spec.md §4.J's `Initial → Active` transition for the
// first node of a cluster: the view contains only self.
func (sm *StateMachine) Bootstrap() {
	sm.view = membership.NewView(sm.cfg.K)
	_ = sm.view.RingAdd(sm.self, sm.selfNodeId)
	sm.startMailbox()
	done := make(chan struct{})
	sm.post(func() {
		sm.enterActiveLocked()
		close(done)
	})
	<-done
}

// JoinCluster implements spec.md §4.J's `Initial → Active` transition for a
// node that has just completed the join handshake against a seed: the
// SAFE_TO_JOIN response already carries the full membership to seed the
// view with.
func (sm *StateMachine) JoinCluster(config membership.Configuration, metadataByEndpoint map[membership.Endpoint]membership.Metadata) {
	sm.view = membership.NewView(sm.cfg.K)
	idByEndpoint := make(map[membership.Endpoint]membership.NodeId, len(config.NodeIds))
	for i, e := range config.Endpoints {
		if i < len(config.NodeIds) {
			idByEndpoint[e] = config.NodeIds[i]
		}
	}
	for _, e := range config.Endpoints {
		id, ok := idByEndpoint[e]
		if !ok {
			continue
		}
		if e == sm.self {
			id = sm.selfNodeId
		}
		_ = sm.view.RingAdd(e, id)
		if e == sm.self {
			continue
		}
		if md, ok := metadataByEndpoint[e]; ok {
			sm.memberMetadata[e] = md.Clone()
		}
	}
	sm.startMailbox()
	done := make(chan struct{})
	sm.post(func() {
		sm.enterActiveLocked()
		close(done)
	})
	<-done
}

// enterActiveLocked arms the cut detector, the alert batcher, the FD
// runners and the broadcaster for the current view, per spec.md §4.J.
// Must run on the mailbox goroutine.
func (sm *StateMachine) enterActiveLocked() {
	sm.phase = PhaseActive

	detector, err := cutdetector.New(sm.view.K(), sm.cfg.H, sm.cfg.L)
	if err != nil {
		// Config.Validate is expected to have already rejected this; a
		// failure here means the caller bypassed validation.
		level.Error(sm.logger).Log("msg", "invalid cut detector parameters", "err", err)
		return
	}
	sm.cutDetector = detector

	sm.batcher = alertbatch.New(sm.cfg.BatchingWindow, sm.self, func() uint64 { return sm.view.Configuration().ConfigurationId }, broadcast.FireAndForget{B: sm.broadcaster}, sm.logger)
	sm.batcher.Start(context.Background())

	sm.rearmRingLocked()

	if sm.metrics != nil {
		sm.metrics.Report(sm.view)
	}

	level.Info(sm.logger).Log("msg", "entered active", "configuration_id", sm.view.Configuration().ConfigurationId, "size", sm.view.Size())
}

// rearmRingLocked resets the broadcaster's recipient list and the per-subject
// FD runners to match the current view (spec.md §4.J "re-arm FD runners and
// broadcaster on the new ring"). Must run on the mailbox goroutine.
func (sm *StateMachine) rearmRingLocked() {
	endpoints := sm.view.Endpoints()
	sm.broadcaster.SetMembership(endpoints)

	for _, r := range sm.fdRunners {
		r.Stop()
	}
	for _, r := range sm.fdRunners {
		_ = r.AwaitTerminated(context.Background())
	}

	sm.fdRunners = make(map[membership.Endpoint]*failuredetector.Runner)
	subjects := sm.view.SubjectsOf(sm.self)
	seen := make(map[membership.Endpoint]struct{}, len(subjects))
	for _, subject := range subjects {
		if subject == sm.self {
			continue
		}
		if _, dup := seen[subject]; dup {
			continue
		}
		seen[subject] = struct{}{}
		sm.startFDRunnerLocked(subject)
	}
}

func (sm *StateMachine) startFDRunnerLocked(subject membership.Endpoint) {
	configurationId := sm.view.Configuration().ConfigurationId
	detector, err := failuredetector.New(sm.cfg.FailureDetectorThreshold, sm.cfg.FailureDetectorMaxSampleSize, sm.cfg.FailureDetectorScalingFactor, failuredetector.MonotonicClock)
	if err != nil {
		level.Error(sm.logger).Log("msg", "invalid failure detector parameters", "err", err)
		return
	}

	runnerCfg := failuredetector.RunnerConfig{
		Interval:                  sm.cfg.FailureDetectorInterval,
		ExpectFirstHeartbeatAfter: sm.cfg.ExpectFirstHeartbeatAfter,
	}

	runner := failuredetector.NewRunner(runnerCfg, detector, sm.proberFactory(subject), failuredetector.MonotonicClock, func() {
		sm.post(func() { sm.handleSubjectFailedLocked(subject, configurationId) })
	}, sm.logger)

	sm.fdRunners[subject] = runner
	runner.Start(context.Background())
}

// handleSubjectFailedLocked implements spec.md §4.J's "subject-failure
// notification": translated into a DOWN alert from self, enqueued for
// batching, dropped if the configuration has already moved on.
func (sm *StateMachine) handleSubjectFailedLocked(subject membership.Endpoint, observedConfigurationId uint64) {
	if sm.view == nil || sm.view.Configuration().ConfigurationId != observedConfigurationId {
		return
	}
	ringNumbers := sm.view.RingNumbers(sm.self, subject)
	if len(ringNumbers) == 0 {
		return
	}
	sm.batcher.Enqueue(alertbatch.QueuedAlert{Alert: cutdetector.Alert{
		Src:         sm.self,
		Dst:         subject,
		Status:      cutdetector.Down,
		RingNumbers: ringNumbers,
	}})
}

// Subscribe registers a callback for ClusterEvents of kind.
func (sm *StateMachine) Subscribe(kind EventKind, sub Subscriber) {
	done := make(chan struct{})
	sm.post(func() {
		sm.subscribers[kind] = append(sm.subscribers[kind], sub)
		close(done)
	})
	<-done
}

func (sm *StateMachine) fireLocked(e ClusterEvent) {
	for _, sub := range sm.subscribers[e.Kind()] {
		sub(e)
	}
}

// HandleJoin implements spec.md §4.J's join admission. It blocks until the
// request is fully adjudicated: immediately for rejections/retries, or
// until the next view is agreed for SAFE_TO_JOIN.
func (sm *StateMachine) HandleJoin(ctx context.Context, endpoint membership.Endpoint, nodeId membership.NodeId, metadata membership.Metadata) (JoinResult, error) {
	reply := make(chan JoinResult, 1)
	sm.post(func() { sm.handleJoinLocked(endpoint, nodeId, metadata, reply) })

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

func (sm *StateMachine) handleJoinLocked(endpoint membership.Endpoint, nodeId membership.NodeId, metadata membership.Metadata, reply chan JoinResult) {
	if sm.phase == PhaseViewChanging {
		reply <- JoinResult{StatusCode: membership.ViewChangeInProgress}
		return
	}
	if sm.phase != PhaseActive {
		reply <- JoinResult{StatusCode: membership.ViewChangeInProgress}
		return
	}

	status := sm.view.IsSafeToJoin(endpoint, nodeId)
	switch status {
	case membership.SameNodeAlreadyInRing:
		cfg := sm.view.Configuration()
		reply <- sm.joinResultFromConfiguration(membership.SafeToJoin, cfg)
	case membership.HostnameAlreadyInRing, membership.UuidAlreadyInRing:
		reply <- JoinResult{StatusCode: status}
	case membership.SafeToJoin:
		sm.postponedJoiners = append(sm.postponedJoiners, postponedJoiner{
			endpoint: endpoint,
			nodeId:   nodeId,
			metadata: metadata,
			reply:    reply,
		})
		sm.synthesizeJoinAlertsLocked(endpoint, nodeId, metadata)
	default:
		reply <- JoinResult{StatusCode: status}
	}
}

func (sm *StateMachine) joinResultFromConfiguration(status membership.JoinStatusCode, cfg membership.Configuration) JoinResult {
	keys := make([][]string, len(cfg.Endpoints))
	values := make([][][]byte, len(cfg.Endpoints))
	for i, e := range cfg.Endpoints {
		md := sm.memberMetadata[e]
		if e == sm.self {
			md = sm.metadata
		}
		ks := make([]string, 0, len(md))
		vs := make([][]byte, 0, len(md))
		for k, v := range md {
			ks = append(ks, k)
			vs = append(vs, v)
		}
		keys[i] = ks
		values[i] = vs
	}
	return JoinResult{
		StatusCode:      status,
		ConfigurationId: cfg.ConfigurationId,
		Endpoints:       cfg.Endpoints,
		NodeIds:         cfg.NodeIds,
		MetadataKeys:    keys,
		MetadataValues:  values,
	}
}

// synthesizeJoinAlertsLocked implements spec.md §4.J's "synthesize one
// AlertMessage(UP) per expected observer of the joiner (one ringNumber per
// synthesized alert)": applies each alert locally (this node already knows
// the outcome) and enqueues it for broadcast so every other member's own
// cut detector counts it too.
func (sm *StateMachine) synthesizeJoinAlertsLocked(endpoint membership.Endpoint, nodeId membership.NodeId, metadata membership.Metadata) {
	observers := sm.view.ExpectedObserversOf(endpoint)
	for ring, observer := range observers {
		alert := cutdetector.Alert{
			Src:         observer,
			Dst:         endpoint,
			Status:      cutdetector.Up,
			RingNumbers: []int{ring},
		}
		sm.applyFilteredAlertLocked(alert, &nodeId, metadata)
		sm.batcher.Enqueue(alertbatch.QueuedAlert{Alert: alert, NodeId: &nodeId, Metadata: metadata})
	}
}

// HandleBatchedAlert implements spec.md §4.J's alert filtering, executed in
// both Active and ViewChanging, followed by cut-detector aggregation only
// in Active.
func (sm *StateMachine) HandleBatchedAlert(alerts []alertbatch.QueuedAlert, configurationId uint64) {
	done := make(chan struct{})
	sm.post(func() {
		sm.handleBatchedAlertLocked(alerts, configurationId)
		close(done)
	})
	<-done
}

func (sm *StateMachine) handleBatchedAlertLocked(alerts []alertbatch.QueuedAlert, configurationId uint64) {
	if sm.phase != PhaseActive && sm.phase != PhaseViewChanging {
		return
	}
	if sm.view.Configuration().ConfigurationId != configurationId {
		return
	}

	var proposal []membership.Endpoint
	seen := make(map[membership.Endpoint]struct{})
	union := func(out []membership.Endpoint) {
		for _, e := range out {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			proposal = append(proposal, e)
		}
	}

	for _, qa := range alerts {
		accepted := sm.applyFilteredAlertLocked(qa.Alert, qa.NodeId, qa.Metadata)
		if !accepted || sm.phase != PhaseActive {
			continue
		}
		if out := sm.cutDetector.Aggregate(qa.Alert); out != nil {
			union(out)
		}
	}

	if sm.phase == PhaseActive {
		for _, out := range sm.cutDetector.InvalidateFailingEdges(sm.view) {
			union(out)
		}
	}

	if proposal != nil {
		sm.enterViewChangingLocked(proposal)
	}
}

// applyFilteredAlertLocked implements spec.md §4.J's two-step alert filter
// plus the UP-alert side effect. Returns whether the alert survives the
// filter. When nodeId/metadata are supplied directly (the local
// join-admission path), they take precedence over the alert's own fields.
func (sm *StateMachine) applyFilteredAlertLocked(alert cutdetector.Alert, nodeId *membership.NodeId, metadata membership.Metadata) bool {
	present := sm.view.HasEndpoint(alert.Dst)
	if alert.Status == cutdetector.Up && present {
		return false
	}
	if alert.Status == cutdetector.Down && !present {
		return false
	}
	if alert.Status == cutdetector.Up {
		if nodeId != nil {
			sm.joinerNodeIds[alert.Dst] = *nodeId
		}
		if metadata != nil {
			sm.joinerMetadata[alert.Dst] = metadata.Clone()
		}
	}
	return true
}

// enterViewChangingLocked implements spec.md §4.J's `Active → ViewChanging`
// transition: sort the proposal by ringHash(seed=0) so every node proposes
// an identical byte-equal vector, then start the fast round.
func (sm *StateMachine) enterViewChangingLocked(proposal []membership.Endpoint) {
	sm.phase = PhaseViewChanging

	// FD runners are cancelled synchronously for the duration of the view
	// change; rearmRingLocked re-creates them once the next view is applied.
	for _, r := range sm.fdRunners {
		r.Stop()
	}
	for _, r := range sm.fdRunners {
		_ = r.AwaitTerminated(context.Background())
	}

	sorted := make([]membership.Endpoint, len(proposal))
	copy(sorted, proposal)
	ringhash.Sort(sorted, 0, membership.Endpoint.RingHashKey)

	configurationId := sm.view.Configuration().ConfigurationId
	n := sm.view.Size()

	sm.fastPaxos = paxos.NewFastPaxos(sm.self, n, configurationId, broadcast.FireAndForget{B: sm.broadcaster}, func(decided []membership.Endpoint) {
		sm.applyViewChangeLocked(decided)
	}, func() {
		sm.post(func() { sm.startClassicPaxosLocked(configurationId) })
	}, sm.logger)

	level.Info(sm.logger).Log("msg", "entering view changing", "configuration_id", configurationId, "proposal_size", len(sorted))
	sm.fastPaxos.Propose(paxos.Config{FallbackBase: sm.cfg.PaxosFallbackBase}, sorted)
	sm.fireLocked(ViewChangeProposal{Endpoints: sorted})

	replay := sm.postponedConsensus
	sm.postponedConsensus = nil
	for _, f := range replay {
		f()
	}
}

func (sm *StateMachine) startClassicPaxosLocked(configurationId uint64) {
	if sm.phase != PhaseViewChanging || sm.view.Configuration().ConfigurationId != configurationId {
		return
	}
	if sm.classicPaxos != nil && sm.classicPaxos.Decided() {
		return
	}

	n := sm.view.Size()
	selfIndex := paxos.NodeIndex(ringhash.Hash(sm.self.RingHashKey(), 0))

	sm.classicPaxos = paxos.NewPaxos(sm.self, selfIndex, n, configurationId, broadcast.FireAndForget{B: sm.broadcaster}, func(to membership.Endpoint, msg interface{}) {
		sm.unicast(to, msg)
	}, func(decided []membership.Endpoint) {
		sm.applyViewChangeLocked(decided)
	}, sm.logger)

	sm.classicPaxos.StartPhase1a(paxos.FirstClassicRound)
}

// unicast is a best-effort reply used only for classic Paxos's Phase1b,
// which needs a unicast back to the coordinator rather than a fan-out.
func (sm *StateMachine) unicast(to membership.Endpoint, msg interface{}) {
	go func() {
		_, _ = sm.broadcaster.SendTo(context.Background(), to, msg)
	}()
}

// HandleFastRoundVote dispatches an incoming FastRoundPhase2b to the active
// fast-round instance, postponing it if this node hasn't started its own
// proposal for the same configuration yet (spec.md §5 "Ordering").
func (sm *StateMachine) HandleFastRoundVote(msg paxos.FastRoundVote) {
	sm.post(func() { sm.handleFastRoundVoteLocked(msg) })
}

func (sm *StateMachine) handleFastRoundVoteLocked(msg paxos.FastRoundVote) {
	if sm.fastPaxos == nil || sm.view == nil || msg.ConfigurationId != sm.view.Configuration().ConfigurationId {
		if sm.phase == PhaseActive {
			sm.postponedConsensus = append(sm.postponedConsensus, func() { sm.handleFastRoundVoteLocked(msg) })
		}
		return
	}
	sm.fastPaxos.HandleFastRoundVote(msg)
}

// HandlePhase1a dispatches to the active classic Paxos instance, starting
// one if none exists yet for the current configuration.
func (sm *StateMachine) HandlePhase1a(msg paxos.Phase1a) {
	sm.post(func() { sm.handlePhase1aLocked(msg) })
}

func (sm *StateMachine) handlePhase1aLocked(msg paxos.Phase1a) {
	if sm.view == nil || msg.ConfigurationId != sm.view.Configuration().ConfigurationId {
		if sm.phase == PhaseActive {
			sm.postponedConsensus = append(sm.postponedConsensus, func() { sm.handlePhase1aLocked(msg) })
		}
		return
	}
	if sm.classicPaxos == nil {
		sm.classicPaxos = sm.newAcceptorOnlyPaxos(msg.ConfigurationId)
	}
	sm.classicPaxos.HandlePhase1a(msg)
}

func (sm *StateMachine) newAcceptorOnlyPaxos(configurationId uint64) *paxos.Paxos {
	n := sm.view.Size()
	selfIndex := paxos.NodeIndex(ringhash.Hash(sm.self.RingHashKey(), 0))
	return paxos.NewPaxos(sm.self, selfIndex, n, configurationId, broadcast.FireAndForget{B: sm.broadcaster}, func(to membership.Endpoint, msg interface{}) {
		sm.unicast(to, msg)
	}, func(decided []membership.Endpoint) {
		sm.applyViewChangeLocked(decided)
	}, sm.logger)
}

// HandlePhase1b dispatches Phase1b to the coordinator's classic Paxos
// instance.
func (sm *StateMachine) HandlePhase1b(msg paxos.Phase1b) {
	sm.post(func() {
		if sm.classicPaxos == nil || sm.view == nil || msg.ConfigurationId != sm.view.Configuration().ConfigurationId {
			return
		}
		sm.classicPaxos.HandlePhase1b(msg)
	})
}

// HandlePhase2a dispatches Phase2a to the acceptor's classic Paxos
// instance.
func (sm *StateMachine) HandlePhase2a(msg paxos.Phase2a) {
	sm.post(func() { sm.handlePhase2aLocked(msg) })
}

func (sm *StateMachine) handlePhase2aLocked(msg paxos.Phase2a) {
	if sm.view == nil || msg.ConfigurationId != sm.view.Configuration().ConfigurationId {
		if sm.phase == PhaseActive {
			sm.postponedConsensus = append(sm.postponedConsensus, func() { sm.handlePhase2aLocked(msg) })
		}
		return
	}
	if sm.classicPaxos == nil {
		sm.classicPaxos = sm.newAcceptorOnlyPaxos(msg.ConfigurationId)
	}
	sm.classicPaxos.HandlePhase2a(msg)
}

// HandlePhase2b dispatches Phase2b to the classic Paxos instance.
func (sm *StateMachine) HandlePhase2b(msg paxos.Phase2b) {
	sm.post(func() {
		if sm.classicPaxos == nil || sm.view == nil || msg.ConfigurationId != sm.view.Configuration().ConfigurationId {
			return
		}
		sm.classicPaxos.HandlePhase2b(msg)
	})
}

// applyViewChangeLocked implements spec.md §4.J's `ViewChanging → Active`
// transition: apply the decided proposal (remove if present, else add),
// respond to postponed joiners, re-arm FD runners/broadcaster, fire a
// ViewChange event, replay stashed leaves.
func (sm *StateMachine) applyViewChangeLocked(proposal []membership.Endpoint) {
	if sm.phase != PhaseViewChanging {
		return
	}
	// Fatal per spec.md §7/§9: an UP endpoint whose joiner id was never
	// observed aborts the whole view change before any of it is applied.
	for _, e := range proposal {
		if _, ok := sm.joinerNodeIds[e]; !ok && !sm.view.HasEndpoint(e) {
			level.Error(sm.logger).Log("msg", ErrFatalInvariant.Error(), "endpoint", e.String())
			return
		}
	}
	if sm.fastPaxos != nil {
		sm.fastPaxos.CancelFallback()
	}

	var changes []StatusChange
	for _, e := range proposal {
		if sm.view.HasEndpoint(e) {
			id, _ := sm.view.NodeIdOf(e)
			if err := sm.view.RingDelete(e); err != nil {
				level.Error(sm.logger).Log("msg", "view change invariant violated on delete", "endpoint", e.String(), "err", err)
				continue
			}
			md := sm.memberMetadata[e]
			delete(sm.memberMetadata, e)
			delete(sm.joinerMetadata, e)
			delete(sm.joinerNodeIds, e)
			changes = append(changes, StatusChange{Endpoint: e, Status: Left, NodeId: id, Metadata: md})
			if e == sm.self {
				sm.handleKickedLocked()
				return
			}
		} else {
			id, ok := sm.joinerNodeIds[e]
			if !ok {
				// Fatal per spec.md §7/§9: applying an UP endpoint whose
				// joiner id was never observed. This terminates the current
				// view-change operation rather than silently admitting an
				// unidentified node.
				level.Error(sm.logger).Log("msg", ErrFatalInvariant.Error(), "endpoint", e.String())
				continue
			}
			if err := sm.view.RingAdd(e, id); err != nil {
				level.Error(sm.logger).Log("msg", "view change invariant violated on add", "endpoint", e.String(), "err", err)
				continue
			}
			md := sm.joinerMetadata[e]
			delete(sm.joinerMetadata, e)
			delete(sm.joinerNodeIds, e)
			sm.memberMetadata[e] = md
			changes = append(changes, StatusChange{Endpoint: e, Status: Joined, NodeId: id, Metadata: md})
		}
	}

	cfg := sm.view.Configuration()

	sm.cutDetector, _ = cutdetector.New(sm.view.K(), sm.cfg.H, sm.cfg.L)
	sm.fastPaxos = nil
	sm.classicPaxos = nil

	joiners := sm.postponedJoiners
	sm.postponedJoiners = nil

	sm.phase = PhaseActive
	sm.rearmRingLocked()
	if sm.metrics != nil {
		sm.metrics.Report(sm.view)
	}

	for _, j := range joiners {
		j.reply <- sm.joinResultFromConfiguration(membership.SafeToJoin, cfg)
	}

	sm.fireLocked(ViewChange{ConfigurationId: cfg.ConfigurationId, StatusChanges: changes})

	leaves := sm.stashedLeaves
	sm.stashedLeaves = nil
	for _, l := range leaves {
		sm.handleLeaveLocked(l)
	}

	level.Info(sm.logger).Log("msg", "view change applied", "configuration_id", cfg.ConfigurationId, "size", sm.view.Size(), "changes", len(changes))
}

// handleKickedLocked implements spec.md §6/§7's Kicked event: this node's
// own endpoint was observed DOWN in a committed view.
func (sm *StateMachine) handleKickedLocked() {
	lastConfigurationId := sm.view.Configuration().ConfigurationId
	sm.phase = PhaseLeft
	for _, r := range sm.fdRunners {
		r.Stop()
	}
	sm.batcher.Stop()
	sm.fireLocked(Kicked{LastConfigurationId: lastConfigurationId})
	level.Warn(sm.logger).Log("msg", "kicked from cluster", "last_configuration_id", lastConfigurationId)
}

// HandleProbe implements the responder side of spec.md §4.E step 3: report
// OK once Active, BOOTSTRAPPING while this node's own join is still
// pending.
func (sm *StateMachine) HandleProbe() failuredetector.ProbeStatus {
	reply := make(chan failuredetector.ProbeStatus, 1)
	sm.post(func() {
		if sm.phase == PhaseActive || sm.phase == PhaseViewChanging {
			reply <- failuredetector.ProbeOK
		} else {
			reply <- failuredetector.ProbeBootstrapping
		}
	})
	return <-reply
}

// HandleLeave implements spec.md §4.J's Leave handling: synthesize a DOWN
// alert for the sender in Active, stash it for replay in ViewChanging.
func (sm *StateMachine) HandleLeave(sender membership.Endpoint) {
	sm.post(func() { sm.handleLeaveLocked(sender) })
}

func (sm *StateMachine) handleLeaveLocked(sender membership.Endpoint) {
	switch sm.phase {
	case PhaseViewChanging:
		sm.stashedLeaves = append(sm.stashedLeaves, sender)
	case PhaseActive:
		ringNumbers := sm.view.RingNumbers(sm.self, sender)
		if len(ringNumbers) == 0 {
			ringNumbers = allRingNumbers(sm.view.K())
		}
		sm.batcher.Enqueue(alertbatch.QueuedAlert{Alert: cutdetector.Alert{
			Src:         sm.self,
			Dst:         sender,
			Status:      cutdetector.Down,
			RingNumbers: ringNumbers,
		}})
	}
}

func allRingNumbers(k int) []int {
	out := make([]int, k)
	for i := range out {
		out[i] = i
	}
	return out
}

// GetMemberList returns ring[0] in its current order (spec.md §4.K).
func (sm *StateMachine) GetMemberList() []membership.Endpoint {
	reply := make(chan []membership.Endpoint, 1)
	sm.post(func() {
		if sm.view == nil {
			reply <- nil
			return
		}
		reply <- sm.view.Endpoints()
	})
	return <-reply
}

// GetMetadata returns the metadata map for every member (spec.md §4.K).
func (sm *StateMachine) GetMetadata() map[membership.Endpoint]membership.Metadata {
	reply := make(chan map[membership.Endpoint]membership.Metadata, 1)
	sm.post(func() {
		out := make(map[membership.Endpoint]membership.Metadata)
		if sm.view == nil {
			reply <- out
			return
		}
		for _, e := range sm.view.Endpoints() {
			if e == sm.self {
				out[e] = sm.metadata.Clone()
				continue
			}
			out[e] = sm.memberMetadata[e].Clone()
		}
		reply <- out
	})
	return <-reply
}

// Phase returns the current phase; intended for diagnostics/tests only.
func (sm *StateMachine) Phase() Phase {
	reply := make(chan Phase, 1)
	sm.post(func() { reply <- sm.phase })
	return <-reply
}

// Shutdown implements spec.md §4.J's `Leaving`/`Left` phases: it stops the
// FD runners and the alert batcher and ends the mailbox. It sends no Leave
// message itself; pkg/rapid's Cluster.Leave does that.
func (sm *StateMachine) Shutdown() {
	done := make(chan struct{})
	sm.post(func() {
		sm.phase = PhaseLeaving
		for _, r := range sm.fdRunners {
			r.Stop()
		}
		if sm.batcher != nil {
			sm.batcher.Stop()
		}
		sm.phase = PhaseLeft
		close(done)
	})
	<-done
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}
