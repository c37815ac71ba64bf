package failuredetector

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rapid-cluster/rapid/internal/services"
)

// monotonicEpoch anchors MonotonicClock; time.Since reads Go's monotonic
// clock, so the result is unaffected by wall-clock adjustments.
var monotonicEpoch = time.Now()

// MonotonicClock is the default Clock: nanoseconds elapsed on the monotonic
// clock since package initialization, the clock source spec.md §4.D requires.
func MonotonicClock() int64 {
	return int64(time.Since(monotonicEpoch))
}

// ProbeStatus mirrors spec.md §6's ProbeResponse status.
type ProbeStatus int

const (
	ProbeOK ProbeStatus = iota
	ProbeBootstrapping
)

// maxBootstrapHeartbeats bounds how long a permanently-joining peer can
// keep the detector healthy by replying BOOTSTRAPPING forever (spec.md
// §4.E step 3, default 30 per spec.md §6).
const maxBootstrapHeartbeats = 30

// Prober sends a best-effort probe to the monitored subject (spec.md §4.E
// step 3). The edge FD runner only needs this much of the messaging
// collaborator named in spec.md §1.
type Prober interface {
	Probe(ctx context.Context) (ProbeStatus, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (ProbeStatus, error)

func (f ProberFunc) Probe(ctx context.Context) (ProbeStatus, error) { return f(ctx) }

// RunnerConfig collects the tunables of spec.md §4.E/§6.
type RunnerConfig struct {
	Interval                 time.Duration
	ExpectFirstHeartbeatAfter time.Duration
}

// Runner is the per-subject edge FD runner of spec.md §4.E: a cooperative
// task ticking every Interval, exclusively owning its Detector, generalized
// via internal/services the way the teacher generalizes Ring's own loop.
type Runner struct {
	cfg      RunnerConfig
	detector *Detector
	prober   Prober
	onFail   func()
	clock    Clock
	logger   log.Logger

	svc *services.Service

	firstHeartbeatSeen bool
	bootstrapCount     int
	failed             bool
}

// NewRunner constructs a runner for one monitored subject. onFail is
// invoked exactly once, from the runner's own goroutine, when the subject
// is judged unavailable (spec.md §4.E step 2) — callers post it onto the
// state machine's mailbox rather than call back synchronously, keeping
// MembershipView single-writer per spec.md §5.
func NewRunner(cfg RunnerConfig, detector *Detector, prober Prober, clock Clock, onFail func(), logger log.Logger) *Runner {
	r := &Runner{
		cfg:      cfg,
		detector: detector,
		prober:   prober,
		onFail:   onFail,
		clock:    clock,
		logger:   logger,
	}
	r.svc = services.NewBasicService(nil, r.run, nil).WithName("edge-fd-runner")
	return r
}

// Start begins ticking. Cancellation is synchronous: Stop + AwaitTerminated
// guarantees no heartbeat is delivered after the runner has stopped, per
// spec.md §4.E's cancellation requirement.
func (r *Runner) Start(ctx context.Context) {
	r.svc.StartAsync(ctx)
}

// Stop cancels the runner. The state machine calls this synchronously on
// entering ViewChanging (spec.md §4.E "Cancellation").
func (r *Runner) Stop() {
	r.svc.StopAsync()
}

// AwaitTerminated blocks until the runner's goroutine has exited, so a
// caller can be sure no further heartbeats will be delivered.
func (r *Runner) AwaitTerminated(ctx context.Context) error {
	return r.svc.AwaitTerminated(ctx)
}

func (r *Runner) run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	firstTick := true
	var bootstrapTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if bootstrapTimer != nil {
				bootstrapTimer.Stop()
			}
			return nil

		case <-func() <-chan time.Time {
			if bootstrapTimer != nil {
				return bootstrapTimer.C
			}
			return nil
		}():
			// Synthetic heartbeat after expectFirstHeartbeatAfter (step 1):
			// stabilizes the interval distribution so connection-setup
			// latency doesn't pollute the sample.
			r.detector.Heartbeat()
			r.firstHeartbeatSeen = true
			bootstrapTimer = nil

		case <-ticker.C:
			if r.failed {
				continue
			}

			if firstTick {
				firstTick = false
				bootstrapTimer = time.NewTimer(r.cfg.ExpectFirstHeartbeatAfter)
			}

			now := r.clock()
			if !r.detector.IsAvailable(now) && r.firstHeartbeatSeen {
				r.failed = true
				level.Warn(r.logger).Log("msg", "subject judged unavailable", "suspicion", r.detector.Suspicion(now))
				r.onFail()
				continue
			}

			r.probeOnce(ctx)
		}
	}
}

func (r *Runner) probeOnce(ctx context.Context) {
	status, err := r.prober.Probe(ctx)
	if err != nil {
		// Best-effort: a failed probe is absorbed silently, per spec.md §7's
		// TransportError policy for best-effort messages.
		return
	}

	if r.failed {
		// Drop responses received after the runner signaled failure
		// (spec.md §4.E step 4).
		return
	}

	switch status {
	case ProbeOK:
		r.detector.Heartbeat()
		r.firstHeartbeatSeen = true
	case ProbeBootstrapping:
		if r.bootstrapCount < maxBootstrapHeartbeats {
			r.detector.Heartbeat()
			r.firstHeartbeatSeen = true
			r.bootstrapCount++
		}
	}
}
