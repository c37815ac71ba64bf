package statemachine

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config collects spec.md §6's tuning parameters, following the teacher's
// RegisterFlags/RegisterFlagsWithPrefix idiom (ring.Config).
type Config struct {
	K int `yaml:"k"`
	H int `yaml:"h"`
	L int `yaml:"l"`

	FailureDetectorInterval   time.Duration `yaml:"failure_detector_interval"`
	ExpectFirstHeartbeatAfter time.Duration `yaml:"expect_first_heartbeat_after"`
	BatchingWindow            time.Duration `yaml:"batching_window"`
	PaxosFallbackBase         time.Duration `yaml:"paxos_fallback_base"`

	FailureDetectorThreshold      float64 `yaml:"failure_detector_threshold"`
	FailureDetectorMaxSampleSize  int     `yaml:"failure_detector_max_sample_size"`
	FailureDetectorScalingFactor  float64 `yaml:"failure_detector_scaling_factor"`

	JoinAttempts int           `yaml:"join_attempts"`
	JoinDelay    time.Duration `yaml:"join_delay"`
}

// RegisterFlags adds the flags required to configure this, mirroring
// ring.Config.RegisterFlags in the teacher.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix mirrors ring.Config.RegisterFlagsWithPrefix,
// defaulting every tunable to spec.md §6's stated defaults.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.K, prefix+"rapid.k", 10, "Number of monitoring rings.")
	f.IntVar(&cfg.H, prefix+"rapid.h", 9, "High watermark for the cut detector.")
	f.IntVar(&cfg.L, prefix+"rapid.l", 4, "Low watermark for the cut detector.")

	f.DurationVar(&cfg.FailureDetectorInterval, prefix+"rapid.failure-detector-interval", 2*time.Second, "Interval between failure detector probes.")
	f.DurationVar(&cfg.ExpectFirstHeartbeatAfter, prefix+"rapid.expect-first-heartbeat-after", 1500*time.Millisecond, "Grace period before the first heartbeat is expected from a newly monitored subject.")
	f.DurationVar(&cfg.BatchingWindow, prefix+"rapid.batching-window", 200*time.Millisecond, "Alert batching window.")
	f.DurationVar(&cfg.PaxosFallbackBase, prefix+"rapid.paxos-fallback-base", 10*time.Second, "Base delay before falling back from fast paxos to classic paxos.")

	f.Float64Var(&cfg.FailureDetectorThreshold, prefix+"rapid.fd-threshold", 0.2, "Accrual failure detector suspicion threshold.")
	f.IntVar(&cfg.FailureDetectorMaxSampleSize, prefix+"rapid.fd-max-sample-size", 1000, "Accrual failure detector max sample size.")
	f.Float64Var(&cfg.FailureDetectorScalingFactor, prefix+"rapid.fd-scaling-factor", 0.9, "Accrual failure detector scaling factor.")

	f.IntVar(&cfg.JoinAttempts, prefix+"rapid.join-attempts", 10, "Number of join attempts before giving up.")
	f.DurationVar(&cfg.JoinDelay, prefix+"rapid.join-delay", 5*time.Second, "Delay between join attempts.")
}

// Validate surfaces a ValidityError (spec.md §7) for precondition
// violations, mirroring ring.NewWithStoreClientAndStrategy's
// ReplicationFactor check.
func (cfg *Config) Validate() error {
	if cfg.K < 3 {
		return errors.New("statemachine: K must be >= 3")
	}
	if cfg.H > cfg.K {
		return errors.New("statemachine: H must be <= K")
	}
	if cfg.L <= 0 || cfg.L > cfg.H {
		return errors.New("statemachine: L must satisfy 0 < L <= H")
	}
	if cfg.FailureDetectorThreshold <= 0 {
		return errors.New("statemachine: failure detector threshold must be > 0")
	}
	if cfg.FailureDetectorMaxSampleSize <= 0 {
		return errors.New("statemachine: failure detector max sample size must be > 0")
	}
	if cfg.FailureDetectorScalingFactor <= 0 {
		return errors.New("statemachine: failure detector scaling factor must be > 0")
	}
	return nil
}
