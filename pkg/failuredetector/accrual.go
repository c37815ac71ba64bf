// Package failuredetector implements the AdaptiveAccrualFailureDetector of
// spec.md §4.D and the per-edge runner of spec.md §4.E.
package failuredetector

import "github.com/pkg/errors"

// ErrInvalidParameters is returned when theta/maxSampleSize/alpha violate
// spec.md §4.D's "theta > 0, N_max > 0, alpha > 0" preconditions.
var ErrInvalidParameters = errors.New("failuredetector: invalid parameters")

// Clock returns the current time as nanoseconds since some fixed epoch, the
// monotonic clock spec.md §4.D requires.
type Clock func() int64

// Detector is the per-subject AdaptiveAccrualFailureDetector state (spec.md
// §3/§4.D). It is not thread-safe; each instance is owned by exactly one
// edge FD runner (spec.md §4.D "the detector is not thread-safe").
type Detector struct {
	theta        float64
	maxSampleSize int
	alpha        float64
	clock        Clock

	intervals []int64 // ring buffer of inter-arrival intervals, len <= maxSampleSize
	next      int
	full      bool

	freshness    int64
	hasFreshness bool
}

// New validates parameters and constructs a Detector with an empty history.
func New(theta float64, maxSampleSize int, alpha float64, clock Clock) (*Detector, error) {
	if theta <= 0 || maxSampleSize <= 0 || alpha <= 0 {
		return nil, ErrInvalidParameters
	}
	return &Detector{
		theta:         theta,
		maxSampleSize: maxSampleSize,
		alpha:         alpha,
		clock:         clock,
		intervals:     make([]int64, 0, maxSampleSize),
	}, nil
}

// Heartbeat implements spec.md §4.D: read t = clock(); if freshness point
// absent, bootstrap (no interval recorded); else compute delta = t -
// freshness, append (dropping oldest if full), set freshness = t.
func (d *Detector) Heartbeat() {
	t := d.clock()

	if !d.hasFreshness {
		d.freshness = t
		d.hasFreshness = true
		return
	}

	delta := t - d.freshness
	d.freshness = t

	if len(d.intervals) < d.maxSampleSize {
		d.intervals = append(d.intervals, delta)
	} else {
		d.intervals[d.next] = delta
		d.next = (d.next + 1) % d.maxSampleSize
	}
}

// Suspicion implements spec.md §4.D: 0 if freshness absent or intervals
// empty; otherwise |{i in S : i <= alpha*(t-freshness)}| / |S|.
func (d *Detector) Suspicion(t int64) float64 {
	if !d.hasFreshness || len(d.intervals) == 0 {
		return 0
	}

	threshold := d.alpha * float64(t-d.freshness)
	count := 0
	for _, i := range d.intervals {
		if float64(i) <= threshold {
			count++
		}
	}
	return float64(count) / float64(len(d.intervals))
}

// IsAvailable implements spec.md §4.D: suspicion(t) < theta.
func (d *Detector) IsAvailable(t int64) bool {
	return d.Suspicion(t) < d.theta
}
