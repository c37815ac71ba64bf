// Package cutdetector implements the MultiNodeCutDetector of spec.md §4.C:
// aggregating per-ring edge-status alerts into a view-change proposal with
// almost-everywhere agreement.
package cutdetector

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

// KMin is the protocol minimum ring count (spec.md §4.C invariant K >= 3).
const KMin = 3

// EdgeStatus is UP or DOWN for an alert (spec.md §3).
type EdgeStatus int

const (
	Up EdgeStatus = iota
	Down
)

// Alert is the subset of spec.md §3's Alert message the cut detector needs:
// the edge, its status, and the rings on which src observes dst.
type Alert struct {
	Src         membership.Endpoint
	Dst         membership.Endpoint
	Status      EdgeStatus
	RingNumbers []int
}

// ErrInvalidParameters is returned by New when K/H/L violate spec.md §4.C's
// invariant: K >= KMin, H <= K, L <= H, L > 0.
var ErrInvalidParameters = errors.New("cutdetector: invalid K/H/L parameters")

// Detector is the per-configuration MultiNodeCutDetector state (spec.md §3).
// It is not safe for concurrent use; it is owned exclusively by the
// RapidStateMachine, like the rest of spec.md §5's owned state.
type Detector struct {
	k, h, l int

	// reports[dst][ring] = src that reported it.
	reports map[membership.Endpoint]map[int]membership.Endpoint

	preProposal map[membership.Endpoint]struct{}
	proposal    map[membership.Endpoint]struct{}

	updatesInProgress int
	seenLinkDown      bool
	proposalCount     int
}

// New validates K/H/L against spec.md §4.C's invariant and constructs an
// empty detector.
func New(k, h, l int) (*Detector, error) {
	if k < KMin || h > k || l > h || l <= 0 {
		return nil, ErrInvalidParameters
	}
	return &Detector{
		k:           k,
		h:           h,
		l:           l,
		reports:     make(map[membership.Endpoint]map[int]membership.Endpoint),
		preProposal: make(map[membership.Endpoint]struct{}),
		proposal:    make(map[membership.Endpoint]struct{}),
	}, nil
}

// ProposalCount returns the number of proposals emitted so far.
func (d *Detector) ProposalCount() int { return d.proposalCount }

// Aggregate runs the per-alert algorithm of spec.md §4.C and returns the
// emitted proposal (sorted by endpoint for a deterministic return value),
// or nil if no proposal was produced by this alert.
func (d *Detector) Aggregate(a Alert) []membership.Endpoint {
	if a.Status == Down {
		d.seenLinkDown = true
	}

	var emitted []membership.Endpoint
	for _, ring := range a.RingNumbers {
		if out := d.aggregateOne(a.Dst, ring, a.Src); out != nil {
			emitted = out
		}
	}
	return emitted
}

func (d *Detector) aggregateOne(dst membership.Endpoint, ring int, src membership.Endpoint) []membership.Endpoint {
	perRing, ok := d.reports[dst]
	if !ok {
		perRing = make(map[int]membership.Endpoint)
		d.reports[dst] = perRing
	}

	// (1) ignore if reports[dst][ring] already present.
	if _, already := perRing[ring]; already {
		return nil
	}

	// (2) record.
	perRing[ring] = src

	count := len(perRing)

	// (3) crossed L.
	if count == d.l {
		d.updatesInProgress++
		d.preProposal[dst] = struct{}{}
	}

	// (4) crossed H.
	if count == d.h {
		delete(d.preProposal, dst)
		d.proposal[dst] = struct{}{}
		d.updatesInProgress--
	}

	// (5) emit when updatesInProgress returns to zero after a crossing.
	if count == d.h && d.updatesInProgress == 0 {
		return d.emit()
	}
	return nil
}

func (d *Detector) emit() []membership.Endpoint {
	out := make([]membership.Endpoint, 0, len(d.proposal))
	for e := range d.proposal {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].Port < out[j].Port
	})

	d.proposal = make(map[membership.Endpoint]struct{})
	d.proposalCount++
	return out
}

// InvalidateFailingEdges implements spec.md §4.C: if any DOWN alert was
// ever seen, for every n in preProposal whose own observers lie in
// proposal∪preProposal, synthesize and aggregate an alert for n (DOWN if n
// is present in the view, else UP). Returns any proposals produced, in the
// order the synthesized alerts were aggregated.
func (d *Detector) InvalidateFailingEdges(view *membership.View) [][]membership.Endpoint {
	if !d.seenLinkDown {
		return nil
	}

	var proposals [][]membership.Endpoint

	// Snapshot preProposal membership before mutating it via aggregation.
	candidates := make([]membership.Endpoint, 0, len(d.preProposal))
	for n := range d.preProposal {
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Hostname != candidates[j].Hostname {
			return candidates[i].Hostname < candidates[j].Hostname
		}
		return candidates[i].Port < candidates[j].Port
	})

	for _, n := range candidates {
		if _, stillPre := d.preProposal[n]; !stillPre {
			continue
		}

		var observers []membership.Endpoint
		if view.HasEndpoint(n) {
			observers = view.ObserversOf(n)
		} else {
			observers = view.ExpectedObserversOf(n)
		}

		// The synthesized alert's status (DOWN if n is still in the view,
		// else UP) only matters to the wire protocol and to the state
		// machine's UP/DOWN filter; the cut detector's own counting logic
		// is status-agnostic, per spec.md §4.C's aggregate algorithm.
		for ring, observer := range observers {
			if !d.inUnstableBand(observer) {
				continue
			}
			if out := d.aggregateOne(n, ring, observer); out != nil {
				proposals = append(proposals, out)
			}
		}
	}
	return proposals
}

func (d *Detector) inUnstableBand(e membership.Endpoint) bool {
	if _, ok := d.proposal[e]; ok {
		return true
	}
	_, ok := d.preProposal[e]
	return ok
}
