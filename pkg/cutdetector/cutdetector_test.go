package cutdetector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

func ep(host string, port int32) membership.Endpoint {
	return membership.Endpoint{Hostname: host, Port: port}
}

func observer(i int) membership.Endpoint {
	return ep("observer", int32(i))
}

func TestInvalidParameters(t *testing.T) {
	_, err := New(2, 2, 1)
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = New(10, 11, 1)
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = New(10, 5, 6)
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = New(10, 5, 0)
	require.ErrorIs(t, err, ErrInvalidParameters)
}

// TestBoundary reproduces S5: K=10, H=8, L=2. H-1 alerts for destination A
// yield no proposal; the H-th alert yields exactly a one-element proposal.
func TestBoundary(t *testing.T) {
	d, err := New(10, 8, 2)
	require.NoError(t, err)

	a := ep("A", 1)
	for i := 0; i < 7; i++ {
		out := d.Aggregate(Alert{Src: observer(i), Dst: a, Status: Up, RingNumbers: []int{i}})
		require.Nil(t, out)
	}

	out := d.Aggregate(Alert{Src: observer(7), Dst: a, Status: Up, RingNumbers: []int{7}})
	require.Equal(t, []membership.Endpoint{a}, out)
	require.Equal(t, 1, d.ProposalCount())
}

// TestTwoDestinationsWithheldUntilBothCrossH: when a second destination B
// sits between L and H, the proposal for A is withheld until B also
// crosses H, at which point a two-element proposal is emitted.
func TestTwoDestinationsWithheldUntilBothCrossH(t *testing.T) {
	d, err := New(10, 8, 2)
	require.NoError(t, err)

	a := ep("A", 1)
	b := ep("B", 2)

	for i := 0; i < 8; i++ {
		out := d.Aggregate(Alert{Src: observer(i), Dst: a, Status: Up, RingNumbers: []int{i}})
		require.Nil(t, out, "A should not emit alone while B is mid-flight")
		if i < 7 {
			out = d.Aggregate(Alert{Src: observer(i), Dst: b, Status: Up, RingNumbers: []int{i}})
			require.Nil(t, out)
		}
	}

	// B's 8th report finally crosses H and releases both A and B together.
	out := d.Aggregate(Alert{Src: observer(7), Dst: b, Status: Up, RingNumbers: []int{7}})
	require.ElementsMatch(t, []membership.Endpoint{a, b}, out)
}

func TestDeterminismUnderReordering(t *testing.T) {
	build := func(order []int) ([]membership.Endpoint, int) {
		d, err := New(10, 8, 2)
		require.NoError(t, err)
		a := ep("A", 1)
		var last []membership.Endpoint
		for _, i := range order {
			if out := d.Aggregate(Alert{Src: observer(i), Dst: a, Status: Up, RingNumbers: []int{i}}); out != nil {
				last = out
			}
		}
		return last, d.ProposalCount()
	}

	order1 := []int{0, 1, 2, 3, 4, 5, 6, 7}
	order2 := []int{7, 3, 5, 1, 6, 2, 0, 4}

	out1, count1 := build(order1)
	out2, count2 := build(order2)

	require.Equal(t, out1, out2)
	require.Equal(t, count1, count2)
}

func TestDuplicateRingReportIgnored(t *testing.T) {
	d, err := New(10, 8, 2)
	require.NoError(t, err)
	a := ep("A", 1)

	for i := 0; i < 7; i++ {
		d.Aggregate(Alert{Src: observer(i), Dst: a, Status: Up, RingNumbers: []int{i}})
	}
	// Re-report ring 0, should not count twice.
	out := d.Aggregate(Alert{Src: observer(99), Dst: a, Status: Up, RingNumbers: []int{0}})
	require.Nil(t, out)

	out = d.Aggregate(Alert{Src: observer(7), Dst: a, Status: Up, RingNumbers: []int{7}})
	require.Equal(t, []membership.Endpoint{a}, out)
}
