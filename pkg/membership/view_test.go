package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ep(host string, port int32) Endpoint {
	return Endpoint{Hostname: host, Port: port}
}

func TestObserverSubjectDuality(t *testing.T) {
	v := NewView(10)
	var endpoints []Endpoint
	for i := 0; i < 20; i++ {
		e := ep("host", int32(1000+i))
		require.NoError(t, v.RingAdd(e, NewNodeId()))
		endpoints = append(endpoints, e)
	}

	for _, a := range endpoints {
		for _, b := range endpoints {
			if a == b {
				continue
			}
			observersOfB := v.ObserversOf(b)
			isObserver := contains(observersOfB, a)

			subjectsOfA := v.SubjectsOf(a)
			isSubject := contains(subjectsOfA, b)

			require.Equalf(t, isObserver, isSubject, "a=%v b=%v", a, b)
		}
	}
}

func contains(es []Endpoint, target Endpoint) bool {
	for _, e := range es {
		if e == target {
			return true
		}
	}
	return false
}

func TestConfigurationStability(t *testing.T) {
	ids := make([]NodeId, 5)
	for i := range ids {
		ids[i] = NewNodeId()
	}
	endpoints := []Endpoint{ep("a", 1), ep("b", 2), ep("c", 3), ep("d", 4), ep("e", 5)}

	build := func(order []int) uint64 {
		v := NewView(10)
		for _, i := range order {
			require.NoError(t, v.RingAdd(endpoints[i], ids[i]))
		}
		return v.Configuration().ConfigurationId
	}

	id1 := build([]int{0, 1, 2, 3, 4})
	id2 := build([]int{4, 3, 2, 1, 0})
	id3 := build([]int{2, 0, 4, 1, 3})

	require.Equal(t, id1, id2)
	require.Equal(t, id1, id3)
}

func TestRoundTripAddDelete(t *testing.T) {
	v := NewView(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, v.RingAdd(ep("h", int32(i)), NewNodeId()))
	}
	before := v.Configuration().ConfigurationId

	e := ep("h", 99)
	id := NewNodeId()
	require.NoError(t, v.RingAdd(e, id))
	require.NoError(t, v.RingDelete(e))

	after := v.Configuration().ConfigurationId
	require.Equal(t, before, after)
}

func TestIsSafeToJoin(t *testing.T) {
	v := NewView(10)
	e := ep("h", 1)
	id := NewNodeId()
	require.Equal(t, SafeToJoin, v.IsSafeToJoin(e, id))

	require.NoError(t, v.RingAdd(e, id))

	require.Equal(t, SameNodeAlreadyInRing, v.IsSafeToJoin(e, id))
	require.Equal(t, HostnameAlreadyInRing, v.IsSafeToJoin(e, NewNodeId()))
	require.Equal(t, UuidAlreadyInRing, v.IsSafeToJoin(ep("h", 2), id))
}

func TestRingAddRejectsDuplicates(t *testing.T) {
	v := NewView(10)
	e := ep("h", 1)
	id := NewNodeId()
	require.NoError(t, v.RingAdd(e, id))

	require.ErrorIs(t, v.RingAdd(e, NewNodeId()), ErrNodeAlreadyInRing)
	require.ErrorIs(t, v.RingAdd(ep("h", 2), id), ErrUuidAlreadySeen)
}

func TestRingDeleteUnknownEndpoint(t *testing.T) {
	v := NewView(10)
	require.ErrorIs(t, v.RingDelete(ep("h", 1)), ErrNodeNotInRing)
}

func TestObserversEmptyWhenRingTooSmall(t *testing.T) {
	v := NewView(10)
	e := ep("h", 1)
	require.NoError(t, v.RingAdd(e, NewNodeId()))
	require.Empty(t, v.ObserversOf(e))
}

func TestObserversDuplicateAllowedWithTwoNodes(t *testing.T) {
	v := NewView(10)
	a, b := ep("a", 1), ep("b", 2)
	require.NoError(t, v.RingAdd(a, NewNodeId()))
	require.NoError(t, v.RingAdd(b, NewNodeId()))

	observers := v.ObserversOf(a)
	require.Len(t, observers, 10)
	for _, o := range observers {
		require.Equal(t, b, o)
	}
}

func TestRingNumbers(t *testing.T) {
	v := NewView(10)
	var endpoints []Endpoint
	for i := 0; i < 10; i++ {
		e := ep("h", int32(i))
		require.NoError(t, v.RingAdd(e, NewNodeId()))
		endpoints = append(endpoints, e)
	}

	for _, subject := range endpoints {
		observers := v.ObserversOf(subject)
		for _, observer := range endpoints {
			if observer == subject {
				continue
			}
			rings := v.RingNumbers(observer, subject)
			expected := 0
			for _, o := range observers {
				if o == observer {
					expected++
				}
			}
			require.Len(t, rings, expected)
		}
	}
}
