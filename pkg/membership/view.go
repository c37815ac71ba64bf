package membership

import (
	"sync"

	"github.com/rapid-cluster/rapid/pkg/ringhash"
)

// DefaultK is the protocol constant K = 10 from spec.md §3.
const DefaultK = 10

// View is the K-ring MembershipView of spec.md §3/§4.B. It is owned
// exclusively by the RapidStateMachine (spec.md §5): no external mutation
// is permitted, matching the teacher's RWMutex-guarded Ring struct.
type View struct {
	mtx sync.RWMutex

	k int

	rings [][]Endpoint // rings[k] sorted by ringhash.Hash(endpoint, seed=k)

	seen           map[NodeId]struct{}
	endpointToNode map[Endpoint]NodeId
	nodeToEndpoint map[NodeId]Endpoint

	observerCache map[Endpoint][]Endpoint

	configDirty bool
	config      Configuration
}

// NewView creates an empty view with k rings (spec.md §3 default K=10).
func NewView(k int) *View {
	if k <= 0 {
		k = DefaultK
	}
	v := &View{
		k:              k,
		rings:          make([][]Endpoint, k),
		seen:           make(map[NodeId]struct{}),
		endpointToNode: make(map[Endpoint]NodeId),
		nodeToEndpoint: make(map[NodeId]Endpoint),
		observerCache:  make(map[Endpoint][]Endpoint),
		configDirty:    true,
	}
	return v
}

func (v *View) K() int { return v.k }

// IsSafeToJoin implements spec.md §4.B: pure, O(1) expected.
func (v *View) IsSafeToJoin(endpoint Endpoint, nodeId NodeId) JoinStatusCode {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	return v.isSafeToJoinLocked(endpoint, nodeId)
}

func (v *View) isSafeToJoinLocked(endpoint Endpoint, nodeId NodeId) JoinStatusCode {
	existingNode, hasEndpoint := v.endpointToNode[endpoint]
	_, hasNodeId := v.seen[nodeId]

	switch {
	case hasEndpoint && existingNode == nodeId:
		return SameNodeAlreadyInRing
	case hasEndpoint:
		return HostnameAlreadyInRing
	case hasNodeId:
		return UuidAlreadyInRing
	default:
		return SafeToJoin
	}
}

// RingAdd implements spec.md §4.B: fails with ErrUuidAlreadySeen if id
// present, ErrNodeAlreadyInRing if endpoint present; otherwise inserts in
// all K rings, re-sorts each by its seed, invalidates the observer cache,
// and inserts the id.
func (v *View) RingAdd(endpoint Endpoint, nodeId NodeId) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if _, ok := v.seen[nodeId]; ok {
		return ErrUuidAlreadySeen
	}
	if _, ok := v.endpointToNode[endpoint]; ok {
		return ErrNodeAlreadyInRing
	}

	for k := 0; k < v.k; k++ {
		v.rings[k] = append(v.rings[k], endpoint)
		ringhash.Sort(v.rings[k], uint32(k), Endpoint.hashKey)
	}

	v.seen[nodeId] = struct{}{}
	v.endpointToNode[endpoint] = nodeId
	v.nodeToEndpoint[nodeId] = endpoint

	// Conservative: a single insertion can change the successor of any
	// endpoint whose position shifted, so the whole cache is invalidated
	// rather than tracked precisely; observersOf recomputes lazily.
	v.observerCache = make(map[Endpoint][]Endpoint)
	v.configDirty = true
	return nil
}

// RingDelete implements spec.md §4.B: fails with ErrNodeNotInRing; removes
// from all K rings, invalidates the observer cache for affected subjects,
// and drops the node id from the seen set (the "explicit delete" that the
// seen set is allowed to shrink by, per spec.md §3).
func (v *View) RingDelete(endpoint Endpoint) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	nodeId, ok := v.endpointToNode[endpoint]
	if !ok {
		return ErrNodeNotInRing
	}

	for k := 0; k < v.k; k++ {
		v.rings[k] = removeEndpoint(v.rings[k], endpoint)
	}

	delete(v.endpointToNode, endpoint)
	delete(v.nodeToEndpoint, nodeId)
	delete(v.seen, nodeId)

	v.observerCache = make(map[Endpoint][]Endpoint)
	v.configDirty = true
	return nil
}

func removeEndpoint(ring []Endpoint, endpoint Endpoint) []Endpoint {
	out := ring[:0]
	for _, e := range ring {
		if e != endpoint {
			out = append(out, e)
		}
	}
	return out
}

// ObserversOf implements spec.md §4.B: for an endpoint already in the ring,
// returns the K-length sequence whose k-th element is the ring-successor of
// endpoint in ring[k], wrapping at the end. Returns empty if |ring| <= 1.
func (v *View) ObserversOf(endpoint Endpoint) []Endpoint {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if cached, ok := v.observerCache[endpoint]; ok {
		return cached
	}

	if v.size() <= 1 {
		return nil
	}

	observers := make([]Endpoint, 0, v.k)
	for k := 0; k < v.k; k++ {
		ring := v.rings[k]
		idx := indexOf(ring, endpoint)
		if idx < 0 {
			return nil
		}
		successor := ring[(idx+1)%len(ring)]
		observers = append(observers, successor)
	}

	v.observerCache[endpoint] = observers
	return observers
}

// ExpectedObserversOf implements spec.md §4.B: same computation but for an
// endpoint not yet in the ring, using the position it would occupy
// ("ringLower"). Returns empty if rings are empty.
func (v *View) ExpectedObserversOf(endpoint Endpoint) []Endpoint {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if v.size() == 0 {
		return nil
	}

	observers := make([]Endpoint, 0, v.k)
	for k := 0; k < v.k; k++ {
		ring := v.rings[k]
		if len(ring) == 0 {
			return nil
		}
		target := ringhash.Hash(endpoint.hashKey(), uint32(k))
		hashes := make([]uint64, len(ring))
		for i, e := range ring {
			hashes[i] = ringhash.Hash(e.hashKey(), uint32(k))
		}
		pos := ringhash.Search(hashes, target)
		successor := ring[pos%len(ring)]
		observers = append(observers, successor)
	}
	return observers
}

// SubjectsOf implements spec.md §4.B: endpoints whose observer-list
// contains endpoint; returns the K predecessors on each ring.
func (v *View) SubjectsOf(endpoint Endpoint) []Endpoint {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if v.size() <= 1 {
		return nil
	}

	subjects := make([]Endpoint, 0, v.k)
	for k := 0; k < v.k; k++ {
		ring := v.rings[k]
		idx := indexOf(ring, endpoint)
		if idx < 0 {
			return nil
		}
		predecessor := ring[(idx-1+len(ring))%len(ring)]
		subjects = append(subjects, predecessor)
	}
	return subjects
}

// RingNumbers implements spec.md §4.B: the sorted list of k such that
// ObserversOf(subject)[k] == observer.
func (v *View) RingNumbers(observer, subject Endpoint) []int {
	observers := v.ObserversOf(subject)
	var rings []int
	for k, o := range observers {
		if o == observer {
			rings = append(rings, k)
		}
	}
	return rings
}

// HasEndpoint reports whether endpoint is currently in the ring.
func (v *View) HasEndpoint(endpoint Endpoint) bool {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	_, ok := v.endpointToNode[endpoint]
	return ok
}

// NodeIdOf returns the NodeId registered for endpoint, if present.
func (v *View) NodeIdOf(endpoint Endpoint) (NodeId, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	id, ok := v.endpointToNode[endpoint]
	return id, ok
}

// Size returns the number of endpoints currently in the ring.
func (v *View) Size() int {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	return v.size()
}

func (v *View) size() int {
	if v.k == 0 {
		return 0
	}
	return len(v.rings[0])
}

// Endpoints returns ring[0] in its current order (a copy).
func (v *View) Endpoints() []Endpoint {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	out := make([]Endpoint, len(v.rings[0]))
	copy(out, v.rings[0])
	return out
}

func indexOf(ring []Endpoint, endpoint Endpoint) int {
	for i, e := range ring {
		if e == endpoint {
			return i
		}
	}
	return -1
}

// Configuration implements spec.md §3's Configuration derivation, memoized
// until the next structural change. Configuration id is computed per
// spec.md §6: h=1; for each seen NodeId (order irrelevant, wrapping
// addition is commutative), h += H64(high) + H64(low); for each endpoint
// in ring[0] in ring order, h += H64(hostname) + H64(port). NodeIds is
// returned index-aligned with Endpoints (spec.md §6's JoinResponse carries
// parallel endpoints[]/identifiers[] arrays), even though the hash itself
// sums over the seen set in arbitrary order.
func (v *View) Configuration() Configuration {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if !v.configDirty {
		return v.config
	}

	var h uint64 = 1
	for id := range v.seen {
		h += ringhash.H64Uint64(id.High)
		h += ringhash.H64Uint64(id.Low)
	}

	endpoints := make([]Endpoint, len(v.rings[0]))
	copy(endpoints, v.rings[0])
	nodeIds := make([]NodeId, len(endpoints))
	for i, e := range endpoints {
		h += ringhash.H64([]byte(e.Hostname))
		h += ringhash.H64Int32(e.Port)
		nodeIds[i] = v.endpointToNode[e]
	}

	v.config = Configuration{
		ConfigurationId: h,
		Endpoints:       endpoints,
		NodeIds:         nodeIds,
	}
	v.configDirty = false
	return v.config
}
