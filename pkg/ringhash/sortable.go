package ringhash

import "sort"

// SortableSet orders a slice of items by their Hash() under a fixed seed.
// pkg/membership uses one per ring to keep ring[k] sorted by
// Hash(endpoint, seed=k) without re-implementing sort.Interface per ring.
type SortableSet[T any] struct {
	Items []T
	Seed  uint32
	KeyOf func(T) Endpoint
}

func (s SortableSet[T]) Len() int { return len(s.Items) }

func (s SortableSet[T]) Less(i, j int) bool {
	hi := Hash(s.KeyOf(s.Items[i]), s.Seed)
	hj := Hash(s.KeyOf(s.Items[j]), s.Seed)
	if hi != hj {
		return hi < hj
	}
	// Break ties deterministically so two nodes building the same ring
	// from the same endpoint set always agree on order even on a hash
	// collision (invariant 4 in spec.md §3 requires identical order).
	ei, ej := s.KeyOf(s.Items[i]), s.KeyOf(s.Items[j])
	if string(ei.Hostname) != string(ej.Hostname) {
		return string(ei.Hostname) < string(ej.Hostname)
	}
	return ei.Port < ej.Port
}

func (s SortableSet[T]) Swap(i, j int) {
	s.Items[i], s.Items[j] = s.Items[j], s.Items[i]
}

// Sort sorts items in place by Hash(KeyOf(item), seed), ascending.
func Sort[T any](items []T, seed uint32, keyOf func(T) Endpoint) {
	sort.Sort(SortableSet[T]{Items: items, Seed: seed, KeyOf: keyOf})
}

// Search returns the index of the first item whose hash is >= target,
// using the same convention as the teacher's searchToken in ring.go: a
// sorted-slice binary search used to locate ring successors without a
// linear scan.
func Search(hashes []uint64, target uint64) int {
	return sort.Search(len(hashes), func(i int) bool {
		return hashes[i] >= target
	})
}
