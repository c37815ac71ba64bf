// Package paxos implements FastPaxos (spec.md §4.F) and classic Paxos
// (spec.md §4.G), including the Fast-Paxos coordinator selection rule.
package paxos

// Rank is the lexicographic (round, nodeIndex) pair totally ordering
// Paxos rounds (spec.md §4.G). Per the REDESIGN FLAG in spec.md §9,
// nodeIndex is a full uint64 (not truncated to int32) and comparison is
// always strictly lexicographic, never round-only.
type Rank struct {
	Round     int64
	NodeIndex uint64
}

// FastRoundRank is round=1, nodeIndex=1, the initial single-phase round.
var FastRoundRank = Rank{Round: 1, NodeIndex: 1}

// FirstClassicRound is the first classic round, starting at round=2 per
// spec.md §4.G.
const FirstClassicRound int64 = 2

// Compare returns -1, 0, 1 comparing r to other, lexicographically by round
// then by node index.
func (r Rank) Compare(other Rank) int {
	if r.Round != other.Round {
		if r.Round < other.Round {
			return -1
		}
		return 1
	}
	if r.NodeIndex != other.NodeIndex {
		if r.NodeIndex < other.NodeIndex {
			return -1
		}
		return 1
	}
	return 0
}

func (r Rank) Less(other Rank) bool    { return r.Compare(other) < 0 }
func (r Rank) Equal(other Rank) bool   { return r.Compare(other) == 0 }
func (r Rank) AtLeast(other Rank) bool { return r.Compare(other) >= 0 }

// zeroRank is the rank used to represent "no rank yet" (rnd/crnd/vrnd
// before any message has been seen); it compares less than any round >= 1.
var zeroRank = Rank{Round: 0, NodeIndex: 0}

// NodeIndex masks a raw RingHash(self, seed=0) value to 63 bits so it stays
// representable as a positive int64 on the wire (spec.md §9's "prefer a
// 63-bit positive value"), rather than truncating to int32 as the original
// source did.
func NodeIndex(rawHash uint64) uint64 {
	return rawHash & 0x7fffffffffffffff
}
