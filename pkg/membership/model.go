// Package membership implements the K-ring MembershipView (spec.md §4.B)
// and the data model of spec.md §3: Endpoint, NodeId, Metadata, and the
// derived Configuration.
package membership

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rapid-cluster/rapid/pkg/ringhash"
)

// Endpoint is a value type: (host, port), used as a map key. Equality is
// bitwise per spec.md §3.
type Endpoint struct {
	Hostname string
	Port     int32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Hostname, e.Port)
}

func (e Endpoint) hashKey() ringhash.Endpoint {
	return ringhash.Endpoint{Hostname: []byte(e.Hostname), Port: e.Port}
}

// RingHashKey exposes hashKey to other packages (pkg/statemachine needs it
// to sort proposals and to derive a Paxos node index the same way
// pkg/membership orders ring[0]).
func (e Endpoint) RingHashKey() ringhash.Endpoint {
	return e.hashKey()
}

// NodeId is a 128-bit unique identifier per physical node, derived from a
// fresh UUID at startup (spec.md §3). Used to reject duplicate joiners.
type NodeId struct {
	High uint64
	Low  uint64
}

// NewNodeId derives a fresh NodeId from a random UUID, as spec.md §3
// requires ("derived from a fresh UUID at startup").
func NewNodeId() NodeId {
	id := uuid.New()
	b := id[:]
	return NodeId{
		High: beUint64(b[0:8]),
		Low:  beUint64(b[8:16]),
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (n NodeId) String() string {
	return fmt.Sprintf("%016x%016x", n.High, n.Low)
}

// Metadata is a mapping from text key to opaque byte value, set at join
// and stored per endpoint (spec.md §3).
type Metadata map[string][]byte

// Clone returns a deep copy so callers can't mutate state owned elsewhere.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Configuration is a named snapshot of the membership (spec.md §3):
// (configurationId, endpoints = ring[0] ordered, nodeIds).
type Configuration struct {
	ConfigurationId uint64
	Endpoints       []Endpoint
	NodeIds         []NodeId
}
