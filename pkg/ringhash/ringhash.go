// Package ringhash implements the stable, per-seed hash ordering used by
// pkg/membership to place endpoints on the K rings (spec.md §4.A).
package ringhash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Endpoint is the (host, port) pair hashed for ring placement. It mirrors
// pkg/membership.Endpoint's layout but ringhash stays dependency-free of the
// membership package, so pkg/membership can import it (for ring ordering and
// its configuration-id hash) without an import cycle.
type Endpoint struct {
	Hostname []byte
	Port     int32
}

// Hash returns the 64-bit, per-seed hash of e. It must be deterministic
// across nodes and stable for the lifetime of the protocol: both the
// hostname bytes and the port are folded into the digest alongside seed, so
// that varying seed alone (for k = 0..K-1) produces K effectively
// independent orderings with no observer clustering.
func Hash(e Endpoint, seed uint32) uint64 {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], seed)
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.Port))
	// mix the seed into the port word too, so a seed collision on the
	// hostname-only digest can't degrade to identical port ordering.
	binary.BigEndian.PutUint32(buf[8:12], seed^uint32(e.Port))

	d := xxhash.New()
	_, _ = d.Write(e.Hostname)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// H64 is the fixed, unseeded 64-bit hash spec.md §6 uses for configuration
// id computation: H64(nodeId.high), H64(nodeId.low), H64(hostname),
// H64(port). It must produce byte-identical output across nodes for
// identical input, which xxhash (a pure function of its input bytes)
// guarantees.
func H64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// H64Uint64 hashes the big-endian encoding of v, used for NodeId halves in
// the configuration hash.
func H64Uint64(v uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return H64(buf[:])
}

// H64Int32 hashes the big-endian encoding of v, used for ports.
func H64Int32(v int32) uint64 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return H64(buf[:])
}
