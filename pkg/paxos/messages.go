package paxos

import "github.com/rapid-cluster/rapid/pkg/membership"

// FastRoundVote is spec.md §6's FastRoundPhase2bMessage.
type FastRoundVote struct {
	Sender          membership.Endpoint
	ConfigurationId uint64
	Endpoints       []membership.Endpoint
}

// Phase1a is spec.md §6's Phase1aMessage.
type Phase1a struct {
	Sender          membership.Endpoint
	ConfigurationId uint64
	Rank            Rank
}

// Phase1b is spec.md §6's Phase1bMessage.
type Phase1b struct {
	Sender          membership.Endpoint
	ConfigurationId uint64
	Rank            Rank
	Vrnd            Rank
	Vval            []membership.Endpoint
}

// Phase2a is spec.md §6's Phase2aMessage.
type Phase2a struct {
	Sender          membership.Endpoint
	ConfigurationId uint64
	Rank            Rank
	Vval            []membership.Endpoint
}

// Phase2b is spec.md §6's Phase2bMessage.
type Phase2b struct {
	Sender          membership.Endpoint
	ConfigurationId uint64
	Rank            Rank
	Vval            []membership.Endpoint
}

// Broadcaster is the minimal collaborator paxos needs: fan a message out to
// every current recipient (spec.md §4.H). The concrete pkg/broadcast type
// satisfies this.
type Broadcaster interface {
	Broadcast(msg interface{})
}

func endpointsKey(endpoints []membership.Endpoint) string {
	var b []byte
	for _, e := range endpoints {
		b = append(b, []byte(e.Hostname)...)
		b = append(b, 0)
		b = append(b, byte(e.Port), byte(e.Port>>8), byte(e.Port>>16), byte(e.Port>>24))
		b = append(b, 0)
	}
	return string(b)
}

func sameEndpoints(a, b []membership.Endpoint) bool {
	return endpointsKey(a) == endpointsKey(b)
}
