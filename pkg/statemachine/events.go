package statemachine

import "github.com/rapid-cluster/rapid/pkg/membership"

// EventKind discriminates ClusterEvent variants (spec.md §6's glossary:
// ViewChangeProposal, ViewChange, Kicked).
type EventKind int

const (
	EventViewChangeProposal EventKind = iota
	EventViewChange
	EventKicked
)

// ClusterEvent is the closed set of events a subscriber can receive.
// Implemented as an interface with an unexported marker method rather than
// a tagged struct, per SPEC_FULL.md's supplemented subscription model.
type ClusterEvent interface {
	Kind() EventKind
	isClusterEvent()
}

// ViewChangeProposal fires when this node's own cut detector yields a
// proposal and the node enters ViewChanging, before consensus has decided.
// Proposals voted by other nodes do not fire it.
type ViewChangeProposal struct {
	Endpoints []membership.Endpoint
}

func (ViewChangeProposal) Kind() EventKind { return EventViewChangeProposal }
func (ViewChangeProposal) isClusterEvent() {}

// StatusChange is one endpoint's UP/DOWN transition applied by a view
// change.
type StatusChange struct {
	Endpoint membership.Endpoint
	Status   ChangeStatus
	NodeId   membership.NodeId
	Metadata membership.Metadata
}

// ChangeStatus is UP (joined) or DOWN (left/failed).
type ChangeStatus int

const (
	Joined ChangeStatus = iota
	Left
)

// ViewChange fires once a configuration change is committed.
type ViewChange struct {
	ConfigurationId uint64
	StatusChanges   []StatusChange
}

func (ViewChange) Kind() EventKind { return EventViewChange }
func (ViewChange) isClusterEvent() {}

// Kicked fires when this node's own endpoint is observed DOWN in a
// committed view (spec.md §7 "user-visible failure behavior").
type Kicked struct {
	LastConfigurationId uint64
}

func (Kicked) Kind() EventKind { return EventKicked }
func (Kicked) isClusterEvent() {}

// Subscriber receives ClusterEvents of a single kind.
type Subscriber func(ClusterEvent)
