// Package messaging defines the wire protocol of spec.md §6: the
// RapidRequest/RapidResponse discriminated unions and the abstract
// Client/Server collaborator interfaces. The RPC transport itself is named
// out of scope by spec.md §1; pkg/transport supplies one concrete
// implementation against these interfaces.
package messaging

import (
	"context"
	"fmt"
)

// Endpoint is the wire form of spec.md §6's Endpoint = (hostname, port).
type Endpoint struct {
	Hostname string
	Port     int32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Hostname, e.Port)
}

// NodeId is the wire form of spec.md §6's NodeId = (high, low).
type NodeId struct {
	High int64
	Low  int64
}

// EdgeStatus is UP or DOWN (spec.md §3).
type EdgeStatus int

const (
	Up EdgeStatus = iota
	Down
)

// JoinStatusCode is spec.md §4.B/§6's join status code.
type JoinStatusCode int

const (
	SafeToJoin JoinStatusCode = iota
	HostnameAlreadyInRing
	UuidAlreadyInRing
	SameNodeAlreadyInRing
	ViewChangeInProgress
)

// AlertMessage is spec.md §3/§6's Alert message.
type AlertMessage struct {
	EdgeSrc         Endpoint
	EdgeDst         Endpoint
	EdgeStatus      EdgeStatus
	ConfigurationId uint64
	RingNumbers     []int32
	NodeId          *NodeId
	MetadataKeys    []string
	MetadataValues  [][]byte
}

// BatchedAlertMessage is spec.md §6's BatchedAlertMessage.
type BatchedAlertMessage struct {
	Sender Endpoint
	Alerts []AlertMessage
}

// JoinMessage is spec.md §6's JoinMessage. MetadataKeys/MetadataValues
// carry the joiner's metadata (spec.md §3 "per-endpoint, set at join"):
// the discriminated-union listing in §6 names the message but not its
// fields beyond sender/nodeId, and the join admission flow has nowhere
// else for this to travel.
type JoinMessage struct {
	Sender         Endpoint
	NodeId         NodeId
	MetadataKeys   []string
	MetadataValues [][]byte
}

// LeaveMessage is spec.md §6's LeaveMessage.
type LeaveMessage struct {
	Sender Endpoint
}

// ProbeMessage is spec.md §6's ProbeMessage.
type ProbeMessage struct {
	Sender Endpoint
}

// Rank is the wire form of pkg/paxos.Rank.
type Rank struct {
	Round     int64
	NodeIndex int64
}

// FastRoundPhase2bMessage is spec.md §6's FastRoundPhase2bMessage.
type FastRoundPhase2bMessage struct {
	Sender          Endpoint
	ConfigurationId uint64
	Endpoints       []Endpoint
}

// Phase1aMessage is spec.md §6's Phase1aMessage.
type Phase1aMessage struct {
	Sender          Endpoint
	ConfigurationId uint64
	Rank            Rank
}

// Phase1bMessage is spec.md §6's Phase1bMessage.
type Phase1bMessage struct {
	Sender          Endpoint
	ConfigurationId uint64
	Rank            Rank
	Vrnd            Rank
	Vval            []Endpoint
}

// Phase2aMessage is spec.md §6's Phase2aMessage.
type Phase2aMessage struct {
	Sender          Endpoint
	ConfigurationId uint64
	Rank            Rank
	Vval            []Endpoint
}

// Phase2bMessage is spec.md §6's Phase2bMessage.
type Phase2bMessage struct {
	Sender          Endpoint
	ConfigurationId uint64
	Rank            Rank
	Vval            []Endpoint
}

// RapidRequest is spec.md §6's discriminated union of request variants. It
// is implemented as a Go interface with an unexported marker method, the
// idiomatic closed-sum-type shape, rather than a tagged struct.
type RapidRequest interface {
	isRapidRequest()
}

func (JoinMessage) isRapidRequest()             {}
func (BatchedAlertMessage) isRapidRequest()      {}
func (ProbeMessage) isRapidRequest()             {}
func (FastRoundPhase2bMessage) isRapidRequest()  {}
func (Phase1aMessage) isRapidRequest()           {}
func (Phase1bMessage) isRapidRequest()           {}
func (Phase2aMessage) isRapidRequest()           {}
func (Phase2bMessage) isRapidRequest()           {}
func (LeaveMessage) isRapidRequest()             {}

// ProbeStatus is spec.md §6's ProbeResponse status.
type ProbeStatus int

const (
	ProbeOK ProbeStatus = iota
	ProbeBootstrapping
)

// EndpointMetadata is one endpoint's metadata map, flattened to parallel
// key/value slices for the wire, exactly as AlertMessage already does.
type EndpointMetadata struct {
	Keys   []string
	Values [][]byte
}

// JoinResponse is spec.md §6's JoinResponse. Metadata is parallel to
// Endpoints/Identifiers: the joiner needs every member's metadata, not
// just its own, to seed its local view per spec.md §4.J's "providing it
// with the full new membership and metadata".
type JoinResponse struct {
	Sender          Endpoint
	StatusCode      JoinStatusCode
	ConfigurationId uint64
	Endpoints       []Endpoint
	Identifiers     []NodeId
	Metadata        []EndpointMetadata
}

// Response is spec.md §6's empty Response.
type Response struct{}

// ConsensusResponse is spec.md §6's empty ConsensusResponse.
type ConsensusResponse struct{}

// ProbeResponse is spec.md §6's ProbeResponse.
type ProbeResponse struct {
	Status ProbeStatus
}

// RapidResponse is spec.md §6's discriminated union of response variants.
type RapidResponse interface {
	isRapidResponse()
}

func (JoinResponse) isRapidResponse()        {}
func (Response) isRapidResponse()            {}
func (ConsensusResponse) isRapidResponse()   {}
func (ProbeResponse) isRapidResponse()       {}

// Client is the abstract transport collaborator of spec.md §1/§6: a single
// RPC endpoint, sendRequest(RapidRequest) -> RapidResponse.
type Client interface {
	SendRequest(ctx context.Context, to Endpoint, request RapidRequest) (RapidResponse, error)
}

// Server is the abstract inbound side of the same RPC: a handler the
// transport invokes for each received RapidRequest.
type Server interface {
	HandleRequest(ctx context.Context, from Endpoint, request RapidRequest) (RapidResponse, error)
}
