package rapid

import (
	"github.com/pkg/errors"

	"github.com/rapid-cluster/rapid/pkg/alertbatch"
	"github.com/rapid-cluster/rapid/pkg/cutdetector"
	"github.com/rapid-cluster/rapid/pkg/failuredetector"
	"github.com/rapid-cluster/rapid/pkg/membership"
	"github.com/rapid-cluster/rapid/pkg/messaging"
	"github.com/rapid-cluster/rapid/pkg/paxos"
)

// This file converts between the wire types of pkg/messaging and the
// internal domain types the StateMachine operates on (spec.md §5's
// transport-agnostic engine). Nothing outside this package and
// pkg/transport should need to know both type families.

func toWireEndpoint(e membership.Endpoint) messaging.Endpoint {
	return messaging.Endpoint{Hostname: e.Hostname, Port: e.Port}
}

func fromWireEndpoint(e messaging.Endpoint) membership.Endpoint {
	return membership.Endpoint{Hostname: e.Hostname, Port: e.Port}
}

func toWireEndpoints(es []membership.Endpoint) []messaging.Endpoint {
	out := make([]messaging.Endpoint, len(es))
	for i, e := range es {
		out[i] = toWireEndpoint(e)
	}
	return out
}

func fromWireEndpoints(es []messaging.Endpoint) []membership.Endpoint {
	out := make([]membership.Endpoint, len(es))
	for i, e := range es {
		out[i] = fromWireEndpoint(e)
	}
	return out
}

func toWireNodeId(n membership.NodeId) messaging.NodeId {
	return messaging.NodeId{High: int64(n.High), Low: int64(n.Low)}
}

func fromWireNodeId(n messaging.NodeId) membership.NodeId {
	return membership.NodeId{High: uint64(n.High), Low: uint64(n.Low)}
}

func toWireNodeIds(ns []membership.NodeId) []messaging.NodeId {
	out := make([]messaging.NodeId, len(ns))
	for i, n := range ns {
		out[i] = toWireNodeId(n)
	}
	return out
}

func toWireMetadata(md membership.Metadata) ([]string, [][]byte) {
	keys := make([]string, 0, len(md))
	values := make([][]byte, 0, len(md))
	for k, v := range md {
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values
}

func fromWireMetadata(keys []string, values [][]byte) membership.Metadata {
	if len(keys) == 0 {
		return nil
	}
	md := make(membership.Metadata, len(keys))
	for i, k := range keys {
		if i < len(values) {
			md[k] = values[i]
		}
	}
	return md
}

func toWireRank(r paxos.Rank) messaging.Rank {
	return messaging.Rank{Round: r.Round, NodeIndex: int64(r.NodeIndex)}
}

func fromWireRank(r messaging.Rank) paxos.Rank {
	return paxos.Rank{Round: r.Round, NodeIndex: uint64(r.NodeIndex)}
}

func toWireRingNumbers(rs []int) []int32 {
	out := make([]int32, len(rs))
	for i, r := range rs {
		out[i] = int32(r)
	}
	return out
}

func fromWireRingNumbers(rs []int32) []int {
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = int(r)
	}
	return out
}

func toWireAlert(qa alertbatch.QueuedAlert, configurationId uint64) messaging.AlertMessage {
	am := messaging.AlertMessage{
		EdgeSrc:         toWireEndpoint(qa.Src),
		EdgeDst:         toWireEndpoint(qa.Dst),
		EdgeStatus:      messaging.EdgeStatus(qa.Status),
		ConfigurationId: configurationId,
		RingNumbers:     toWireRingNumbers(qa.RingNumbers),
	}
	if qa.NodeId != nil {
		id := toWireNodeId(*qa.NodeId)
		am.NodeId = &id
	}
	if qa.Metadata != nil {
		am.MetadataKeys, am.MetadataValues = toWireMetadata(qa.Metadata)
	}
	return am
}

func fromWireAlert(am messaging.AlertMessage) alertbatch.QueuedAlert {
	qa := alertbatch.QueuedAlert{
		Alert: cutdetector.Alert{
			Src:         fromWireEndpoint(am.EdgeSrc),
			Dst:         fromWireEndpoint(am.EdgeDst),
			Status:      cutdetector.EdgeStatus(am.EdgeStatus),
			RingNumbers: fromWireRingNumbers(am.RingNumbers),
		},
	}
	if am.NodeId != nil {
		id := fromWireNodeId(*am.NodeId)
		qa.NodeId = &id
	}
	if len(am.MetadataKeys) > 0 {
		qa.Metadata = fromWireMetadata(am.MetadataKeys, am.MetadataValues)
	}
	return qa
}

func toWireBatchedAlert(ba alertbatch.BatchedAlert) messaging.BatchedAlertMessage {
	alerts := make([]messaging.AlertMessage, len(ba.Alerts))
	for i, qa := range ba.Alerts {
		alerts[i] = toWireAlert(qa, ba.ConfigurationId)
	}
	return messaging.BatchedAlertMessage{Sender: toWireEndpoint(ba.Sender), Alerts: alerts}
}

// fromWireBatchedAlert returns the converted alerts and the configurationId
// they were stamped with (taken from the first alert: a batch is always
// homogeneous in practice since it was built from one flush of one sender's
// queue, all filtered against the same configuration before being queued).
func fromWireBatchedAlert(bm messaging.BatchedAlertMessage) ([]alertbatch.QueuedAlert, uint64) {
	alerts := make([]alertbatch.QueuedAlert, len(bm.Alerts))
	var configurationId uint64
	for i, am := range bm.Alerts {
		alerts[i] = fromWireAlert(am)
		if i == 0 {
			configurationId = am.ConfigurationId
		}
	}
	return alerts, configurationId
}

func toWireProbeStatus(s failuredetector.ProbeStatus) messaging.ProbeStatus {
	return messaging.ProbeStatus(s)
}

func toWireJoinStatus(s membership.JoinStatusCode) messaging.JoinStatusCode {
	return messaging.JoinStatusCode(s)
}

func fromWireJoinStatus(s messaging.JoinStatusCode) membership.JoinStatusCode {
	return membership.JoinStatusCode(s)
}

// toWireRequest converts the internal domain message types produced by
// pkg/paxos and pkg/alertbatch (the values the Broadcaster fans out) into
// their spec.md §6 wire form. This is the one spot that needs to know
// about every concrete broadcastable type, mirroring the teacher's single
// conversion boundary between in-process types and wire types.
func toWireRequest(request interface{}) (messaging.RapidRequest, error) {
	switch msg := request.(type) {
	case alertbatch.BatchedAlert:
		return toWireBatchedAlert(msg), nil
	case paxos.FastRoundVote:
		return messaging.FastRoundPhase2bMessage{
			Sender:          toWireEndpoint(msg.Sender),
			ConfigurationId: msg.ConfigurationId,
			Endpoints:       toWireEndpoints(msg.Endpoints),
		}, nil
	case paxos.Phase1a:
		return messaging.Phase1aMessage{Sender: toWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: toWireRank(msg.Rank)}, nil
	case paxos.Phase1b:
		return messaging.Phase1bMessage{Sender: toWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: toWireRank(msg.Rank), Vrnd: toWireRank(msg.Vrnd), Vval: toWireEndpoints(msg.Vval)}, nil
	case paxos.Phase2a:
		return messaging.Phase2aMessage{Sender: toWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: toWireRank(msg.Rank), Vval: toWireEndpoints(msg.Vval)}, nil
	case paxos.Phase2b:
		return messaging.Phase2bMessage{Sender: toWireEndpoint(msg.Sender), ConfigurationId: msg.ConfigurationId, Rank: toWireRank(msg.Rank), Vval: toWireEndpoints(msg.Vval)}, nil
	default:
		return nil, errors.Errorf("rapid: unsupported broadcast message type %T", request)
	}
}
