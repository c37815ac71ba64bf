package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/messaging"
)

func TestEnvelopeRoundTripsEveryRequestVariant(t *testing.T) {
	nodeId := messaging.NodeId{High: 1, Low: 2}
	cases := []messaging.RapidRequest{
		messaging.JoinMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, NodeId: nodeId, MetadataKeys: []string{"k"}, MetadataValues: [][]byte{[]byte("v")}},
		messaging.BatchedAlertMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, Alerts: []messaging.AlertMessage{{EdgeSrc: messaging.Endpoint{Hostname: "a", Port: 1}, EdgeDst: messaging.Endpoint{Hostname: "b", Port: 2}, EdgeStatus: messaging.Up, RingNumbers: []int32{0, 1}}}},
		messaging.ProbeMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}},
		messaging.FastRoundPhase2bMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, ConfigurationId: 7, Endpoints: []messaging.Endpoint{{Hostname: "a", Port: 1}}},
		messaging.Phase1aMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, ConfigurationId: 7, Rank: messaging.Rank{Round: 2, NodeIndex: 5}},
		messaging.Phase1bMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, ConfigurationId: 7, Rank: messaging.Rank{Round: 2, NodeIndex: 5}},
		messaging.Phase2aMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, ConfigurationId: 7},
		messaging.Phase2bMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, ConfigurationId: 7},
		messaging.LeaveMessage{Sender: messaging.Endpoint{Hostname: "a", Port: 1}},
	}

	for _, req := range cases {
		env, err := marshalEnvelope(req)
		require.NoError(t, err)

		got, err := unmarshalRequest(env)
		require.NoError(t, err)
		require.Equal(t, req, got)

		sender, err := senderOf(got)
		require.NoError(t, err)
		require.Equal(t, messaging.Endpoint{Hostname: "a", Port: 1}, sender)
	}
}

func TestEnvelopeRoundTripsEveryResponseVariant(t *testing.T) {
	cases := []messaging.RapidResponse{
		messaging.JoinResponse{Sender: messaging.Endpoint{Hostname: "a", Port: 1}, StatusCode: messaging.SafeToJoin, ConfigurationId: 9, Endpoints: []messaging.Endpoint{{Hostname: "a", Port: 1}}, Identifiers: []messaging.NodeId{{High: 1, Low: 2}}, Metadata: []messaging.EndpointMetadata{{Keys: []string{"k"}, Values: [][]byte{[]byte("v")}}}},
		messaging.Response{},
		messaging.ConsensusResponse{},
		messaging.ProbeResponse{Status: messaging.ProbeOK},
	}

	for _, resp := range cases {
		env, err := marshalEnvelope(resp)
		require.NoError(t, err)

		got, err := unmarshalResponse(env)
		require.NoError(t, err)
		require.Equal(t, resp, got)
	}
}
