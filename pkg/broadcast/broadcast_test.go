package broadcast

import (
	"context"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/membership"
)

type recordingClient struct {
	mu  sync.Mutex
	got []membership.Endpoint
}

func (c *recordingClient) SendRequest(ctx context.Context, to membership.Endpoint, req interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, to)
	return nil, nil
}

func TestBroadcastFansOutToAllRecipients(t *testing.T) {
	client := &recordingClient{}
	b := New(client, log.NewNopLogger())

	recipients := []membership.Endpoint{{Hostname: "a", Port: 1}, {Hostname: "b", Port: 2}, {Hostname: "c", Port: 3}}
	b.SetMembership(recipients)

	h := b.Broadcast("hello")
	h.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.ElementsMatch(t, recipients, client.got)
}

func TestBroadcastEmptyMembershipCompletesImmediately(t *testing.T) {
	b := New(&recordingClient{}, log.NewNopLogger())
	h := b.Broadcast("hello")
	h.Wait()
}
