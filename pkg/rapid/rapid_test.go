package rapid

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rapid-cluster/rapid/pkg/membership"
	"github.com/rapid-cluster/rapid/pkg/statemachine"
	"github.com/rapid-cluster/rapid/pkg/transport"
)

func testConfig() Config {
	cfg := Config{
		K:                            10,
		H:                            9,
		L:                            4,
		FailureDetectorInterval:      50 * time.Millisecond,
		ExpectFirstHeartbeatAfter:    20 * time.Millisecond,
		BatchingWindow:               10 * time.Millisecond,
		PaxosFallbackBase:            2 * time.Second,
		FailureDetectorThreshold:     0.2,
		FailureDetectorMaxSampleSize: 1000,
		FailureDetectorScalingFactor: 0.9,
		JoinAttempts:                 10,
		JoinDelay:                    50 * time.Millisecond,
	}
	return cfg
}

// TestSingleSeedOneJoiner implements spec.md §8's scenario S1: start a seed,
// join a second node, and confirm both agree on membership and are Active.
func TestSingleSeedOneJoiner(t *testing.T) {
	net := transport.NewInProcessNetwork()
	cfg := testConfig()
	logger := log.NewNopLogger()

	seedEp := membership.Endpoint{Hostname: "localhost", Port: 1234}
	joinerEp := membership.Endpoint{Hostname: "localhost", Port: 1235}

	seed := NewCluster(seedEp, nil, cfg, net.Client(), logger, nil)
	net.Register(seedEp, seed)
	seed.Start()

	joiner := NewCluster(joinerEp, nil, cfg, net.Client(), logger, nil)
	net.Register(joinerEp, joiner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, joiner.Join(ctx, seedEp))

	require.Eventually(t, func() bool {
		return len(seed.GetMemberList()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	seedMembers := seed.GetMemberList()
	joinerMembers := joiner.GetMemberList()
	require.Equal(t, seedMembers, joinerMembers)
	require.ElementsMatch(t, []membership.Endpoint{seedEp, joinerEp}, seedMembers)

	require.Equal(t, seed.Phase(), statemachine.PhaseActive)
	require.Equal(t, joiner.Phase(), statemachine.PhaseActive)

	seed.Shutdown()
	joiner.Shutdown()
}

// TestTenSequentialJoiners implements spec.md §8's scenario S2: after each
// successful join the seed's member list grows by one, and once all ten have
// joined every member agrees on the same list.
func TestTenSequentialJoiners(t *testing.T) {
	net := transport.NewInProcessNetwork()
	cfg := testConfig()
	logger := log.NewNopLogger()

	seedEp := membership.Endpoint{Hostname: "localhost", Port: 2000}
	seed := NewCluster(seedEp, nil, cfg, net.Client(), logger, nil)
	net.Register(seedEp, seed)
	seed.Start()

	clusters := []*Cluster{seed}

	for i := 1; i <= 10; i++ {
		ep := membership.Endpoint{Hostname: "localhost", Port: int32(2000 + i)}
		c := NewCluster(ep, nil, cfg, net.Client(), logger, nil)
		net.Register(ep, c)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, c.Join(ctx, seedEp))
		cancel()
		clusters = append(clusters, c)

		expectedSize := i + 1
		require.Eventually(t, func() bool {
			return len(seed.GetMemberList()) == expectedSize
		}, 2*time.Second, 10*time.Millisecond)
	}

	want := seed.GetMemberList()
	for _, c := range clusters {
		require.ElementsMatch(t, want, c.GetMemberList())
	}

	for _, c := range clusters {
		c.Shutdown()
	}
}

// TestMetadataPersistsAcrossJoins implements an S3-style check from spec.md
// §8: every member's metadata map retains an entry for every peer,
// including itself, once the joins settle — not just immediately after
// admission.
func TestMetadataPersistsAcrossJoins(t *testing.T) {
	net := transport.NewInProcessNetwork()
	cfg := testConfig()
	logger := log.NewNopLogger()

	seedEp := membership.Endpoint{Hostname: "localhost", Port: 3000}
	seedMeta := membership.Metadata{"role": []byte("seed")}
	seed := NewCluster(seedEp, seedMeta, cfg, net.Client(), logger, nil)
	net.Register(seedEp, seed)
	seed.Start()

	clusters := []*Cluster{seed}
	wantMeta := map[membership.Endpoint]membership.Metadata{seedEp: seedMeta}

	for i := 1; i <= 3; i++ {
		ep := membership.Endpoint{Hostname: "localhost", Port: int32(3000 + i)}
		md := membership.Metadata{"role": []byte(string(rune('a' + i)))}
		c := NewCluster(ep, md, cfg, net.Client(), logger, nil)
		net.Register(ep, c)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, c.Join(ctx, seedEp))
		cancel()
		clusters = append(clusters, c)
		wantMeta[ep] = md

		expectedSize := i + 1
		require.Eventually(t, func() bool {
			return len(seed.GetMemberList()) == expectedSize
		}, 2*time.Second, 10*time.Millisecond)
	}

	// Give the last view change's ViewChange handlers a moment to settle on
	// every node, not just the seed.
	require.Eventually(t, func() bool {
		for _, c := range clusters {
			if len(c.GetMemberList()) != len(clusters) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	for _, c := range clusters {
		got := c.GetClusterMetadata()
		require.Len(t, got, len(clusters), "node %s", c.Self())
		for ep, want := range wantMeta {
			require.Equal(t, want, got[ep], "node %s metadata for %s", c.Self(), ep)
		}
	}

	for _, c := range clusters {
		c.Shutdown()
	}
}
