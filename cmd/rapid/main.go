// Command rapid is the CLI entry point named out of scope by spec.md §1
// (it, the RPC transport, logging setup, and the process builder are
// specified only as collaborators). It wires pkg/transport,
// pkg/statemachine and pkg/rapid together the way a real deployment would:
// `start` bootstraps a seed node or joins an existing cluster and leaves it
// on SIGINT/SIGTERM; `members` probes a running node for reachability.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rapid-cluster/rapid/pkg/membership"
	"github.com/rapid-cluster/rapid/pkg/messaging"
	"github.com/rapid-cluster/rapid/pkg/rapid"
	"github.com/rapid-cluster/rapid/pkg/statemachine"
	"github.com/rapid-cluster/rapid/pkg/transport"
)

const (
	defaultFailureDetectorInterval   = 2 * time.Second
	defaultExpectFirstHeartbeatAfter = 1500 * time.Millisecond
	defaultBatchingWindow            = 200 * time.Millisecond
	defaultPaxosFallbackBase         = 10 * time.Second
	defaultJoinDelay                 = 5 * time.Second
	defaultProbeTimeout              = 2 * time.Second
)

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var lvl level.Option
	switch logLevel {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		lvl = level.AllowInfo()
	}
	return level.NewFilter(logger, lvl)
}

func parseEndpoint(s string) (membership.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return membership.Endpoint{}, err
	}
	var port int32
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return membership.Endpoint{}, err
	}
	return membership.Endpoint{Hostname: host, Port: port}, nil
}

func parseMetadata(pairs []string) membership.Metadata {
	if len(pairs) == 0 {
		return nil
	}
	md := make(membership.Metadata, len(pairs))
	for _, p := range pairs {
		for i := 0; i < len(p); i++ {
			if p[i] == '=' {
				md[p[:i]] = []byte(p[i+1:])
				break
			}
		}
	}
	return md
}

// serve runs a single node until interrupted: builds a Cluster bound to
// selfAddr, either bootstrapping (seedAddr == "") or joining seedAddr, then
// serves grpc requests until SIGINT/SIGTERM.
func serve(cmd *cobra.Command, selfAddr, seedAddr, logLevel, configPath string, metadata []string) error {
	logger := newLogger(logLevel)

	self, err := parseEndpoint(selfAddr)
	if err != nil {
		return fmt.Errorf("rapid: invalid --addr: %w", err)
	}

	cfg := statemachine.Config{}
	applyDefaults(&cfg)
	if err := loadConfigFile(configPath, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := membership.NewMetrics(self.String(), registry)

	client := transport.NewClient(logger)
	defer client.Close()

	cluster := rapid.NewCluster(self, parseMetadata(metadata), cfg, client, logger, metrics)

	server := transport.NewServer(cluster, logger)
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", self.Hostname, self.Port))
	if err != nil {
		return fmt.Errorf("rapid: listen: %w", err)
	}

	go func() {
		level.Info(logger).Log("msg", "serving", "addr", self.String())
		if err := server.GRPCServer().Serve(listener); err != nil {
			level.Error(logger).Log("msg", "grpc server stopped", "err", err)
		}
	}()

	if seedAddr == "" {
		cluster.Start()
	} else {
		seed, err := parseEndpoint(seedAddr)
		if err != nil {
			return fmt.Errorf("rapid: invalid --seed: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.JoinDelay*time.Duration(cfg.JoinAttempts+1))
		defer cancel()
		if err := cluster.Join(ctx, seed); err != nil {
			server.GRPCServer().Stop()
			return fmt.Errorf("rapid: join failed: %w", err)
		}
	}

	cluster.Subscribe(rapid.EventViewChange, func(e rapid.ClusterEvent) {
		vc := e.(rapid.ViewChange)
		level.Info(logger).Log("msg", "view changed", "configuration_id", vc.ConfigurationId, "members", len(vc.StatusChanges))
	})
	cluster.Subscribe(rapid.EventKicked, func(rapid.ClusterEvent) {
		level.Warn(logger).Log("msg", "kicked from cluster")
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	level.Info(logger).Log("msg", "shutting down")
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	_ = cluster.Leave(leaveCtx)
	leaveCancel()
	cluster.Shutdown()
	server.GRPCServer().GracefulStop()
	return nil
}

// loadConfigFile overlays path's yaml document onto cfg's defaults,
// following the teacher's LoadConfig(path)/yaml.NewDecoder(f).Decode
// idiom. A missing path is not an error: defaults apply untouched.
func loadConfigFile(path string, cfg *statemachine.Config) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rapid: open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("rapid: parse config: %w", err)
	}
	return nil
}

// applyDefaults sets every tunable to spec.md §6's stated default, to be
// overlaid by loadConfigFile afterwards.
func applyDefaults(cfg *statemachine.Config) {
	cfg.K = 10
	cfg.H = 9
	cfg.L = 4
	cfg.FailureDetectorInterval = defaultFailureDetectorInterval
	cfg.ExpectFirstHeartbeatAfter = defaultExpectFirstHeartbeatAfter
	cfg.BatchingWindow = defaultBatchingWindow
	cfg.PaxosFallbackBase = defaultPaxosFallbackBase
	cfg.FailureDetectorThreshold = 0.2
	cfg.FailureDetectorMaxSampleSize = 1000
	cfg.FailureDetectorScalingFactor = 0.9
	cfg.JoinAttempts = 10
	cfg.JoinDelay = defaultJoinDelay
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rapid",
		Short: "Rapid cluster-membership node",
		Long:  "rapid runs a single node of a Rapid cluster-membership protocol cluster: K-ring monitoring, almost-everywhere agreement on membership changes, and Fast/classic Paxos consensus.",
	}

	var addr, seed, logLevel, configPath string
	var metadata []string

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a node, bootstrapping a new cluster or joining an existing one via --seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, addr, seed, logLevel, configPath, metadata)
		},
	}
	startCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:1234", "This node's own host:port endpoint.")
	startCmd.Flags().StringVar(&seed, "seed", "", "Seed node's host:port endpoint to join; omit to bootstrap a new cluster.")
	startCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	startCmd.Flags().StringVar(&configPath, "config", "", "Optional yaml file overlaying spec.md §6's tuning parameters (see statemachine.Config).")
	startCmd.Flags().StringArrayVar(&metadata, "metadata", nil, "key=value metadata entries to advertise at join, repeatable.")

	membersCmd := &cobra.Command{
		Use:   "members --addr host:port",
		Short: "Probe a running node over the wire and report whether it is OK or BOOTSTRAPPING",
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryMembers(cmd, addr, logLevel)
		},
	}
	membersCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:1234", "Node to query.")
	membersCmd.Flags().StringVar(&logLevel, "log-level", "error", "Log level: debug, info, warn, error.")

	root.AddCommand(startCmd, membersCmd)
	return root
}

// queryMembers implements the `members` subcommand by sending a
// ProbeMessage to confirm liveness; full remote introspection would need a
// dedicated wire operation spec.md §6 does not define, so this reports
// reachability only.
func queryMembers(cmd *cobra.Command, addr, logLevel string) error {
	logger := newLogger(logLevel)
	self, err := parseEndpoint(addr)
	if err != nil {
		return err
	}
	client := transport.NewClient(logger)
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultProbeTimeout)
	defer cancel()

	resp, err := client.SendRequest(ctx, self, messaging.ProbeMessage{Sender: self})
	if err != nil {
		return fmt.Errorf("rapid: probe %s: %w", addr, err)
	}
	pr, ok := resp.(messaging.ProbeResponse)
	if !ok {
		return fmt.Errorf("rapid: unexpected response type %T", resp)
	}
	switch pr.Status {
	case messaging.ProbeOK:
		fmt.Printf("%s: OK\n", addr)
	case messaging.ProbeBootstrapping:
		fmt.Printf("%s: BOOTSTRAPPING\n", addr)
	}
	return nil
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
