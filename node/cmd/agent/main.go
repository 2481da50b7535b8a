// Package main is the entry point for the orbitmesh-node binary.
// It wires the connection manager and dispatcher together and runs the
// node's side of the host↔node transport contract.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the dispatcher (handler registry) and replay queue
//  4. Build the connection manager
//  5. Start the dispatcher worker and connection loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/node/internal/connection"
	"github.com/orbitmesh/orbitmesh/node/internal/dispatch"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL      string
	agentName      string
	accessToken    string
	bootstrapToken string
	publicKey      string
	tags           string
	capabilities   string
	stateDir       string
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "orbitmesh-node",
		Short: "OrbitMesh node — connects to a host and executes dispatched jobs",
		Long: `orbitmesh-node runs on each machine that should accept work from an
OrbitMesh host. It maintains a persistent bidirectional transport session,
registers its capabilities, and dispatches ExecuteJob calls to locally
registered command handlers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("ORBITMESH_SERVER_URL", "localhost:9090"), "OrbitMesh host transport address (host:port)")
	root.PersistentFlags().StringVar(&cfg.agentName, "agent-name", envOrDefault("ORBITMESH_AGENT_NAME", ""), "Node display name (defaults to hostname)")
	root.PersistentFlags().StringVar(&cfg.accessToken, "access-token", envOrDefault("ORBITMESH_ACCESS_TOKEN", ""), "Reserved for a previously-approved node identity")
	root.PersistentFlags().StringVar(&cfg.bootstrapToken, "bootstrap-token", envOrDefault("ORBITMESH_BOOTSTRAP_TOKEN", ""), "Bootstrap token presented on first registration")
	root.PersistentFlags().StringVar(&cfg.publicKey, "public-key", envOrDefault("ORBITMESH_PUBLIC_KEY", ""), "Opaque identity string surfaced on the enrollment record")
	root.PersistentFlags().StringVar(&cfg.tags, "tags", envOrDefault("ORBITMESH_TAGS", ""), "Comma-separated k:v tags (e.g. region:us-east,env:prod)")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("ORBITMESH_CAPABILITIES", ""), "Comma-separated capability names this node advertises (e.g. shell,filesync)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("ORBITMESH_STATE_DIR", defaultStateDir()), "Directory for node state (agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ORBITMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitmesh-node %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.bootstrapToken == "" && cfg.accessToken == "" {
		logger.Warn("neither --bootstrap-token nor --access-token is set — registration will fail against a host with enrollment gating enabled")
	}

	logger.Info("starting orbitmesh node",
		zap.String("version", version),
		zap.String("server_url", cfg.serverURL),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queue := dispatch.NewReplayQueue(logger)

	var mgr *connection.Manager
	disp := dispatch.New(queue, func() string { return mgr.AgentID() }, logger)

	// No built-in command handlers are registered here: filesystem, service
	// control, update and shell execution handlers are external collaborators
	// wired in by whatever deployment embeds this binary.
	// Disp.Register("some.command", someHandler) is the extension point.

	mgr = connection.New(connection.Config{
		HostAddr:       cfg.serverURL,
		Name:           cfg.agentName,
		BootstrapToken: cfg.bootstrapToken,
		PublicKey:      cfg.publicKey,
		Tags:           parseTags(cfg.tags),
		Capabilities:   parseCapabilities(cfg.capabilities),
		StateDir:       cfg.stateDir,
		Version:        version,
	}, disp, queue, logger)

	go disp.Run(ctx)

	mgr.Run(ctx)

	logger.Info("orbitmesh node stopped")
	return nil
}

// parseTags splits a comma-separated k:v list into individual tag strings,
// dropping empty entries.
func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// parseCapabilities splits a comma-separated capability name list into
// Capability values with no version pinned.
func parseCapabilities(raw string) []domain.Capability {
	if raw == "" {
		return nil
	}
	var caps []domain.Capability
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			caps = append(caps, domain.Capability{Name: c})
		}
	}
	return caps
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.orbitmesh-node"
	}
	return ".orbitmesh-node"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
