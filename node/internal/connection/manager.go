// Package connection manages the persistent transport session between a
// node and the host. It handles:
//   - registration (presenting hostname/capabilities/bootstrap credentials, storing the returned agent ID)
//   - heartbeat loop (periodic liveness signals with system metrics folded into reported state)
//   - the inbound loop (ExecuteJob/CancelJob handed to dispatch.Dispatcher, Ping/UpdateDesiredState/Shutdown handled locally)
//   - automatic reconnection with exponential backoff + jitter on any failure
//
// State persistence: after the first successful registration the host
// returns a stable agent ID. This ID is written to <state-dir>/agent-state.json
// and reused on every subsequent connection so the host matches the node to
// the existing record instead of creating a duplicate.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/node/internal/dispatch"
	"github.com/orbitmesh/orbitmesh/node/internal/metrics"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
	"github.com/orbitmesh/orbitmesh/shared/transport/frame"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many nodes reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the node sends liveness signals absent
	// a different value recommended by the host's RegistrationResult.
	heartbeatInterval = 30 * time.Second
)

// agentState is persisted to disk after the first successful registration.
// It allows the node to present its stable ID on reconnect so the host
// matches it to the existing record rather than creating a duplicate.
type agentState struct {
	AgentID string `json:"agent_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("connection: failed to read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("connection: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds all parameters needed to connect to the host.
type Config struct {
	// HostAddr is the transport address (e.g. "localhost:9090").
	HostAddr string
	// Name is the node's display name; defaults to the hostname if empty.
	Name string
	// BootstrapToken is presented on first registration; may be
	// empty if the host has enrollment gating disabled.
	BootstrapToken string
	// PublicKey is an opaque identity string surfaced on the Enrollment
	// record for operator review; has no cryptographic role in this transport.
	PublicKey string
	// Tags are free-form key:value pairs used by router/workflow targeting.
	Tags []string
	// Capabilities are the named capabilities this node advertises; command
	// handlers registered on the Dispatcher should correspond to these.
	Capabilities []domain.Capability
	// StateDir is the directory where agent-state.json is persisted.
	StateDir string
	// Version is the node binary version, sent during registration.
	Version string
}

// Manager maintains the persistent transport session to the host, replaying
// buffered outbound reports through a dispatch.ReplayQueue across
// reconnects and feeding inbound ExecuteJob/CancelJob calls to a
// dispatch.Dispatcher.
type Manager struct {
	cfg    Config
	disp   *dispatch.Dispatcher
	queue  *dispatch.ReplayQueue
	logger *zap.Logger

	agentID atomic.Value // string

	mu     sync.Mutex
	client *frame.Client
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, disp *dispatch.Dispatcher, queue *dispatch.ReplayQueue, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		disp:   disp,
		queue:  queue,
		logger: logger.Named("connection"),
	}
	m.agentID.Store("")
	return m
}

// AgentID returns the currently assigned agent ID, or "" before the first
// successful registration. Passed to dispatch.New as the agentID func.
func (m *Manager) AgentID() string {
	return m.agentID.Load().(string)
}

// Run starts the connection loop. It dials the host, registers, and begins
// the heartbeat and inbound-dispatch loops. On any error it reconnects with
// exponential backoff. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to host", zap.String("addr", m.cfg.HostAddr))

		if err := m.connect(ctx); err != nil {
			m.queue.SetLive(context.Background(), nil)
			m.logger.Warn("connection failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// connect establishes one transport session: dial → register → run loops.
// Returns when the session ends (error or context cancellation).
func (m *Manager) connect(ctx context.Context) error {
	client := frame.NewClient()
	handler, inbound, err := client.Dial(ctx, m.cfg.HostAddr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer client.Close()

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	result, agentID, err := m.register(ctx, handler)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	m.agentID.Store(agentID)
	m.queue.SetLive(ctx, handler)

	m.logger.Info("registered with host",
		zap.String("agent_id", agentID),
		zap.Bool("accepted", result.Success),
	)

	hbInterval := result.RecommendedHeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = heartbeatInterval
	}

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx, handler, agentID, hbInterval) }()
	go func() { errCh <- m.inboundLoop(ctx, inbound) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Manager) register(ctx context.Context, handler transport.HostHandler) (domain.RegistrationResult, string, error) {
	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load agent state, will re-register", zap.Error(err))
	}

	name := m.cfg.Name
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "unknown"
		}
	}

	id := state.AgentID
	if id == "" {
		id = name
	}

	metadata := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if m.cfg.BootstrapToken != "" {
		metadata["bootstrapToken"] = m.cfg.BootstrapToken
	}
	if m.cfg.PublicKey != "" {
		metadata["publicKey"] = m.cfg.PublicKey
	}
	for k, v := range metrics.Collect() {
		metadata[k] = v
	}

	info := domain.AgentInfo{
		ID:           id,
		Name:         name,
		Capabilities: m.cfg.Capabilities,
		Tags:         m.cfg.Tags,
		Metadata:     metadata,
	}

	result, err := handler.Register(ctx, info)
	if err != nil {
		return domain.RegistrationResult{}, "", fmt.Errorf("Register call failed: %w", err)
	}
	if !result.Success {
		return result, "", fmt.Errorf("registration rejected by host")
	}

	assigned := result.AssignedAgentID
	if assigned == "" {
		assigned = id
	}
	if assigned != state.AgentID {
		if err := saveState(m.cfg.StateDir, agentState{AgentID: assigned}); err != nil {
			m.logger.Warn("failed to persist agent state", zap.Error(err))
		}
	}

	return result, assigned, nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, handler transport.HostHandler, agentID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := handler.Heartbeat(ctx, agentID); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			if err := handler.ReportState(ctx, agentID, metrics.Collect()); err != nil {
				m.logger.Warn("report state failed", zap.Error(err))
			}
			m.logger.Debug("heartbeat sent", zap.String("agent_id", agentID))
		}
	}
}

// inboundLoop forwards ExecuteJob/CancelJob to the dispatcher and handles
// Ping/UpdateDesiredState/Shutdown locally. Returns when inbound closes
// (connection dropped) or ctx is cancelled.
func (m *Manager) inboundLoop(ctx context.Context, inbound <-chan transport.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return fmt.Errorf("inbound channel closed")
			}
			switch in.Kind {
			case transport.InboundExecuteJob, transport.InboundCancelJob:
				m.disp.Handle(in)
			case transport.InboundUpdateDesiredState:
				m.logger.Info("desired state update received", zap.Any("state", in.DesiredState))
			case transport.InboundShutdown:
				m.logger.Info("shutdown requested by host", zap.String("reason", in.ShutdownCause))
				return fmt.Errorf("shutdown requested: %s", in.ShutdownCause)
			}
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
