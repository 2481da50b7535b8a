// Package registry maintains the in-memory mapping of NodeId → AgentInfo
// plus the capability/group/tag secondary indexes the router depends on
//. State is intentionally non-persistent: a restarted host relies on
// nodes reconnecting and re-registering. The node state machine lives
// alongside it in statemachine.go; every status change after Register
// flows through its transition table (Register itself sets Ready directly).
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/metrics"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

// DefaultMissedHeartbeatThreshold is 3x the recommended heartbeat interval.
const DefaultMissedHeartbeatThreshold = 3

type record struct {
	info    domain.AgentInfo
	session transport.NodeSession
}

// Registry is the host's live view of every node that has ever registered.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*record // keyed by AgentInfo.ID
	byConn map[transport.ConnectionID]string

	byCapability map[string]map[string]struct{}
	byGroup      map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}

	server                   transport.Server // may be nil (e.g. in tests not exercising fan-out)
	logger                   *zap.Logger
	missedHeartbeatThreshold time.Duration

	eventsMu sync.Mutex
	events   []chan ChangeEvent
}

// New creates a Registry. server may be nil if channel fan-out isn't needed
// (unit tests); heartbeatInterval is the interval nodes were told to use,
// and missedHeartbeatThreshold is how many intervals may be missed before a
// node is declared Faulted (default DefaultMissedHeartbeatThreshold).
func New(logger *zap.Logger, server transport.Server, heartbeatInterval time.Duration, missedHeartbeatThreshold int) *Registry {
	if missedHeartbeatThreshold <= 0 {
		missedHeartbeatThreshold = DefaultMissedHeartbeatThreshold
	}
	return &Registry{
		nodes:                    make(map[string]*record),
		byConn:                   make(map[transport.ConnectionID]string),
		byCapability:             make(map[string]map[string]struct{}),
		byGroup:                  make(map[string]map[string]struct{}),
		byTag:                    make(map[string]map[string]struct{}),
		server:                   server,
		logger:                   logger.Named("registry"),
		missedHeartbeatThreshold: heartbeatInterval * time.Duration(missedHeartbeatThreshold),
	}
}

// Subscribe returns a channel of every accepted state transition. The
// channel is unbuffered-adjacent (capacity 16); a slow subscriber drops
// events rather than blocking the registry.
func (r *Registry) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)
	r.eventsMu.Lock()
	r.events = append(r.events, ch)
	r.eventsMu.Unlock()
	return ch
}

func (r *Registry) emit(ev ChangeEvent) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	for _, ch := range r.events {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Register replaces any previous record for info.ID, sets ConnectionID and
// Status=Ready, updates the secondary indexes, and joins the node to its
// capability/group/tag channels.
func (r *Registry) Register(info domain.AgentInfo, session transport.NodeSession) domain.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[info.ID]; ok {
		r.unindexLocked(info.ID, existing.info)
		delete(r.byConn, existing.info.ConnectionID)
	}

	info.Status = domain.AgentReady
	info.ConnectionID = string(session.ID())
	info.LastHeartbeat = time.Now()

	r.nodes[info.ID] = &record{info: info, session: session}
	r.byConn[session.ID()] = info.ID
	r.indexLocked(info.ID, info)
	r.joinChannelsLocked(info.ID, info, session)

	r.logger.Info("node registered",
		zap.String("agent_id", info.ID),
		zap.String("name", info.Name),
		zap.String("connection_id", string(session.ID())),
	)
	r.updateNodeMetricsLocked()
	r.emit(ChangeEvent{AgentID: info.ID, Old: domain.AgentCreated, New: domain.AgentReady, Trigger: TriggerConnect, At: time.Now()})
	return info
}

// Unregister marks a node Disconnected and clears its ConnectionID but
// retains the record for audit.
func (r *Registry) Unregister(agentID string) {
	r.transition(agentID, TriggerDisconnect, true)
}

// OnConnectionLost is called by the transport listener when a session's
// underlying connection drops without a prior Unregister call.
func (r *Registry) OnConnectionLost(connID transport.ConnectionID) {
	r.mu.RLock()
	agentID, ok := r.byConn[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.transition(agentID, TriggerDisconnect, true)
}

// Heartbeat updates LastHeartbeat monotonically for agentID.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[agentID]
	if !ok {
		return fmt.Errorf("registry: unknown agent %q", agentID)
	}
	now := time.Now()
	if now.After(rec.info.LastHeartbeat) {
		rec.info.LastHeartbeat = now
	}
	return nil
}

// MergeMetadata folds a node's self-reported state into its AgentInfo.Metadata.
// Existing keys are overwritten; keys absent from state are left untouched.
func (r *Registry) MergeMetadata(agentID string, state map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[agentID]
	if !ok {
		return fmt.Errorf("registry: unknown agent %q", agentID)
	}
	if rec.info.Metadata == nil {
		rec.info.Metadata = make(map[string]string, len(state))
	}
	for k, v := range state {
		rec.info.Metadata[k] = v
	}
	return nil
}

// Get returns a copy of the AgentInfo for agentID.
func (r *Registry) Get(agentID string) (domain.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[agentID]
	if !ok {
		return domain.AgentInfo{}, false
	}
	return rec.info, true
}

// Session returns the live NodeSession for agentID, if connected.
func (r *Registry) Session(agentID string) (transport.NodeSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[agentID]
	if !ok || rec.session == nil || rec.info.Status == domain.AgentDisconnected {
		return nil, false
	}
	return rec.session, true
}

// List returns a snapshot of every known node.
func (r *Registry) List() []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentInfo, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupFilter narrows a candidate search.
type LookupFilter struct {
	Group                string
	RequiredCapabilities  []string
	RequiredTags          []string
	ExcludedAgentIDs      map[string]struct{}
}

// Lookup returns every node matching filter whose Status is Ready or
// Running. Results are
// sorted by ID for deterministic tie-breaking downstream.
func (r *Registry) Lookup(filter LookupFilter) []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.candidateSetLocked(filter)
	out := make([]domain.AgentInfo, 0, len(candidates))
	for id := range candidates {
		rec, ok := r.nodes[id]
		if !ok {
			continue
		}
		if rec.info.Status != domain.AgentReady && rec.info.Status != domain.AgentRunning {
			continue
		}
		if _, excluded := filter.ExcludedAgentIDs[id]; excluded {
			continue
		}
		if !rec.info.HasCapabilities(filter.RequiredCapabilities) {
			continue
		}
		if !rec.info.HasTags(filter.RequiredTags) {
			continue
		}
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// candidateSetLocked intersects the group and capability/tag indexes. The
// caller must hold r.mu.
func (r *Registry) candidateSetLocked(filter LookupFilter) map[string]struct{} {
	var sets []map[string]struct{}
	if filter.Group != "" {
		sets = append(sets, r.byGroup[filter.Group])
	}
	for _, c := range filter.RequiredCapabilities {
		sets = append(sets, r.byCapability[c])
	}
	for _, t := range filter.RequiredTags {
		sets = append(sets, r.byTag[t])
	}

	if len(sets) == 0 {
		out := make(map[string]struct{}, len(r.nodes))
		for id := range r.nodes {
			out[id] = struct{}{}
		}
		return out
	}

	result := make(map[string]struct{}, len(sets[0]))
	for id := range sets[0] {
		result[id] = struct{}{}
	}
	for _, s := range sets[1:] {
		for id := range result {
			if _, ok := s[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}

// Sweep declares nodes Faulted whose LastHeartbeat is older than the
// missed-heartbeat threshold, then tears down their channel membership
//. Returns the agent IDs that transitioned.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.RLock()
	var stale []string
	for id, rec := range r.nodes {
		if rec.info.Status == domain.AgentDisconnected || rec.info.Status == domain.AgentFaulted {
			continue
		}
		if now.Sub(rec.info.LastHeartbeat) > r.missedHeartbeatThreshold {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.transition(id, TriggerFault, false)
		r.transition(id, TriggerDisconnect, true)
	}
	return stale
}

// StartJob, CompleteJob, Pause, Resume, Stop, Stopped, Recover
// drive the node state machine for statuses other than the
// register/unregister/sweep paths handled above.
func (r *Registry) StartJob(agentID string) error    { return r.requireTransition(agentID, TriggerStartJob) }
func (r *Registry) CompleteJob(agentID string) error { return r.requireTransition(agentID, TriggerCompleteJob) }
func (r *Registry) Pause(agentID string) error       { return r.requireTransition(agentID, TriggerPause) }
func (r *Registry) Resume(agentID string) error      { return r.requireTransition(agentID, TriggerResume) }
func (r *Registry) Stop(agentID string) error        { return r.requireTransition(agentID, TriggerStop) }
func (r *Registry) Stopped(agentID string) error     { return r.requireTransition(agentID, TriggerStopped) }
func (r *Registry) Recover(agentID string) error      { return r.requireTransition(agentID, TriggerRecover) }

func (r *Registry) requireTransition(agentID string, trig Trigger) error {
	if !r.transition(agentID, trig, trig == TriggerDisconnect) {
		return fmt.Errorf("registry: trigger %q illegal for agent %q in its current state", trig, agentID)
	}
	return nil
}

// transition applies fire() under lock and, if leaveChannels is true and the
// resulting state is Disconnected, tears down channel membership.
func (r *Registry) transition(agentID string, trig Trigger, leaveChannels bool) bool {
	r.mu.Lock()
	rec, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	old := rec.info.Status
	next, ok := fire(old, trig)
	if !ok {
		r.mu.Unlock()
		return false
	}
	rec.info.Status = next
	connID := transport.ConnectionID(rec.info.ConnectionID)
	if next == domain.AgentDisconnected {
		rec.info.ConnectionID = ""
		delete(r.byConn, connID)
		rec.session = nil
	}
	info := rec.info
	r.updateNodeMetricsLocked()
	r.mu.Unlock()

	if leaveChannels && next == domain.AgentDisconnected {
		r.leaveChannels(agentID, info, connID)
	}

	r.logger.Info("node state transition",
		zap.String("agent_id", agentID),
		zap.String("from", string(old)),
		zap.String("to", string(next)),
		zap.String("trigger", string(trig)),
	)
	r.emit(ChangeEvent{AgentID: agentID, Old: old, New: next, Trigger: trig, At: time.Now()})
	return true
}

// updateNodeMetricsLocked recomputes the per-status node gauge; r.mu must
// be held.
func (r *Registry) updateNodeMetricsLocked() {
	counts := make(map[domain.AgentStatus]int, len(r.nodes))
	for _, rec := range r.nodes {
		counts[rec.info.Status]++
	}
	metrics.NodesByStatus.Reset()
	for status, n := range counts {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (r *Registry) indexLocked(id string, info domain.AgentInfo) {
	for _, c := range info.Capabilities {
		addToSet(r.byCapability, c.Name, id)
	}
	if info.Group != "" {
		addToSet(r.byGroup, info.Group, id)
	}
	for _, t := range info.Tags {
		addToSet(r.byTag, t, id)
	}
}

func (r *Registry) unindexLocked(id string, info domain.AgentInfo) {
	for _, c := range info.Capabilities {
		removeFromSet(r.byCapability, c.Name, id)
	}
	if info.Group != "" {
		removeFromSet(r.byGroup, info.Group, id)
	}
	for _, t := range info.Tags {
		removeFromSet(r.byTag, t, id)
	}
}

func addToSet(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func (r *Registry) joinChannelsLocked(id string, info domain.AgentInfo, session transport.NodeSession) {
	if r.server == nil {
		return
	}
	r.server.Channel(id).Join(session)
	if info.Group != "" {
		r.server.Channel("group:" + info.Group).Join(session)
	}
	for _, c := range info.Capabilities {
		r.server.Channel("capability:" + c.Name).Join(session)
	}
}

func (r *Registry) leaveChannels(id string, info domain.AgentInfo, connID transport.ConnectionID) {
	if r.server == nil {
		return
	}
	r.server.Channel(id).Leave(connID)
	if info.Group != "" {
		r.server.Channel("group:" + info.Group).Leave(connID)
	}
	for _, c := range info.Capabilities {
		r.server.Channel("capability:" + c.Name).Leave(connID)
	}
}
