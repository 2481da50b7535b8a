// Package jobmanager implements the job queue, assignment, acknowledgement,
// completion, retry, timeout and dead-letter machinery. It
// keeps an in-memory priority queue and idempotency index for speed and
// uses repositories.JobRepository/DeadLetterRepository as the system of
// record, reloaded at startup via Load. Dispatch (picking a node and
// delivering ExecuteJob) lives in dispatch.go alongside the Manager since
// both need the same locked job state.
package jobmanager

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/metrics"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// DefaultAckDeadline is how long an Assigned job waits for AcknowledgeJob
// before the dispatch is considered lost and reverted.
const DefaultAckDeadline = 30 * time.Second

// ProgressSink receives progress reports forwarded by UpdateProgress and is
// told to clear history when a job reaches a terminal state. The
// progress package implements this; it is an interface here purely to avoid
// an import cycle (progress does not need to know about jobmanager).
type ProgressSink interface {
	Update(domain.JobProgress)
	Clear(jobID string)
}

type noopProgressSink struct{}

func (noopProgressSink) Update(domain.JobProgress) {}
func (noopProgressSink) Clear(string)              {}

// AgentStateNotifier lets the job manager drive the node state machine's
// TriggerCompleteJob transition (Running→Ready) when a node's job
// reaches a terminal state. The registry implements this; Dispatcher fires
// the matching TriggerStartJob directly since it already holds the
// registry when it hands a job to a node.
type AgentStateNotifier interface {
	CompleteJob(agentID string) error
}

type noopAgentStateNotifier struct{}

func (noopAgentStateNotifier) CompleteJob(string) error { return nil }

// Manager is the host's job queue and lifecycle tracker. Safe for
// concurrent use.
type Manager struct {
	mu sync.Mutex

	jobs             map[string]*domain.Job   // id -> cached job, authoritative in-process
	byIdempotencyKey map[string]string        // idempotency key -> id, only while non-terminal
	pending          pendingQueue             // heap of ids with Status == Pending
	pendingIndex     map[string]*pendingItem  // id -> heap slot, for O(log n) removal
	runningCount     map[string]int           // agentID -> count of Assigned/Acknowledged/Running jobs

	repo     repositories.JobRepository
	dead     repositories.DeadLetterRepository
	progress ProgressSink
	notifier AgentStateNotifier
	logger   *zap.Logger

	now         func() time.Time
	ackDeadline time.Duration

	// cancelNotify, when bound, forwards a cancellation to the node holding
	// the job. The Dispatcher binds itself here at construction; nil means
	// no node notification (tests, hosts without a dispatcher).
	cancelNotify func(ctx context.Context, agentID, jobID string)
}

// bindCancelNotifier is called by NewDispatcher so Cancel can reach the
// assigned node without the Manager importing the transport.
func (m *Manager) bindCancelNotifier(fn func(ctx context.Context, agentID, jobID string)) {
	m.mu.Lock()
	m.cancelNotify = fn
	m.mu.Unlock()
}

// New creates a Manager. progress and notifier may be nil to disable
// progress fan-out and node state-machine notification respectively.
func New(repo repositories.JobRepository, dead repositories.DeadLetterRepository, progress ProgressSink, notifier AgentStateNotifier, logger *zap.Logger) *Manager {
	if progress == nil {
		progress = noopProgressSink{}
	}
	if notifier == nil {
		notifier = noopAgentStateNotifier{}
	}
	return &Manager{
		jobs:             make(map[string]*domain.Job),
		byIdempotencyKey: make(map[string]string),
		pendingIndex:     make(map[string]*pendingItem),
		runningCount:     make(map[string]int),
		repo:             repo,
		dead:             dead,
		progress:         progress,
		notifier:         notifier,
		logger:           logger.Named("jobmanager"),
		now:              time.Now,
		ackDeadline:      DefaultAckDeadline,
	}
}

// Load repopulates the in-memory pending queue and idempotency index from
// the repository, called once at process start so a restarted host resumes
// dispatching without losing queued work.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.repo.ListPending(ctx, 10_000)
	if err != nil {
		return fmt.Errorf("jobmanager: load pending: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		job := rows[i]
		m.jobs[job.Request.ID] = &job
		m.indexIdempotencyLocked(&job)
		m.pushPendingLocked(&job)
	}
	m.logger.Info("loaded pending jobs", zap.Int("count", len(rows)))
	return nil
}

// Enqueue is the idempotent submission path: a non-terminal Job with the
// same IdempotencyKey is returned unchanged; otherwise a new Pending Job
// is created.
func (m *Manager) Enqueue(ctx context.Context, req domain.JobRequest) (*domain.Job, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = req.ID
	}

	m.mu.Lock()
	if existingID, ok := m.byIdempotencyKey[req.IdempotencyKey]; ok {
		if existing, ok := m.jobs[existingID]; ok && !existing.Status.Terminal() {
			cp := *existing
			m.mu.Unlock()
			return &cp, nil
		}
	}
	m.mu.Unlock()

	job := &domain.Job{
		Request:   req,
		Status:    domain.JobPending,
		CreatedAt: m.now(),
	}
	if err := m.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobmanager: enqueue: %w", err)
	}

	m.mu.Lock()
	m.jobs[job.Request.ID] = job
	m.indexIdempotencyLocked(job)
	m.pushPendingLocked(job)
	m.mu.Unlock()

	m.logger.Info("job enqueued",
		zap.String("job_id", job.Request.ID),
		zap.String("command", job.Request.Command),
		zap.String("idempotency_key", job.Request.IdempotencyKey),
	)
	metrics.JobsEnqueued.Inc()
	cp := *job
	return &cp, nil
}

// Get returns a copy of the Job for id, checking the in-memory cache before
// falling back to the repository.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	if job, ok := m.jobs[id]; ok {
		cp := *job
		m.mu.Unlock()
		return &cp, nil
	}
	m.mu.Unlock()

	job, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()
	cp := *job
	return &cp, nil
}

// DequeueNext returns the highest-priority Pending job whose
// RequiredCapabilities/RequiredTags are covered by capabilities/tags and
// whose TargetAgentID (if any) matches agentID, removing it from the
// pending queue. Passing nil capabilities/tags and an empty agentID matches
// only jobs with no TargetAgentID and no required capabilities or tags.
func (m *Manager) DequeueNext(agentID string, capabilities, tags []string) (*domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	haveCap := toSet(capabilities)
	haveTag := toSet(tags)

	snapshot := m.sortedPendingLocked()
	for _, item := range snapshot {
		job, ok := m.jobs[item.jobID]
		if !ok || job.Status != domain.JobPending {
			continue
		}
		if job.Request.TargetAgentID != "" && job.Request.TargetAgentID != agentID {
			continue
		}
		if !coveredBy(job.Request.RequiredCapabilities, haveCap) {
			continue
		}
		if !coveredBy(job.Request.RequiredTags, haveTag) {
			continue
		}
		m.removePendingLocked(item.jobID)
		cp := *job
		return &cp, true
	}
	return nil, false
}

// Assign transitions a dequeued job Pending→Assigned. The job must
// already have been removed from the pending queue by DequeueNext.
func (m *Manager) Assign(ctx context.Context, id, agentID string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: assign: unknown job %q", id)
	}
	if job.Status != domain.JobPending {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: assign: job %q not pending (status %q)", id, job.Status)
	}
	job.Status = domain.JobAssigned
	job.AssignedAgentID = agentID
	job.AssignedAt = m.now()
	m.runningCount[agentID]++
	cp := *job
	m.mu.Unlock()

	if err := m.repo.Update(ctx, &cp); err != nil {
		return fmt.Errorf("jobmanager: assign: persist: %w", err)
	}
	return nil
}

// RevertAssignment reverts a just-assigned job back to Pending without
// counting it as a retry, used when the synchronous ExecuteJob send fails
// or the ACK deadline elapses.
func (m *Manager) RevertAssignment(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: revert: unknown job %q", id)
	}
	if job.Status != domain.JobAssigned {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: revert: job %q not assigned (status %q)", id, job.Status)
	}
	if job.AssignedAgentID != "" {
		m.decRunningLocked(job.AssignedAgentID)
	}
	job.Status = domain.JobPending
	job.AssignedAgentID = ""
	job.AssignedAt = time.Time{}
	m.pushPendingLocked(job)
	cp := *job
	m.mu.Unlock()

	return m.repo.Update(ctx, &cp)
}

// Acknowledge transitions Assigned→Acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id, agentID string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: acknowledge: unknown job %q", id)
	}
	if job.Status != domain.JobAssigned {
		// Late/duplicate ACK on a job already past Assigned is not an error.
		m.mu.Unlock()
		return nil
	}
	job.Status = domain.JobAcknowledged
	job.AcknowledgedAt = m.now()
	cp := *job
	m.mu.Unlock()

	return m.repo.Update(ctx, &cp)
}

// UpdateProgress forwards progress to the ProgressSink and promotes the job
// to Running on its first report.
func (m *Manager) UpdateProgress(ctx context.Context, p domain.JobProgress) error {
	p.ClampPercentage()

	m.mu.Lock()
	job, ok := m.jobs[p.JobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: progress: unknown job %q", p.JobID)
	}
	var needsPersist bool
	if job.Status == domain.JobAssigned || job.Status == domain.JobAcknowledged {
		job.Status = domain.JobRunning
		needsPersist = true
	}
	cp := *job
	m.mu.Unlock()

	if needsPersist {
		if err := m.repo.Update(ctx, &cp); err != nil {
			return fmt.Errorf("jobmanager: progress: persist running transition: %w", err)
		}
	}
	m.progress.Update(p)
	return nil
}

// Complete ingests a terminal JobResult. A duplicate terminal report
// for an already-terminal job is accepted idempotently. Failed and TimedOut
// results trigger the retry/dead-letter policy.
func (m *Manager) Complete(ctx context.Context, result domain.JobResult) error {
	m.mu.Lock()
	job, ok := m.jobs[result.JobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: complete: unknown job %q", result.JobID)
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	agentID := job.AssignedAgentID
	if agentID != "" {
		m.decRunningLocked(agentID)
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = m.now()
	}
	job.Status = result.Status
	job.Result = &result
	job.CompletedAt = result.FinishedAt
	delete(m.byIdempotencyKey, job.Request.IdempotencyKey)
	cp := *job
	m.mu.Unlock()

	if err := m.repo.Update(ctx, &cp); err != nil {
		return fmt.Errorf("jobmanager: complete: persist: %w", err)
	}
	m.progress.Clear(result.JobID)
	if agentID != "" {
		if err := m.notifier.CompleteJob(agentID); err != nil {
			m.logger.Debug("agent state notify on job completion failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	m.logger.Info("job reached terminal state",
		zap.String("job_id", result.JobID),
		zap.String("status", string(result.Status)),
	)
	metrics.JobsCompleted.WithLabelValues(string(result.Status)).Inc()
	if !cp.AssignedAt.IsZero() {
		metrics.JobDuration.Observe(result.FinishedAt.Sub(cp.AssignedAt).Seconds())
	}

	switch result.Status {
	case domain.JobFailed:
		return m.applyRetryPolicy(ctx, result.JobID)
	case domain.JobTimedOut:
		return m.applyTimeoutRetryPolicy(ctx, result.JobID)
	}
	return nil
}

// Fail is a convenience for callers (such as a node reporting an error
// without a full JobResult) that only have an error message and optional
// code; it builds a JobResult and delegates to Complete. The ACK-deadline
// sweeper does not use it: it reverts the assignment instead.
func (m *Manager) Fail(ctx context.Context, id, errMsg, code string) error {
	return m.Complete(ctx, domain.JobResult{
		JobID:     id,
		Status:    domain.JobFailed,
		Error:     errMsg,
		ErrorCode: code,
	})
}

// Cancel transitions any non-terminal job to Cancelled and forwards the
// cancellation to the assigned node, if any. Cancelling an already-terminal
// job is a no-op returning the job as-is.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*domain.Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("jobmanager: cancel: unknown job %q", id)
	}
	if job.Status.Terminal() {
		cp := *job
		m.mu.Unlock()
		return &cp, nil
	}
	if job.Status == domain.JobPending {
		m.removePendingLocked(id)
	}
	agentID := job.AssignedAgentID
	if agentID != "" {
		m.decRunningLocked(agentID)
	}
	now := m.now()
	job.Status = domain.JobCancelled
	job.Result = &domain.JobResult{JobID: id, Status: domain.JobCancelled, Error: reason, FinishedAt: now}
	job.CompletedAt = now
	delete(m.byIdempotencyKey, job.Request.IdempotencyKey)
	cp := *job
	notify := m.cancelNotify
	m.mu.Unlock()

	if err := m.repo.Update(ctx, &cp); err != nil {
		return nil, fmt.Errorf("jobmanager: cancel: persist: %w", err)
	}
	m.progress.Clear(id)
	if agentID != "" {
		if notify != nil {
			notify(ctx, agentID, id)
		}
		if err := m.notifier.CompleteJob(agentID); err != nil {
			m.logger.Debug("agent state notify on job cancellation failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return &cp, nil
}

// Requeue moves a Failed/TimedOut job back to Pending, incrementing
// RetryCount. Exposed directly for callers (dead-letter "retry"
// action) in addition to the automatic policy in Complete.
func (m *Manager) Requeue(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: requeue: unknown job %q", id)
	}
	if job.Status != domain.JobFailed && job.Status != domain.JobTimedOut {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: requeue: job %q not failed/timed out (status %q)", id, job.Status)
	}
	job.Status = domain.JobPending
	job.RetryCount++
	job.AssignedAgentID = ""
	job.Result = nil
	job.CompletedAt = time.Time{}
	m.byIdempotencyKey[job.Request.IdempotencyKey] = id
	m.pushPendingLocked(job)
	cp := *job
	m.mu.Unlock()

	metrics.JobsRequeued.Inc()
	return m.repo.Update(ctx, &cp)
}

// RequeueForTimeout is Requeue's counterpart for the timeout budget: it
// increments TimeoutRetryCount instead of RetryCount and is bounded by
// maxTimeoutRetries rather than Request.MaxRetries.
func (m *Manager) RequeueForTimeout(ctx context.Context, id string, maxTimeoutRetries int) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: requeue for timeout: unknown job %q", id)
	}
	if job.Status != domain.JobTimedOut {
		m.mu.Unlock()
		return fmt.Errorf("jobmanager: requeue for timeout: job %q not timed out (status %q)", id, job.Status)
	}
	if job.TimeoutRetryCount >= maxTimeoutRetries {
		return m.toDeadLetterLockedHeld(ctx, id, "timeout exhausted")
	}
	job.Status = domain.JobPending
	job.TimeoutRetryCount++
	job.AssignedAgentID = ""
	job.Result = nil
	job.CompletedAt = time.Time{}
	m.byIdempotencyKey[job.Request.IdempotencyKey] = id
	m.pushPendingLocked(job)
	cp := *job
	m.mu.Unlock()

	metrics.JobsRequeued.Inc()
	return m.repo.Update(ctx, &cp)
}

func (m *Manager) applyRetryPolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	job := m.jobs[id]
	if job == nil {
		m.mu.Unlock()
		return nil
	}
	budget := job.Request.MaxRetries
	count := job.RetryCount
	m.mu.Unlock()

	if count < budget {
		return m.Requeue(ctx, id)
	}
	return m.sendToDeadLetter(ctx, id, "max retries exceeded")
}

func (m *Manager) applyTimeoutRetryPolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	job := m.jobs[id]
	if job == nil {
		m.mu.Unlock()
		return nil
	}
	budget := job.Request.MaxRetries
	m.mu.Unlock()
	return m.RequeueForTimeout(ctx, id, budget)
}

// HandleAgentDisconnected reassigns or dead-letters every non-terminal job
// held by agentID when its connection drops.
//
// A job is treated as "idempotent" (and
// therefore safely reassignable) only if the caller explicitly supplied an
// IdempotencyKey different from the job's own id — a job whose
// IdempotencyKey still equals its id (the default) is indistinguishable
// from one the caller never set, so it is dead-lettered rather than
// silently re-sent to a different node.
func (m *Manager) HandleAgentDisconnected(ctx context.Context, agentID string) {
	m.mu.Lock()
	var affected []string
	for id, job := range m.jobs {
		if job.AssignedAgentID != agentID {
			continue
		}
		if job.Status.Terminal() {
			continue
		}
		affected = append(affected, id)
	}
	m.mu.Unlock()

	for _, id := range affected {
		m.mu.Lock()
		job := m.jobs[id]
		explicit := job != nil && job.Request.IdempotencyKey != job.Request.ID
		m.mu.Unlock()

		if explicit {
			if err := m.reassignLocked(ctx, id); err != nil {
				m.logger.Warn("failed to reassign job after disconnect", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if err := m.sendToDeadLetter(ctx, id, "node disconnected, job not idempotent"); err != nil {
			m.logger.Warn("failed to dead-letter job after disconnect", zap.String("job_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) reassignLocked(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if job.AssignedAgentID != "" {
		m.decRunningLocked(job.AssignedAgentID)
	}
	job.Status = domain.JobPending
	job.AssignedAgentID = ""
	job.AssignedAt = time.Time{}
	job.AcknowledgedAt = time.Time{}
	m.pushPendingLocked(job)
	cp := *job
	m.mu.Unlock()
	return m.repo.Update(ctx, &cp)
}

func (m *Manager) sendToDeadLetter(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	return m.toDeadLetterLockedHeld(ctx, id, reason)
}

// toDeadLetterLockedHeld requires m.mu to already be held by the caller; it
// unlocks before doing I/O and returns the error from that I/O.
func (m *Manager) toDeadLetterLockedHeld(ctx context.Context, id, reason string) error {
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if !job.Status.Terminal() && job.AssignedAgentID != "" {
		m.decRunningLocked(job.AssignedAgentID)
	}
	job.Status = domain.JobFailed
	now := m.now()
	job.CompletedAt = now
	delete(m.byIdempotencyKey, job.Request.IdempotencyKey)
	cp := *job
	m.mu.Unlock()

	if err := m.repo.Update(ctx, &cp); err != nil {
		return fmt.Errorf("jobmanager: dead letter: persist job: %w", err)
	}
	entry := &domain.DeadLetterEntry{
		Job:        cp,
		Reason:     reason,
		EnqueuedAt: now,
	}
	if err := m.dead.Create(ctx, entry); err != nil {
		return fmt.Errorf("jobmanager: dead letter: create entry: %w", err)
	}
	m.logger.Warn("job moved to dead letter", zap.String("job_id", id), zap.String("reason", reason))
	metrics.JobsDeadLettered.Inc()
	return nil
}

// GetByAgent lists jobs currently or previously assigned to agentID.
func (m *Manager) GetByAgent(ctx context.Context, agentID string, opts repositories.ListOptions) ([]domain.Job, int64, error) {
	return m.repo.ListByAgent(ctx, agentID, opts)
}

// GetByStatus lists jobs in a given status (empty status lists all).
func (m *Manager) GetByStatus(ctx context.Context, status string, opts repositories.ListOptions) ([]domain.Job, int64, error) {
	return m.repo.List(ctx, status, opts)
}

// GetTimedOut returns non-terminal jobs whose deadline has already elapsed,
// the candidate set for the host's timeout sweeper.
func (m *Manager) GetTimedOut(ctx context.Context) ([]domain.Job, error) {
	return m.repo.ListTimedOut(ctx, m.now())
}

// RunningCount implements router.RunningCounter for the LeastConnections
// load-balancing policy, counted from Assign through Complete/Cancel.
func (m *Manager) RunningCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningCount[agentID]
}

func (m *Manager) decRunningLocked(agentID string) {
	if n := m.runningCount[agentID]; n > 0 {
		m.runningCount[agentID] = n - 1
	}
}

func (m *Manager) indexIdempotencyLocked(job *domain.Job) {
	if !job.Status.Terminal() {
		m.byIdempotencyKey[job.Request.IdempotencyKey] = job.Request.ID
	}
}

func (m *Manager) pushPendingLocked(job *domain.Job) {
	item := &pendingItem{jobID: job.Request.ID, priority: job.Request.Priority, createdAt: job.CreatedAt}
	m.pendingIndex[job.Request.ID] = item
	heap.Push(&m.pending, item)
	metrics.QueueDepth.Set(float64(m.pending.Len()))
}

func (m *Manager) removePendingLocked(id string) {
	item, ok := m.pendingIndex[id]
	if !ok {
		return
	}
	delete(m.pendingIndex, id)
	if item.index >= 0 && item.index < m.pending.Len() {
		heap.Remove(&m.pending, item.index)
	}
	metrics.QueueDepth.Set(float64(m.pending.Len()))
}

// sortedPendingLocked returns a snapshot of pending items ordered by
// (Priority desc, CreatedAt asc) without mutating the heap.
func (m *Manager) sortedPendingLocked() []*pendingItem {
	out := make([]*pendingItem, len(m.pending))
	copy(out, m.pending)
	sort.Slice(out, func(i, j int) bool { return pendingQueue(out).Less(i, j) })
	return out
}

func toSet(xs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		set[x] = struct{}{}
	}
	return set
}

// coveredBy reports whether every element of required is present in have.
func coveredBy(required []string, have map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
