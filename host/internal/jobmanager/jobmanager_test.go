package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// fakeJobRepo is an in-memory repositories.JobRepository, enough to exercise
// the Manager's persistence calls without a real database.
type fakeJobRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Job
	seq  int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{rows: make(map[string]domain.Job)}
}

func (r *fakeJobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Request.ID == "" {
		r.seq++
		job.Request.ID = "generated-id"
	}
	r.rows[job.Request.ID] = *job
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (r *fakeJobRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Request.IdempotencyKey == key {
			cp := row
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeJobRepo) Update(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[job.Request.ID]; !ok {
		return repositories.ErrNotFound
	}
	r.rows[job.Request.ID] = *job
	return nil
}

func (r *fakeJobRepo) List(ctx context.Context, status string, opts repositories.ListOptions) ([]domain.Job, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, row := range r.rows {
		if status == "" || string(row.Status) == status {
			out = append(out, row)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeJobRepo) ListByAgent(ctx context.Context, agentID string, opts repositories.ListOptions) ([]domain.Job, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, row := range r.rows {
		if row.AssignedAgentID == agentID {
			out = append(out, row)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeJobRepo) ListTimedOut(ctx context.Context, now time.Time) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, row := range r.rows {
		if row.Status.Terminal() || row.Request.Timeout <= 0 || row.AssignedAt.IsZero() {
			continue
		}
		if row.AssignedAt.Add(row.Request.Timeout).Before(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, row := range r.rows {
		if row.Status == domain.JobPending {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeDeadLetterRepo struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
}

func (r *fakeDeadLetterRepo) Create(ctx context.Context, entry *domain.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = "dle-" + entry.Job.Request.ID
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeDeadLetterRepo) List(ctx context.Context, opts repositories.ListOptions) ([]domain.DeadLetterEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeadLetterEntry(nil), r.entries...), int64(len(r.entries)), nil
}

func (r *fakeDeadLetterRepo) Delete(ctx context.Context, id string) error { return nil }

func (r *fakeDeadLetterRepo) MarkRetryRequested(ctx context.Context, id string) error { return nil }

func newTestManager() (*Manager, *fakeJobRepo, *fakeDeadLetterRepo) {
	repo := newFakeJobRepo()
	dead := &fakeDeadLetterRepo{}
	return New(repo, dead, nil, nil, zap.NewNop()), repo, dead
}

type capturingProgressSink struct {
	mu   sync.Mutex
	last domain.JobProgress
}

func (s *capturingProgressSink) Update(p domain.JobProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = p
}

func (s *capturingProgressSink) Clear(string) {}

func req(id, idemKey, command string) domain.JobRequest {
	return domain.JobRequest{ID: id, IdempotencyKey: idemKey, Command: command}
}

// Testable property 2: Enqueue/Enqueue with identical IdempotencyKey yields
// the same Job id while a non-terminal Job with that key exists.
func TestEnqueueIdempotentSubmission(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	first, err := m.Enqueue(ctx, req("j1", "k1", "echo"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := m.Enqueue(ctx, req("j2", "k1", "echo"))
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if first.Request.ID != second.Request.ID {
		t.Fatalf("ids differ: %q vs %q", first.Request.ID, second.Request.ID)
	}
}

// Testable property 3: DequeueNext never returns a job whose
// RequiredCapabilities are not covered by the offered set.
func TestDequeueNextRespectsCapabilities(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	r := req("j1", "k1", "deploy")
	r.RequiredCapabilities = []string{"gpu"}
	if _, err := m.Enqueue(ctx, r); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, ok := m.DequeueNext("", []string{"cpu"}, nil); ok {
		t.Fatal("dequeued job without required capability")
	}
	job, ok := m.DequeueNext("", []string{"gpu", "cpu"}, nil)
	if !ok || job.Request.ID != "j1" {
		t.Fatalf("expected j1 to dequeue with matching capability, got %+v ok=%v", job, ok)
	}
}

// Priority ordering: higher priority first, ties broken by creation order.
func TestDequeueNextPriorityOrder(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	low := req("low", "low", "x")
	low.Priority = 1
	high := req("high", "high", "x")
	high.Priority = 10

	if _, err := m.Enqueue(ctx, low); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(ctx, high); err != nil {
		t.Fatal(err)
	}

	job, ok := m.DequeueNext("", nil, nil)
	if !ok || job.Request.ID != "high" {
		t.Fatalf("expected high priority job first, got %+v", job)
	}
}

// Retry-on-failure scenario: MaxRetries=2, two Failed reports then
// Completed, RetryCount ends at 2.
func TestRetryOnFailureThenComplete(t *testing.T) {
	m, _, dead := newTestManager()
	ctx := context.Background()

	r := req("j1", "j1", "flaky")
	r.MaxRetries = 2
	if _, err := m.Enqueue(ctx, r); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		job, ok := m.DequeueNext("node-1", nil, nil)
		if !ok {
			t.Fatalf("iteration %d: expected pending job", i)
		}
		if err := m.Assign(ctx, job.Request.ID, "node-1"); err != nil {
			t.Fatal(err)
		}
		if err := m.Acknowledge(ctx, job.Request.ID, "node-1"); err != nil {
			t.Fatal(err)
		}
		if err := m.Complete(ctx, domain.JobResult{JobID: job.Request.ID, Status: domain.JobFailed, Error: "boom"}); err != nil {
			t.Fatal(err)
		}
	}

	job, ok := m.DequeueNext("node-1", nil, nil)
	if !ok {
		t.Fatal("expected job requeued a final time")
	}
	if err := m.Assign(ctx, job.Request.ID, "node-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Acknowledge(ctx, job.Request.ID, "node-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, domain.JobResult{JobID: job.Request.ID, Status: domain.JobCompleted, Data: []byte("ok")}); err != nil {
		t.Fatal(err)
	}

	final, err := m.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.JobCompleted {
		t.Fatalf("final status = %v, want Completed", final.Status)
	}
	if final.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", final.RetryCount)
	}
	if len(dead.entries) != 0 {
		t.Fatalf("job should not have reached dead letter, got %d entries", len(dead.entries))
	}
}

// Exhausting MaxRetries sends the job to dead letter instead of requeuing
// indefinitely.
func TestRetryExhaustedGoesToDeadLetter(t *testing.T) {
	m, _, dead := newTestManager()
	ctx := context.Background()

	r := req("j1", "j1", "flaky")
	r.MaxRetries = 0
	if _, err := m.Enqueue(ctx, r); err != nil {
		t.Fatal(err)
	}
	job, _ := m.DequeueNext("node-1", nil, nil)
	_ = m.Assign(ctx, job.Request.ID, "node-1")
	_ = m.Acknowledge(ctx, job.Request.ID, "node-1")
	if err := m.Complete(ctx, domain.JobResult{JobID: job.Request.ID, Status: domain.JobFailed, Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	if len(dead.entries) != 1 {
		t.Fatalf("expected 1 dead letter entry, got %d", len(dead.entries))
	}
	if _, ok := m.DequeueNext("node-1", nil, nil); ok {
		t.Fatal("exhausted job should not be requeued")
	}
}

// A duplicate terminal report for an already-terminal job is a no-op.
func TestDuplicateTerminalReportIgnored(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, req("j1", "j1", "echo")); err != nil {
		t.Fatal(err)
	}
	job, _ := m.DequeueNext("node-1", nil, nil)
	_ = m.Assign(ctx, job.Request.ID, "node-1")
	_ = m.Acknowledge(ctx, job.Request.ID, "node-1")
	if err := m.Complete(ctx, domain.JobResult{JobID: job.Request.ID, Status: domain.JobCompleted, Data: []byte("first")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, domain.JobResult{JobID: job.Request.ID, Status: domain.JobFailed, Error: "late duplicate"}); err != nil {
		t.Fatal(err)
	}

	final, err := m.Get(ctx, job.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.JobCompleted {
		t.Fatalf("status changed by duplicate report: %v", final.Status)
	}
	if string(final.Result.Data) != "first" {
		t.Fatalf("result overwritten by duplicate report: %q", final.Result.Data)
	}
}

// Timeout dead-letter scenario: a timed-out job with no retry
// budget lands in the dead letter with a reason mentioning timeout.
func TestTimeoutExhaustedDeadLetters(t *testing.T) {
	m, _, dead := newTestManager()
	ctx := context.Background()

	r := req("j1", "j1", "sleep")
	r.MaxRetries = 0
	r.Timeout = time.Second
	if _, err := m.Enqueue(ctx, r); err != nil {
		t.Fatal(err)
	}
	job, _ := m.DequeueNext("node-1", nil, nil)
	_ = m.Assign(ctx, job.Request.ID, "node-1")

	if err := m.Complete(ctx, domain.JobResult{JobID: job.Request.ID, Status: domain.JobTimedOut, Error: "deadline exceeded"}); err != nil {
		t.Fatal(err)
	}

	if len(dead.entries) != 1 {
		t.Fatalf("expected dead letter entry, got %d", len(dead.entries))
	}
	if dead.entries[0].Reason != "timeout exhausted" {
		t.Fatalf("reason = %q, want to mention timeout", dead.entries[0].Reason)
	}
}

// Cancelling a pending job removes it from the queue and clears the
// idempotency index so a fresh submission with the same key is accepted.
func TestCancelPendingJobFreesIdempotencyKey(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, req("j1", "k1", "echo")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cancel(ctx, "j1", "user requested"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.DequeueNext("", nil, nil); ok {
		t.Fatal("cancelled job should not be dequeued")
	}

	second, err := m.Enqueue(ctx, req("j2", "k1", "echo"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Request.ID != "j2" {
		t.Fatalf("expected fresh job with reused key, got %q", second.Request.ID)
	}
}

// Progress percentage is always clamped into [0,100].
func TestUpdateProgressClampsPercentage(t *testing.T) {
	repo := newFakeJobRepo()
	dead := &fakeDeadLetterRepo{}
	sink := &capturingProgressSink{}
	m := New(repo, dead, sink, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, req("j1", "j1", "echo")); err != nil {
		t.Fatal(err)
	}
	job, _ := m.DequeueNext("node-1", nil, nil)
	_ = m.Assign(ctx, job.Request.ID, "node-1")

	if err := m.UpdateProgress(ctx, domain.JobProgress{JobID: job.Request.ID, Percentage: 150}); err != nil {
		t.Fatal(err)
	}
	if sink.last.Percentage != 100 {
		t.Fatalf("percentage = %v, want clamped to 100", sink.last.Percentage)
	}
	if err := m.UpdateProgress(ctx, domain.JobProgress{JobID: job.Request.ID, Percentage: -20}); err != nil {
		t.Fatal(err)
	}
	if sink.last.Percentage != 0 {
		t.Fatalf("percentage = %v, want clamped to 0", sink.last.Percentage)
	}

	final, err := m.Get(ctx, job.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.JobRunning {
		t.Fatalf("first progress report should promote to Running, got %v", final.Status)
	}
}
