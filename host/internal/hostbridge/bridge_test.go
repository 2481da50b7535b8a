package hostbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/progress"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

type fakeSession struct {
	id transport.ConnectionID
}

func (f *fakeSession) ID() transport.ConnectionID                                     { return f.id }
func (f *fakeSession) ExecuteJob(ctx context.Context, req domain.JobRequest) error     { return nil }
func (f *fakeSession) CancelJob(ctx context.Context, jobID string) error               { return nil }
func (f *fakeSession) Ping(ctx context.Context) error                                  { return nil }
func (f *fakeSession) UpdateDesiredState(ctx context.Context, s map[string]string) error { return nil }
func (f *fakeSession) Shutdown(ctx context.Context, reason string) error               { return nil }
func (f *fakeSession) Close() error                                                    { return nil }

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: make(map[string]*domain.Job)} }

func (r *fakeJobRepo) Create(ctx context.Context, j *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *j
	r.jobs[j.Request.ID] = &cp
	return nil
}
func (r *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *j
	return &cp, nil
}
func (r *fakeJobRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Request.IdempotencyKey == key {
			cp := *j
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}
func (r *fakeJobRepo) Update(ctx context.Context, j *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *j
	r.jobs[j.Request.ID] = &cp
	return nil
}
func (r *fakeJobRepo) List(ctx context.Context, status string, opts repositories.ListOptions) ([]domain.Job, int64, error) {
	return nil, 0, nil
}
func (r *fakeJobRepo) ListByAgent(ctx context.Context, agentID string, opts repositories.ListOptions) ([]domain.Job, int64, error) {
	return nil, 0, nil
}
func (r *fakeJobRepo) ListTimedOut(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return nil, nil
}
func (r *fakeJobRepo) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	return nil, nil
}

type fakeDeadLetterRepo struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
}

func (r *fakeDeadLetterRepo) Create(ctx context.Context, e *domain.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
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
	return r.entries, int64(len(r.entries)), nil
}
func (r *fakeDeadLetterRepo) Delete(ctx context.Context, id string) error           { return nil }
func (r *fakeDeadLetterRepo) MarkRetryRequested(ctx context.Context, id string) error { return nil }

type fakeEnrollmentRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Enrollment
}

func newFakeEnrollmentRepo() *fakeEnrollmentRepo {
	return &fakeEnrollmentRepo{rows: make(map[string]*domain.Enrollment)}
}
func (r *fakeEnrollmentRepo) Create(ctx context.Context, e *domain.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.rows[e.NodeID] = &cp
	return nil
}
func (r *fakeEnrollmentRepo) GetByAgentID(ctx context.Context, agentID string) (*domain.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[agentID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *e
	return &cp, nil
}
func (r *fakeEnrollmentRepo) Update(ctx context.Context, e *domain.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.rows[e.NodeID] = &cp
	return nil
}
func (r *fakeEnrollmentRepo) List(ctx context.Context, opts repositories.ListOptions) ([]domain.Enrollment, int64, error) {
	return nil, 0, nil
}

type fakeBootstrapTokenRepo struct {
	token *domain.BootstrapToken
}

func (r *fakeBootstrapTokenRepo) Get(ctx context.Context) (*domain.BootstrapToken, error) {
	if r.token == nil {
		return nil, repositories.ErrNotFound
	}
	cp := *r.token
	return &cp, nil
}
func (r *fakeBootstrapTokenRepo) Upsert(ctx context.Context, t *domain.BootstrapToken) error {
	cp := *t
	r.token = &cp
	return nil
}

func newTestBridge(t *testing.T, bootstrap repositories.BootstrapTokenRepository, enroll repositories.EnrollmentRepository) (*Bridge, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop(), nil, time.Second, 3)
	mgr := jobmanager.New(newFakeJobRepo(), &fakeDeadLetterRepo{}, nil, nil, zap.NewNop())
	progSvc := progress.New()
	b := New(reg, mgr, progSvc, nil, nil, bootstrap, enroll, zap.NewNop())
	return b, reg
}

func TestRegisterWithoutPendingSessionFails(t *testing.T) {
	b, _ := newTestBridge(t, nil, nil)
	_, err := b.Register(context.Background(), domain.AgentInfo{ID: "node-1", ConnectionID: "conn-1"})
	if err == nil {
		t.Fatal("expected registration without a prior connect event to fail")
	}
}

func TestRegisterSucceedsAfterConnectionEvent(t *testing.T) {
	b, reg := newTestBridge(t, nil, nil)
	sess := &fakeSession{id: "conn-1"}
	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-1", Session: sess})

	result, err := b.Register(context.Background(), domain.AgentInfo{ID: "node-1", ConnectionID: "conn-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.AssignedAgentID != "node-1" {
		t.Fatalf("result = %+v", result)
	}
	if info, ok := reg.Get("node-1"); !ok || info.Status != domain.AgentReady {
		t.Fatalf("registry state = %+v, ok=%v", info, ok)
	}
}

func TestEnrollmentGateRejectsWithoutBootstrapToken(t *testing.T) {
	bootstrap := &fakeBootstrapTokenRepo{}
	enroll := newFakeEnrollmentRepo()
	b, _ := newTestBridge(t, bootstrap, enroll)
	sess := &fakeSession{id: "conn-1"}
	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-1", Session: sess})

	_, err := b.Register(context.Background(), domain.AgentInfo{ID: "node-1", ConnectionID: "conn-1"})
	if err == nil {
		t.Fatal("expected registration to fail with no bootstrap token configured")
	}
}

func TestEnrollmentGateAutoApprovesValidToken(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	bootstrap := &fakeBootstrapTokenRepo{token: &domain.BootstrapToken{
		ID: "tok-1", Hash: hash, IsEnabled: true, AutoApprove: true,
	}}
	enroll := newFakeEnrollmentRepo()
	b, reg := newTestBridge(t, bootstrap, enroll)
	sess := &fakeSession{id: "conn-1"}
	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-1", Session: sess})

	result, err := b.Register(context.Background(), domain.AgentInfo{
		ID: "node-1", ConnectionID: "conn-1",
		Metadata: map[string]string{"bootstrapToken": "s3cret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if _, ok := reg.Get("node-1"); !ok {
		t.Fatal("expected node to be registered after auto-approval")
	}
	if rec, err := enroll.GetByAgentID(context.Background(), "node-1"); err != nil || rec.Status != domain.EnrollmentApproved {
		t.Fatalf("enrollment record = %+v, err=%v", rec, err)
	}
}

func TestEnrollmentGateRejectsWrongSecret(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	bootstrap := &fakeBootstrapTokenRepo{token: &domain.BootstrapToken{
		ID: "tok-1", Hash: hash, IsEnabled: true, AutoApprove: true,
	}}
	enroll := newFakeEnrollmentRepo()
	b, _ := newTestBridge(t, bootstrap, enroll)
	sess := &fakeSession{id: "conn-1"}
	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-1", Session: sess})

	_, err = b.Register(context.Background(), domain.AgentInfo{
		ID: "node-1", ConnectionID: "conn-1",
		Metadata: map[string]string{"bootstrapToken": "wrong-secret"},
	})
	if err == nil {
		t.Fatal("expected registration to fail with a wrong bootstrap secret")
	}
}

func TestEnrollmentPendingBlocksRegistrationUntilApproved(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	bootstrap := &fakeBootstrapTokenRepo{token: &domain.BootstrapToken{
		ID: "tok-1", Hash: hash, IsEnabled: true, AutoApprove: false,
	}}
	enroll := newFakeEnrollmentRepo()
	b, reg := newTestBridge(t, bootstrap, enroll)
	sess := &fakeSession{id: "conn-1"}
	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-1", Session: sess})

	_, err = b.Register(context.Background(), domain.AgentInfo{
		ID: "node-1", ConnectionID: "conn-1",
		Metadata: map[string]string{"bootstrapToken": "s3cret"},
	})
	if err == nil {
		t.Fatal("expected registration to fail while enrollment is pending")
	}
	if _, ok := reg.Get("node-1"); ok {
		t.Fatal("node should not appear in registry while enrollment is pending")
	}

	rec, err := enroll.GetByAgentID(context.Background(), "node-1")
	if err != nil {
		t.Fatal(err)
	}
	rec.Status = domain.EnrollmentApproved
	if err := enroll.Update(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-2", Session: &fakeSession{id: "conn-2"}})
	result, err := b.Register(context.Background(), domain.AgentInfo{ID: "node-1", ConnectionID: "conn-2"})
	if err != nil {
		t.Fatalf("expected registration to succeed once approved, got %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
}

func TestOnConnectionEventDisconnectNotifiesJobManager(t *testing.T) {
	b, reg := newTestBridge(t, nil, nil)
	sess := &fakeSession{id: "conn-1"}
	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventConnected, ConnectionID: "conn-1", Session: sess})
	if _, err := b.Register(context.Background(), domain.AgentInfo{ID: "node-1", ConnectionID: "conn-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.jobs.Enqueue(context.Background(), domain.JobRequest{ID: "job-1", IdempotencyKey: "key-1", Command: "echo"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.jobs.DequeueNext("node-1", nil, nil); !ok {
		t.Fatal("expected job-1 to be dequeued")
	}
	if err := b.jobs.Assign(context.Background(), "job-1", "node-1"); err != nil {
		t.Fatal(err)
	}

	b.OnConnectionEvent(transport.ConnectionEvent{Kind: transport.EventDisconnected, ConnectionID: "conn-1"})

	info, ok := reg.Get("node-1")
	if !ok || info.Status != domain.AgentDisconnected {
		t.Fatalf("registry state after disconnect = %+v, ok=%v", info, ok)
	}
	job, err := b.jobs.Get(context.Background(), "job-1")
	if err != nil || job.Status != domain.JobPending || job.AssignedAgentID != "" {
		t.Fatalf("job after disconnect = %+v, err=%v; want reassigned to Pending", job, err)
	}
}
