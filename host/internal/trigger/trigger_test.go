package trigger

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []startCall
}

type startCall struct {
	defID     string
	input     map[string]any
	triggerID string
}

func (f *fakeStarter) Start(ctx context.Context, def *domain.WorkflowDefinition, input map[string]any, triggerID, correlationID string) (*domain.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startCall{defID: def.ID, input: input, triggerID: triggerID})
	return &domain.WorkflowInstance{ID: "inst-" + def.ID, WorkflowID: def.ID}, nil
}

type fakeDefRepo struct {
	rows map[string]*domain.WorkflowDefinition
}

func (r *fakeDefRepo) Create(ctx context.Context, def *domain.WorkflowDefinition) error { return nil }
func (r *fakeDefRepo) GetByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	d, ok := r.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return d, nil
}
func (r *fakeDefRepo) GetByNameVersion(ctx context.Context, name, version string) (*domain.WorkflowDefinition, error) {
	return nil, repositories.ErrNotFound
}
func (r *fakeDefRepo) GetLatestByName(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	return nil, repositories.ErrNotFound
}
func (r *fakeDefRepo) Update(ctx context.Context, def *domain.WorkflowDefinition) error { return nil }
func (r *fakeDefRepo) Delete(ctx context.Context, id string) error                      { return nil }
func (r *fakeDefRepo) List(ctx context.Context, opts repositories.ListOptions) ([]domain.WorkflowDefinition, int64, error) {
	return nil, 0, nil
}
func (r *fakeDefRepo) ListActive(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	var out []domain.WorkflowDefinition
	for _, d := range r.rows {
		out = append(out, *d)
	}
	return out, nil
}

func TestProcessEventStartsMatchingRegistrations(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID:       "wf-1",
		IsActive: true,
		Triggers: []domain.TriggerDefinition{
			{ID: "t1", Type: domain.TriggerEvent, EventType: "order.created", Enabled: true},
		},
	}
	starter := &fakeStarter{}
	m, err := New(&fakeDefRepo{rows: map[string]*domain.WorkflowDefinition{def.ID: def}}, starter, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m.Activate(def)

	insts, err := m.ProcessEvent(context.Background(), "order.created", map[string]any{"id": "o1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 {
		t.Fatalf("started %d instances, want 1", len(insts))
	}
	if len(starter.started) != 1 || starter.started[0].triggerID != "t1" {
		t.Fatalf("started calls = %+v", starter.started)
	}
}

func TestProcessEventFilterExcludesNonMatching(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wf-1",
		Triggers: []domain.TriggerDefinition{
			{ID: "t1", Type: domain.TriggerEvent, EventType: "order.created", Enabled: true, Filter: `amount > 100`},
		},
	}
	starter := &fakeStarter{}
	m, err := New(&fakeDefRepo{rows: map[string]*domain.WorkflowDefinition{def.ID: def}}, starter, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m.Activate(def)

	insts, err := m.ProcessEvent(context.Background(), "order.created", map[string]any{"amount": 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 0 {
		t.Fatalf("expected filter to exclude event, got %d instances", len(insts))
	}

	insts, err = m.ProcessEvent(context.Background(), "order.created", map[string]any{"amount": 200})
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 {
		t.Fatalf("expected filter to admit event, got %d instances", len(insts))
	}
}

func TestDeactivateRemovesRegistrations(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wf-1",
		Triggers: []domain.TriggerDefinition{
			{ID: "t1", Type: domain.TriggerEvent, EventType: "order.created", Enabled: true},
		},
	}
	starter := &fakeStarter{}
	m, err := New(&fakeDefRepo{rows: map[string]*domain.WorkflowDefinition{def.ID: def}}, starter, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m.Activate(def)
	m.Deactivate(def.ID)

	insts, err := m.ProcessEvent(context.Background(), "order.created", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 0 {
		t.Fatalf("expected no instances after deactivation, got %d", len(insts))
	}
}

func TestProcessWebhookValidatesSecretAndMethod(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wf-1",
		Triggers: []domain.TriggerDefinition{
			{
				ID: "t1", Type: domain.TriggerWebhook, WebhookPath: "/hooks/deploy", Enabled: true,
				WebhookSecret: "s3cret", AllowedMethods: []string{"POST"},
			},
		},
	}
	starter := &fakeStarter{}
	m, err := New(&fakeDefRepo{rows: map[string]*domain.WorkflowDefinition{def.ID: def}}, starter, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m.Activate(def)

	if _, err := m.ProcessWebhook(context.Background(), "/hooks/deploy", "POST", nil, map[string]string{"X-Webhook-Secret": "wrong"}); err == nil {
		t.Fatal("expected error for invalid secret")
	}
	if _, err := m.ProcessWebhook(context.Background(), "/hooks/deploy", "GET", nil, map[string]string{"X-Webhook-Secret": "s3cret"}); err == nil {
		t.Fatal("expected error for disallowed method")
	}
	if _, err := m.ProcessWebhook(context.Background(), "/HOOKS/DEPLOY", "POST", nil, map[string]string{"X-Webhook-Secret": "s3cret"}); err != nil {
		t.Fatalf("expected case-insensitive path match and valid secret to succeed, got %v", err)
	}
}

func TestTriggerManuallyStartsWorkflow(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "wf-1",
		Triggers: []domain.TriggerDefinition{
			{ID: "t1", Type: domain.TriggerManual, Enabled: true},
		},
	}
	starter := &fakeStarter{}
	m, err := New(&fakeDefRepo{rows: map[string]*domain.WorkflowDefinition{def.ID: def}}, starter, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	inst, err := m.TriggerManually(context.Background(), "wf-1", map[string]any{"foo": "bar"}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if inst.WorkflowID != "wf-1" {
		t.Fatalf("workflow id = %q, want wf-1", inst.WorkflowID)
	}
	if len(starter.started) != 1 || starter.started[0].triggerID != "t1" {
		t.Fatalf("started calls = %+v", starter.started)
	}
	if starter.started[0].input["_initiatedBy"] != "alice" {
		t.Fatalf("input = %+v, want _initiatedBy=alice", starter.started[0].input)
	}
}
