package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

type fakeInstanceRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.WorkflowInstance
}

func newFakeInstanceRepo() *fakeInstanceRepo {
	return &fakeInstanceRepo{rows: make(map[string]*domain.WorkflowInstance)}
}

func (r *fakeInstanceRepo) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inst
	r.rows[inst.ID] = &cp
	return nil
}

func (r *fakeInstanceRepo) GetByID(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeInstanceRepo) Update(ctx context.Context, inst *domain.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inst
	r.rows[inst.ID] = &cp
	return nil
}

func (r *fakeInstanceRepo) List(ctx context.Context, workflowID string, opts repositories.ListOptions) ([]domain.WorkflowInstance, int64, error) {
	return nil, 0, nil
}

func (r *fakeInstanceRepo) ListActive(ctx context.Context) ([]domain.WorkflowInstance, error) {
	return nil, nil
}

func (r *fakeInstanceRepo) ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.WorkflowInstance, error) {
	return nil, nil
}

type fakeDefRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.WorkflowDefinition
}

func newFakeDefRepo(defs ...*domain.WorkflowDefinition) *fakeDefRepo {
	r := &fakeDefRepo{rows: make(map[string]*domain.WorkflowDefinition)}
	for _, d := range defs {
		r.rows[d.ID] = d
	}
	return r
}

func (r *fakeDefRepo) Create(ctx context.Context, def *domain.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[def.ID] = def
	return nil
}

func (r *fakeDefRepo) GetByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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
	return nil, nil
}

func waitForTerminal(t *testing.T, repo *fakeInstanceRepo, id string, timeout time.Duration) *domain.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst, err := repo.GetByID(context.Background(), id)
		if err == nil && (inst.Status.Terminal() || inst.Status == domain.InstancePaused) {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s did not reach a terminal/paused state within %s", id, timeout)
	return nil
}

// Transform + DependsOn: B must not start before A completes, and the
// instance's final output reflects the chained transforms (testable
// property 5: no step begins before its DependsOn are terminal).
func TestEngineRunsDependentTransformSteps(t *testing.T) {
	instRepo := newFakeInstanceRepo()
	def := &domain.WorkflowDefinition{
		ID:      "wf-1",
		Name:    "chain",
		Version: "1.0.0",
		Steps: []domain.WorkflowStep{
			{ID: "a", Type: domain.StepTransform, OutputVariable: "a_out", Config: domain.StepConfig{Transform: &domain.TransformStepConfig{Expression: "1 + 1"}}},
			{ID: "b", Type: domain.StepTransform, DependsOn: []string{"a"}, OutputVariable: "output", Config: domain.StepConfig{Transform: &domain.TransformStepConfig{Expression: "a_out + 1"}}},
		},
	}
	e := New(newFakeDefRepo(def), instRepo, nil, nil, nil, zap.NewNop())

	inst, err := e.Start(context.Background(), def, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	final := waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	if final.Status != domain.InstanceCompleted {
		t.Fatalf("status = %v, want Completed", final.Status)
	}
	if out, ok := final.Output.(int); !ok || out != 3 {
		t.Fatalf("output = %#v, want 3", final.Output)
	}
}

// Conditional step: a false condition skips the step instead of running it.
func TestEngineSkipsStepOnFalseCondition(t *testing.T) {
	instRepo := newFakeInstanceRepo()
	def := &domain.WorkflowDefinition{
		ID:      "wf-2",
		Version: "1.0.0",
		Steps: []domain.WorkflowStep{
			{ID: "skip-me", Type: domain.StepTransform, Condition: "1 == 2", Config: domain.StepConfig{Transform: &domain.TransformStepConfig{Expression: "1"}}},
		},
	}
	e := New(newFakeDefRepo(def), instRepo, nil, nil, nil, zap.NewNop())

	inst, err := e.Start(context.Background(), def, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	if final.Status != domain.InstanceCompleted {
		t.Fatalf("status = %v, want Completed", final.Status)
	}
	si := final.StepInstances["skip-me"]
	if si.Status != domain.StepSkipped {
		t.Fatalf("step status = %v, want Skipped", si.Status)
	}
}

// ForEach fan-out: output is a list whose elements correspond in
// order to the collection.
func TestEngineForEachFanOut(t *testing.T) {
	instRepo := newFakeInstanceRepo()
	def := &domain.WorkflowDefinition{
		ID:      "wf-3",
		Version: "1.0.0",
		Steps: []domain.WorkflowStep{
			{
				ID:             "each",
				Type:           domain.StepForEach,
				OutputVariable: "output",
				Config: domain.StepConfig{ForEach: &domain.ForEachStepConfig{
					CollectionExpr: "[1, 2, 3]",
					ItemVariable:   "item",
					Steps: []domain.WorkflowStep{
						{ID: "echo", Type: domain.StepTransform, OutputVariable: "echoed", Config: domain.StepConfig{Transform: &domain.TransformStepConfig{Expression: "item"}}},
					},
				}},
			},
		},
	}
	e := New(newFakeDefRepo(def), instRepo, nil, nil, nil, zap.NewNop())

	inst, err := e.Start(context.Background(), def, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	if final.Status != domain.InstanceCompleted {
		t.Fatalf("status = %v, want Completed", final.Status)
	}
	items, ok := final.Output.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("output = %#v, want 3-element list", final.Output)
	}
	for i, want := range []int{1, 2, 3} {
		if items[i] != want {
			t.Fatalf("items[%d] = %v, want %v", i, items[i], want)
		}
	}
}

// Wait-for-event: the instance reaches Paused and resumes via
// CompleteEvent.
func TestEngineWaitForEventPausesThenResumes(t *testing.T) {
	instRepo := newFakeInstanceRepo()
	def := &domain.WorkflowDefinition{
		ID:      "wf-4",
		Version: "1.0.0",
		Steps: []domain.WorkflowStep{
			{ID: "gate", Type: domain.StepWaitForEvent, OutputVariable: "output", Config: domain.StepConfig{WaitForEvent: &domain.WaitForEventStepConfig{EventType: "approved", Timeout: time.Hour}}},
		},
	}
	e := New(newFakeDefRepo(def), instRepo, nil, nil, nil, zap.NewNop())

	inst, err := e.Start(context.Background(), def, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	paused := waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	if paused.Status != domain.InstancePaused {
		t.Fatalf("status = %v, want Paused", paused.Status)
	}

	if err := e.CompleteEvent(inst.ID, "gate", map[string]any{"id": "x"}); err != nil {
		t.Fatalf("complete event: %v", err)
	}

	// The stored status stays Paused until the scheduler has resumed and
	// finished, so keep polling past it.
	final := waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	for deadline := time.Now().Add(2 * time.Second); final.Status == domain.InstancePaused && time.Now().Before(deadline); {
		time.Sleep(10 * time.Millisecond)
		final = waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	}
	if final.Status != domain.InstanceCompleted {
		t.Fatalf("status after event = %v, want Completed", final.Status)
	}
}

// Cancel propagates to every non-terminal step.
func TestEngineCancelMarksStepsCancelled(t *testing.T) {
	instRepo := newFakeInstanceRepo()
	def := &domain.WorkflowDefinition{
		ID:      "wf-5",
		Version: "1.0.0",
		Steps: []domain.WorkflowStep{
			{ID: "slow", Type: domain.StepDelay, Config: domain.StepConfig{Delay: &domain.DelayStepConfig{Duration: time.Hour}}},
		},
	}
	e := New(newFakeDefRepo(def), instRepo, nil, nil, nil, zap.NewNop())

	inst, err := e.Start(context.Background(), def, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := e.Cancel(inst.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForTerminal(t, instRepo, inst.ID, 2*time.Second)
	if final.Status != domain.InstanceCancelled {
		t.Fatalf("status = %v, want Cancelled", final.Status)
	}
	if si := final.StepInstances["slow"]; si.Status != domain.StepCancelled {
		t.Fatalf("step status = %v, want Cancelled", si.Status)
	}
}
