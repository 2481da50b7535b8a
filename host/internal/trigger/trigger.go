// Package trigger activates WorkflowDefinitions from external signals:
// cron schedules, application events, inbound webhooks, and manual starts.
// Registrations are derived from each active WorkflowDefinition's Triggers
// and kept in two lookup indexes (by EventType, by upper-cased WebhookPath)
// plus one gocron schedule per Schedule-type trigger.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/expr"
)

// Starter is the subset of workflow.Engine that trigger needs, kept as an
// interface so this package never imports workflow (workflow already
// imports jobmanager/router/notify; trigger sits above all of them and is
// wired from main, not from workflow).
type Starter interface {
	Start(ctx context.Context, def *domain.WorkflowDefinition, input map[string]any, triggerID, correlationID string) (*domain.WorkflowInstance, error)
}

type registration struct {
	def     *domain.WorkflowDefinition
	trigger domain.TriggerDefinition
}

// Manager indexes active triggers and fires workflow instances in response
// to events, webhooks, schedules, and manual requests.
type Manager struct {
	mu        sync.RWMutex
	byEvent   map[string][]registration
	byWebhook map[string][]registration

	cron   gocron.Scheduler
	defs   repositories.WorkflowDefinitionRepository
	engine Starter
	logger *zap.Logger
}

// New creates a Manager with its own gocron scheduler instance.
func New(defs repositories.WorkflowDefinitionRepository, engine Starter, logger *zap.Logger) (*Manager, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("trigger: create scheduler: %w", err)
	}
	return &Manager{
		byEvent:   make(map[string][]registration),
		byWebhook: make(map[string][]registration),
		cron:      cron,
		defs:      defs,
		engine:    engine,
		logger:    logger.Named("trigger"),
	}, nil
}

// Start loads every active WorkflowDefinition, registers its triggers, and
// starts the underlying gocron scheduler. Call once at process startup.
func (m *Manager) Start(ctx context.Context) error {
	active, err := m.defs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load active definitions: %w", err)
	}
	for i := range active {
		m.Activate(&active[i])
	}
	m.cron.Start()
	m.logger.Info("trigger manager started", zap.Int("definitions", len(active)))
	return nil
}

// Stop shuts down the gocron scheduler, waiting for in-flight schedule
// callbacks to finish.
func (m *Manager) Stop() error {
	return m.cron.Shutdown()
}

// Activate indexes def's enabled triggers, registering a gocron job for
// each Schedule trigger. Call again after a definition is updated;
// Deactivate first to drop its old registrations.
func (m *Manager) Activate(def *domain.WorkflowDefinition) {
	m.Deactivate(def.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range def.Triggers {
		if !t.Enabled {
			continue
		}
		reg := registration{def: def, trigger: t}
		switch t.Type {
		case domain.TriggerEvent:
			m.byEvent[t.EventType] = append(m.byEvent[t.EventType], reg)
		case domain.TriggerWebhook:
			key := strings.ToUpper(t.WebhookPath)
			m.byWebhook[key] = append(m.byWebhook[key], reg)
		case domain.TriggerSchedule:
			m.scheduleLocked(reg)
		}
	}
}

// Deactivate removes every registration (event, webhook, schedule) belonging
// to workflowID, called before re-activating an updated definition or when a
// definition is disabled/deleted.
func (m *Manager) Deactivate(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, regs := range m.byEvent {
		m.byEvent[k] = filterOut(regs, workflowID)
	}
	for k, regs := range m.byWebhook {
		m.byWebhook[k] = filterOut(regs, workflowID)
	}
	m.cron.RemoveByTags(workflowID)
}

func filterOut(regs []registration, workflowID string) []registration {
	out := regs[:0]
	for _, r := range regs {
		if r.def.ID != workflowID {
			out = append(out, r)
		}
	}
	return out
}

// scheduleLocked registers one gocron job for a Schedule trigger. Callers
// must hold m.mu.
func (m *Manager) scheduleLocked(reg registration) {
	_, err := m.cron.NewJob(
		gocron.CronJob(reg.trigger.Schedule, false),
		gocron.NewTask(func(workflowID, triggerID string) {
			if err := m.fireSchedule(workflowID, triggerID); err != nil {
				m.logger.Error("schedule trigger failed",
					zap.String("workflow_id", workflowID), zap.String("trigger_id", triggerID), zap.Error(err))
			}
		}, reg.def.ID, reg.trigger.ID),
		gocron.WithTags(reg.def.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		m.logger.Error("failed to register schedule trigger",
			zap.String("workflow_id", reg.def.ID), zap.String("trigger_id", reg.trigger.ID),
			zap.String("schedule", reg.trigger.Schedule), zap.Error(err))
	}
}

func (m *Manager) fireSchedule(workflowID, triggerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	def, err := m.defs.GetByID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load definition: %w", err)
	}
	_, err = m.engine.Start(ctx, def, nil, triggerID, "")
	return err
}

// ProcessEvent starts an instance for every enabled Event trigger registered
// for eventType whose Filter expression (if any) matches data.
func (m *Manager) ProcessEvent(ctx context.Context, eventType string, data map[string]any) ([]*domain.WorkflowInstance, error) {
	m.mu.RLock()
	regs := append([]registration(nil), m.byEvent[eventType]...)
	m.mu.RUnlock()

	eval := expr.New()
	var started []*domain.WorkflowInstance
	for _, reg := range regs {
		if reg.trigger.Filter != "" {
			ok, err := eval.EvalBool(reg.trigger.Filter, data)
			if err != nil {
				m.logger.Warn("event filter evaluation failed, skipping",
					zap.String("workflow_id", reg.def.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}
		input := mapInput(reg.trigger.InputMapping, data)
		inst, err := m.engine.Start(ctx, reg.def, input, reg.trigger.ID, "")
		if err != nil {
			m.logger.Warn("failed to start workflow from event", zap.String("workflow_id", reg.def.ID), zap.Error(err))
			continue
		}
		started = append(started, inst)
	}
	return started, nil
}

// ProcessWebhook validates method/secret and starts an instance for the
// registered Webhook trigger matching path. path is matched
// case-insensitively.
func (m *Manager) ProcessWebhook(ctx context.Context, path, method string, body []byte, headers map[string]string) (*domain.WorkflowInstance, error) {
	m.mu.RLock()
	regs := append([]registration(nil), m.byWebhook[strings.ToUpper(path)]...)
	m.mu.RUnlock()
	if len(regs) == 0 {
		return nil, fmt.Errorf("trigger: no webhook registered for path %q", path)
	}
	reg := regs[0]

	if len(reg.trigger.AllowedMethods) > 0 && !containsFold(reg.trigger.AllowedMethods, method) {
		return nil, fmt.Errorf("trigger: method %q not allowed for webhook %q", method, path)
	}
	if reg.trigger.WebhookSecret != "" && headers["X-Webhook-Secret"] != reg.trigger.WebhookSecret {
		return nil, fmt.Errorf("trigger: invalid webhook secret for %q", path)
	}

	var data map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("trigger: webhook body is not a JSON object: %w", err)
		}
	}
	input := mapInput(reg.trigger.InputMapping, data)
	return m.engine.Start(ctx, reg.def, input, reg.trigger.ID, "")
}

// TriggerManually starts def's workflow from an explicit user request,
// validating input against the definition's Manual trigger (if one is
// registered, its InputSchema is enforced by Engine.Start).
func (m *Manager) TriggerManually(ctx context.Context, workflowID string, input map[string]any, initiatedBy string) (*domain.WorkflowInstance, error) {
	def, err := m.defs.GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("trigger: load definition: %w", err)
	}
	triggerID := ""
	for _, t := range def.Triggers {
		if t.Type == domain.TriggerManual && t.Enabled {
			triggerID = t.ID
			break
		}
	}
	if input == nil {
		input = map[string]any{}
	}
	input["_initiatedBy"] = initiatedBy
	return m.engine.Start(ctx, def, input, triggerID, "")
}

func mapInput(mapping map[string]string, data map[string]any) map[string]any {
	if len(mapping) == 0 {
		return data
	}
	eval := expr.New()
	out := make(map[string]any, len(mapping))
	for target, srcExpr := range mapping {
		v, err := eval.Eval(srcExpr, data)
		if err != nil {
			continue
		}
		out[target] = v
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
