// Package dispatch is the node-side half of the transport contract.
// It receives transport.Inbound values off the connection, routes
// ExecuteJob calls to a registered handler by Command, and reports ACK,
// progress, stream items, and the terminal result back to the host. The
// handler registry covers the four interaction patterns: fire-and-forget,
// request/response, streaming, and long-running.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

// Reporter is the host-facing surface a Dispatcher uses to report back.
// transport.HostHandler satisfies it directly; tests can substitute a fake.
type Reporter interface {
	AcknowledgeJob(ctx context.Context, jobID, agentID string) error
	ReportProgress(ctx context.Context, progress domain.JobProgress) error
	ReportResult(ctx context.Context, result domain.JobResult) error
	ReportStreamItem(ctx context.Context, item domain.StreamItem) error
}

// ProgressReporter is handed to a Handler so it can emit JobProgress updates
// without knowing about the transport.
type ProgressReporter interface {
	Progress(percentage int, message string)
	Stream(data []byte, final bool)
}

// CommandContext carries everything a Handler needs to run one job.
type CommandContext struct {
	Ctx      context.Context
	JobID    string
	Request  domain.JobRequest
	Progress ProgressReporter
	Cancel   <-chan struct{}
}

// Handler executes one Command. The Dispatcher handles every variant the
// same way: it waits for Execute to return and reports the result it gets
// (streaming handlers push their own StreamItems and return when the
// sequence ends).
type Handler interface {
	// Execute runs the command. The returned JobResult is reported verbatim
	// for request/response and long-running variants; fire-and-forget and
	// streaming handlers may return a zero-value result, which is reported
	// as JobCompleted with no data.
	Execute(cc CommandContext) domain.JobResult
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(cc CommandContext) domain.JobResult

func (f HandlerFunc) Execute(cc CommandContext) domain.JobResult { return f(cc) }

// queueSize bounds how many ExecuteJob calls can be buffered while a job is
// already running; the node runs one job at a time.
const queueSize = 16

// Dispatcher maps Command to Handler and runs ExecuteJob/CancelJob calls
// delivered off the transport's inbound channel.
type Dispatcher struct {
	reporter Reporter
	agentID  func() string
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	queue chan domain.JobRequest

	running   sync.Mutex
	cancelFns sync.Map // jobID -> context.CancelFunc
}

// New creates a Dispatcher. agentID is a func rather than a string because
// the agent's ID is only known after Register completes, and may be
// re-issued on reconnect.
func New(reporter Reporter, agentID func() string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		reporter: reporter,
		agentID:  agentID,
		logger:   logger.Named("dispatch"),
		handlers: make(map[string]Handler),
		queue:    make(chan domain.JobRequest, queueSize),
	}
}

// Register adds a Handler for a Command. Intended to be called once per
// command at startup, before Run.
func (d *Dispatcher) Register(command string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[command] = h
}

// Handle routes one transport.Inbound value. ExecuteJob is queued for the
// worker loop; CancelJob fires the cancellation handle for a running job if
// one is registered. Ping/UpdateDesiredState/Shutdown are handled by the
// caller (connection.Manager) since they don't concern job execution.
func (d *Dispatcher) Handle(in transport.Inbound) {
	switch in.Kind {
	case transport.InboundExecuteJob:
		select {
		case d.queue <- in.JobRequest:
		default:
			d.logger.Warn("job queue full, rejecting job",
				zap.String("job_id", in.JobRequest.ID))
		}
	case transport.InboundCancelJob:
		if v, ok := d.cancelFns.Load(in.JobID); ok {
			v.(context.CancelFunc)()
		}
	}
}

// Run drains the job queue one job at a time until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case req := <-d.queue:
			d.execute(ctx, req)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, req domain.JobRequest) {
	d.running.Lock()
	defer d.running.Unlock()

	agentID := d.agentID()
	if err := d.reporter.AcknowledgeJob(ctx, req.ID, agentID); err != nil {
		d.logger.Warn("failed to acknowledge job", zap.String("job_id", req.ID), zap.Error(err))
	}

	d.mu.RLock()
	handler, ok := d.handlers[req.Command]
	d.mu.RUnlock()
	if !ok {
		d.reportResult(ctx, domain.JobResult{
			JobID:  req.ID,
			Status: domain.JobFailed,
			Error:  fmt.Sprintf("no handler registered for command %q", req.Command),
		})
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	if req.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, req.Timeout)
		defer timeoutCancel()
	}
	d.cancelFns.Store(req.ID, cancel)
	defer func() {
		cancel()
		d.cancelFns.Delete(req.ID)
	}()

	cc := CommandContext{
		Ctx:     jobCtx,
		JobID:   req.ID,
		Request: req,
		Progress: &progressReporter{
			dispatcher: d,
			ctx:        ctx,
			jobID:      req.ID,
		},
		Cancel: jobCtx.Done(),
	}

	result := handler.Execute(cc)
	if result.JobID == "" {
		result.JobID = req.ID
	}
	if result.Status == "" {
		result.Status = domain.JobCompleted
	}
	d.reportResult(ctx, result)
}

// reportResult reports the terminal outcome. The host accepts duplicate
// terminal reports idempotently, so no dedup is attempted here —
// the queue that actually guards against loss is in connection.Manager's
// replay buffer, which handles the disconnected case.
func (d *Dispatcher) reportResult(ctx context.Context, result domain.JobResult) {
	if err := d.reporter.ReportResult(ctx, result); err != nil {
		d.logger.Warn("failed to report job result",
			zap.String("job_id", result.JobID), zap.Error(err))
	}
}

type progressReporter struct {
	dispatcher *Dispatcher
	ctx        context.Context
	jobID      string
	seq        int
}

func (p *progressReporter) Progress(percentage int, message string) {
	prog := domain.JobProgress{JobID: p.jobID, Percentage: percentage, Message: message}
	prog.ClampPercentage()
	if err := p.dispatcher.reporter.ReportProgress(p.ctx, prog); err != nil {
		p.dispatcher.logger.Warn("failed to report progress",
			zap.String("job_id", p.jobID), zap.Error(err))
	}
}

func (p *progressReporter) Stream(data []byte, final bool) {
	item := domain.StreamItem{JobID: p.jobID, Sequence: p.seq, Data: data, Final: final}
	p.seq++
	if err := p.dispatcher.reporter.ReportStreamItem(p.ctx, item); err != nil {
		p.dispatcher.logger.Warn("failed to report stream item",
			zap.String("job_id", p.jobID), zap.Error(err))
	}
}
