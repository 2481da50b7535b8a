package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

type fakeReporter struct {
	mu        sync.Mutex
	acks      []string
	progress  []domain.JobProgress
	results   []domain.JobResult
	streamed  []domain.StreamItem
	ackErr    error
}

func (f *fakeReporter) AcknowledgeJob(ctx context.Context, jobID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, jobID)
	return f.ackErr
}

func (f *fakeReporter) ReportProgress(ctx context.Context, progress domain.JobProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeReporter) ReportResult(ctx context.Context, result domain.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeReporter) ReportStreamItem(ctx context.Context, item domain.StreamItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, item)
	return nil
}

func (f *fakeReporter) lastResult() (domain.JobResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return domain.JobResult{}, false
	}
	return f.results[len(f.results)-1], true
}

func waitForResult(t *testing.T, r *fakeReporter) domain.JobResult {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if res, ok := r.lastResult(); ok {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job result")
	return domain.JobResult{}
}

func TestExecuteAcknowledgesThenReportsResult(t *testing.T) {
	reporter := &fakeReporter{}
	d := New(reporter, func() string { return "agent-1" }, zap.NewNop())
	d.Register("echo", HandlerFunc(func(cc CommandContext) domain.JobResult {
		return domain.JobResult{Status: domain.JobCompleted, Data: map[string]any{"ok": true}}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Handle(transport.Inbound{Kind: transport.InboundExecuteJob, JobRequest: domain.JobRequest{ID: "job-1", Command: "echo"}})

	res := waitForResult(t, reporter)
	if res.JobID != "job-1" || res.Status != domain.JobCompleted {
		t.Fatalf("result = %+v", res)
	}
	reporter.mu.Lock()
	acks := append([]string(nil), reporter.acks...)
	reporter.mu.Unlock()
	if len(acks) != 1 || acks[0] != "job-1" {
		t.Fatalf("acks = %v, want [job-1]", acks)
	}
}

func TestExecuteUnknownCommandFailsWithoutHandler(t *testing.T) {
	reporter := &fakeReporter{}
	d := New(reporter, func() string { return "agent-1" }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Handle(transport.Inbound{Kind: transport.InboundExecuteJob, JobRequest: domain.JobRequest{ID: "job-2", Command: "nonexistent"}})

	res := waitForResult(t, reporter)
	if res.Status != domain.JobFailed {
		t.Fatalf("status = %v, want JobFailed", res.Status)
	}
}

func TestCancelJobSignalsHandlerContext(t *testing.T) {
	reporter := &fakeReporter{}
	d := New(reporter, func() string { return "agent-1" }, zap.NewNop())

	cancelled := make(chan struct{})
	d.Register("long", HandlerFunc(func(cc CommandContext) domain.JobResult {
		<-cc.Cancel
		close(cancelled)
		return domain.JobResult{Status: domain.JobCancelled}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Handle(transport.Inbound{Kind: transport.InboundExecuteJob, JobRequest: domain.JobRequest{ID: "job-3", Command: "long"}})
	// Give execute() a moment to register the cancel func before CancelJob fires.
	time.Sleep(20 * time.Millisecond)
	d.Handle(transport.Inbound{Kind: transport.InboundCancelJob, JobID: "job-3"})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler was not cancelled")
	}
	res := waitForResult(t, reporter)
	if res.Status != domain.JobCancelled {
		t.Fatalf("status = %v, want JobCancelled", res.Status)
	}
}

func TestQueueFullDropsJobInsteadOfBlocking(t *testing.T) {
	reporter := &fakeReporter{}
	d := New(reporter, func() string { return "agent-1" }, zap.NewNop())
	// No Run() goroutine draining the queue: every Handle call enqueues
	// without blocking until the buffer is full, then the excess is dropped.
	for i := 0; i < queueSize+5; i++ {
		d.Handle(transport.Inbound{Kind: transport.InboundExecuteJob, JobRequest: domain.JobRequest{ID: "job-x", Command: "noop"}})
	}
	if len(d.queue) != queueSize {
		t.Fatalf("queue length = %d, want %d", len(d.queue), queueSize)
	}
}

func TestProgressReporterClampsPercentage(t *testing.T) {
	reporter := &fakeReporter{}
	d := New(reporter, func() string { return "agent-1" }, zap.NewNop())
	d.Register("prog", HandlerFunc(func(cc CommandContext) domain.JobResult {
		cc.Progress.Progress(150, "overshoot")
		return domain.JobResult{Status: domain.JobCompleted}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Handle(transport.Inbound{Kind: transport.InboundExecuteJob, JobRequest: domain.JobRequest{ID: "job-4", Command: "prog"}})
	waitForResult(t, reporter)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.progress) != 1 || reporter.progress[0].Percentage != 100 {
		t.Fatalf("progress = %+v, want clamped to 100", reporter.progress)
	}
}
