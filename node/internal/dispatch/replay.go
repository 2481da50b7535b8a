package dispatch

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

const (
	// replayQueueMaxEntries bounds the outbound buffer while disconnected.
	replayQueueMaxEntries = 100
	// replayQueueMaxAge drops entries nobody replayed within this window —
	// stale ACKs/progress for a job the host has likely already timed out.
	replayQueueMaxAge = time.Hour
)

// outboundKind discriminates which Reporter method a buffered entry replays.
type outboundKind int

const (
	outboundAck outboundKind = iota
	outboundProgress
	outboundResult
	outboundStreamItem
)

type outboundEntry struct {
	kind      outboundKind
	at        time.Time
	jobID     string
	agentID   string
	progress  domain.JobProgress
	result    domain.JobResult
	streamItm domain.StreamItem
}

// ReplayQueue wraps a Reporter so that calls made while disconnected are
// buffered instead of lost, and replayed in order once the connection
// manager supplies a new live Reporter after reconnect.
// Oldest entries are dropped first on overflow or once they age out —
// duplicate terminal reports are accepted idempotently by the host, so
// replaying a stale ACK/progress that the host already moved past is
// harmless, but keeping the buffer bounded matters more than perfect
// delivery of ancient updates.
type ReplayQueue struct {
	mu     sync.Mutex
	live   Reporter
	buffer *list.List // of *outboundEntry, oldest first
	logger *zap.Logger
}

// NewReplayQueue creates a ReplayQueue with no live Reporter — every call
// buffers until SetLive is called.
func NewReplayQueue(logger *zap.Logger) *ReplayQueue {
	return &ReplayQueue{
		buffer: list.New(),
		logger: logger.Named("replay_queue"),
	}
}

// SetLive installs the current connection's Reporter and replays whatever
// is buffered, oldest first. Call with nil on disconnect.
func (q *ReplayQueue) SetLive(ctx context.Context, live Reporter) {
	q.mu.Lock()
	q.live = live
	q.mu.Unlock()

	if live == nil {
		return
	}
	q.flush(ctx)
}

func (q *ReplayQueue) flush(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.buffer.Len() == 0 || q.live == nil {
			q.mu.Unlock()
			return
		}
		front := q.buffer.Front()
		entry := front.Value.(*outboundEntry)
		live := q.live
		q.mu.Unlock()

		if time.Since(entry.at) > replayQueueMaxAge {
			q.mu.Lock()
			q.buffer.Remove(front)
			q.mu.Unlock()
			continue
		}

		if err := replay(ctx, live, entry); err != nil {
			q.logger.Warn("replay failed, will retry on next reconnect", zap.Error(err))
			return
		}

		q.mu.Lock()
		q.buffer.Remove(front)
		q.mu.Unlock()
	}
}

func replay(ctx context.Context, live Reporter, e *outboundEntry) error {
	switch e.kind {
	case outboundAck:
		return live.AcknowledgeJob(ctx, e.jobID, e.agentID)
	case outboundProgress:
		return live.ReportProgress(ctx, e.progress)
	case outboundResult:
		return live.ReportResult(ctx, e.result)
	case outboundStreamItem:
		return live.ReportStreamItem(ctx, e.streamItm)
	default:
		return nil
	}
}

func (q *ReplayQueue) enqueue(e *outboundEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffer.PushBack(e)
	for q.buffer.Len() > replayQueueMaxEntries {
		q.buffer.Remove(q.buffer.Front())
	}
}

func (q *ReplayQueue) AcknowledgeJob(ctx context.Context, jobID, agentID string) error {
	q.mu.Lock()
	live := q.live
	q.mu.Unlock()
	if live != nil {
		if err := live.AcknowledgeJob(ctx, jobID, agentID); err == nil {
			return nil
		}
	}
	q.enqueue(&outboundEntry{kind: outboundAck, at: time.Now(), jobID: jobID, agentID: agentID})
	return nil
}

func (q *ReplayQueue) ReportProgress(ctx context.Context, progress domain.JobProgress) error {
	q.mu.Lock()
	live := q.live
	q.mu.Unlock()
	if live != nil {
		if err := live.ReportProgress(ctx, progress); err == nil {
			return nil
		}
	}
	q.enqueue(&outboundEntry{kind: outboundProgress, at: time.Now(), jobID: progress.JobID, progress: progress})
	return nil
}

func (q *ReplayQueue) ReportResult(ctx context.Context, result domain.JobResult) error {
	q.mu.Lock()
	live := q.live
	q.mu.Unlock()
	if live != nil {
		if err := live.ReportResult(ctx, result); err == nil {
			return nil
		}
	}
	q.enqueue(&outboundEntry{kind: outboundResult, at: time.Now(), jobID: result.JobID, result: result})
	return nil
}

func (q *ReplayQueue) ReportStreamItem(ctx context.Context, item domain.StreamItem) error {
	q.mu.Lock()
	live := q.live
	q.mu.Unlock()
	if live != nil {
		if err := live.ReportStreamItem(ctx, item); err == nil {
			return nil
		}
	}
	q.enqueue(&outboundEntry{kind: outboundStreamItem, at: time.Now(), jobID: item.JobID, streamItm: item})
	return nil
}
