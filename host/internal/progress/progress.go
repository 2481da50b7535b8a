// Package progress tracks per-job progress: the latest
// progress report per job plus a bounded history, fanned out to
// subscribers (the dashboard websocket, workflow WaitForEvent-style
// polling) with no back-pressure guarantees.
package progress

import (
	"sync"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// DefaultHistoryLimit is the default bound on retained progress entries per
// job.
const DefaultHistoryLimit = 100

// Callback receives every progress report for the job it was subscribed to.
type Callback func(domain.JobProgress)

type subscription struct {
	id       uint64
	callback Callback
}

type jobProgress struct {
	latest  domain.JobProgress
	history []domain.JobProgress
	subs    []subscription
}

// Service tracks per-job progress history and subscriber callbacks.
type Service struct {
	mu           sync.Mutex
	jobs         map[string]*jobProgress
	historyLimit int
	nextSubID    uint64
}

// New creates a Service with the default history limit.
func New() *Service {
	return &Service{jobs: make(map[string]*jobProgress), historyLimit: DefaultHistoryLimit}
}

// Update records a progress report and notifies subscribers. p is
// expected to already have its Percentage clamped by the caller
// (jobmanager.Manager.UpdateProgress does this before forwarding here).
func (s *Service) Update(p domain.JobProgress) {
	s.mu.Lock()
	jp, ok := s.jobs[p.JobID]
	if !ok {
		jp = &jobProgress{}
		s.jobs[p.JobID] = jp
	}
	jp.latest = p
	jp.history = append(jp.history, p)
	if over := len(jp.history) - s.historyLimit; over > 0 {
		jp.history = jp.history[over:]
	}
	callbacks := make([]Callback, len(jp.subs))
	for i, sub := range jp.subs {
		callbacks[i] = sub.callback
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(p)
	}
}

// Latest returns the most recent progress report for jobID, if any.
func (s *Service) Latest(jobID string) (domain.JobProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok {
		return domain.JobProgress{}, false
	}
	return jp.latest, true
}

// History returns a copy of the retained progress entries for jobID, oldest
// first, bounded to the history limit.
func (s *Service) History(jobID string) []domain.JobProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]domain.JobProgress, len(jp.history))
	copy(out, jp.history)
	return out
}

// Subscription is an opaque handle returned by Subscribe for use with
// Unsubscribe.
type Subscription struct {
	jobID string
	id    uint64
}

// Subscribe attaches callback to every future progress report for jobID,
// with no back-pressure guarantee: a slow callback delays delivery to
// later subscribers of the same update but never blocks Update's caller
// beyond that one call.
func (s *Service) Subscribe(jobID string, callback Callback) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok {
		jp = &jobProgress{}
		s.jobs[jobID] = jp
	}
	s.nextSubID++
	id := s.nextSubID
	jp.subs = append(jp.subs, subscription{id: id, callback: callback})
	return Subscription{jobID: jobID, id: id}
}

// Unsubscribe detaches a previously registered subscription; it is a no-op
// if already detached (e.g. via Clear).
func (s *Service) Unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[sub.jobID]
	if !ok {
		return
	}
	jp.subs = detach(jp.subs, sub.id)
}

// Clear removes all progress history and detaches every subscriber for
// jobID, called on the job's terminal-state transition.
func (s *Service) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

func detach(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
