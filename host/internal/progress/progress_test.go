package progress

import (
	"testing"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

func TestUpdateTracksLatestAndHistory(t *testing.T) {
	s := New()
	s.Update(domain.JobProgress{JobID: "j1", Percentage: 10, Message: "starting"})
	s.Update(domain.JobProgress{JobID: "j1", Percentage: 50, Message: "halfway"})

	latest, ok := s.Latest("j1")
	if !ok || latest.Percentage != 50 {
		t.Fatalf("latest = %+v, ok=%v", latest, ok)
	}
	hist := s.History("j1")
	if len(hist) != 2 || hist[0].Percentage != 10 || hist[1].Percentage != 50 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestHistoryBoundedToLimit(t *testing.T) {
	s := New()
	for i := 0; i < DefaultHistoryLimit+20; i++ {
		s.Update(domain.JobProgress{JobID: "j1", Percentage: i % 101})
	}
	hist := s.History("j1")
	if len(hist) != DefaultHistoryLimit {
		t.Fatalf("history length = %d, want %d", len(hist), DefaultHistoryLimit)
	}
}

func TestSubscribeReceivesUpdatesUntilUnsubscribed(t *testing.T) {
	s := New()
	var received []int
	sub := s.Subscribe("j1", func(p domain.JobProgress) {
		received = append(received, p.Percentage)
	})

	s.Update(domain.JobProgress{JobID: "j1", Percentage: 10})
	s.Unsubscribe(sub)
	s.Update(domain.JobProgress{JobID: "j1", Percentage: 20})

	if len(received) != 1 || received[0] != 10 {
		t.Fatalf("received = %v, want [10]", received)
	}
}

func TestClearRemovesHistoryAndSubscribers(t *testing.T) {
	s := New()
	called := false
	s.Subscribe("j1", func(domain.JobProgress) { called = true })
	s.Update(domain.JobProgress{JobID: "j1", Percentage: 10})
	called = false

	s.Clear("j1")
	if _, ok := s.Latest("j1"); ok {
		t.Fatal("latest should be gone after Clear")
	}
	if hist := s.History("j1"); hist != nil {
		t.Fatalf("history should be gone after Clear, got %v", hist)
	}

	s.Update(domain.JobProgress{JobID: "j1", Percentage: 30})
	if called {
		t.Fatal("subscriber should have been detached by Clear")
	}
}
