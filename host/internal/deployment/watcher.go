package deployment

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// profileWatcher debounces filesystem changes under one profile's
// SourcePath and invokes onChange at most once per DebounceInterval.
type profileWatcher struct {
	profile domain.DeploymentProfile
	fsw     *fsnotify.Watcher
	onChange func()
	logger  *zap.Logger
	done    chan struct{}
}

func newProfileWatcher(profile domain.DeploymentProfile, onChange func(), logger *zap.Logger) (*profileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(profile.SourcePath); err != nil {
		fsw.Close()
		return nil, err
	}
	return &profileWatcher{
		profile:  profile,
		fsw:      fsw,
		onChange: onChange,
		logger:   logger.With(zap.String("profile_id", profile.ID), zap.String("source_path", profile.SourcePath)),
		done:     make(chan struct{}),
	}, nil
}

func (w *profileWatcher) close() {
	close(w.done)
	w.fsw.Close()
}

func (w *profileWatcher) run(ctx context.Context) {
	debounce := w.profile.DebounceInterval
	if debounce <= 0 {
		debounce = time.Second
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !matchesAny(filepath.Base(ev.Name), w.profile.Include) || matchesAny(filepath.Base(ev.Name), w.profile.Exclude) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerC = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))

		case <-timerC:
			timerC = nil
			w.onChange()
		}
	}
}
