package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// StagesHandler is called with the freshly loaded stage roster after the
// stages file changes. The new roster applies from the next run; in-flight
// runs keep the roster they started with.
type StagesHandler func(stages []string)

// StagesWatcher hot-reloads the stage roster when stages.yaml changes.
type StagesWatcher struct {
	path    string
	handler StagesHandler
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
}

// NewStagesWatcher creates a watcher for the stages file at path.
func NewStagesWatcher(path string, handler StagesHandler, logger *zap.Logger) (*StagesWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &StagesWatcher{
		path:    path,
		handler: handler,
		watcher: w,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Watching the parent directory instead of the file
// itself survives editors that replace the file on save.
func (sw *StagesWatcher) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.started {
		sw.mu.Unlock()
		return nil
	}
	sw.started = true
	sw.mu.Unlock()

	if err := sw.watcher.Add(filepath.Dir(sw.path)); err != nil {
		return err
	}
	go sw.watchLoop(ctx, sw.stopCh)
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (sw *StagesWatcher) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.stopCh != nil {
		close(sw.stopCh)
		sw.stopCh = nil
	}
	_ = sw.watcher.Close()
}

func (sw *StagesWatcher) watchLoop(ctx context.Context, stopCh chan struct{}) {
	target := filepath.Clean(sw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			names, err := readStages(sw.path)
			if err != nil {
				sw.logger.Warn("Ignoring invalid stages config update",
					zap.String("path", sw.path), zap.Error(err))
				continue
			}
			sw.logger.Info("Stage roster reloaded",
				zap.String("path", sw.path), zap.Strings("stages", names))
			sw.handler(names)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("Stages watcher error", zap.Error(err))
		}
	}
}
