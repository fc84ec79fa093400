package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the dataset when its snapshot file is replaced or rewritten.
type Watcher struct {
	path     string
	holder   *Holder
	debounce time.Duration
	logger   *zap.Logger

	// OnReload, when set, is called after each successful swap.
	OnReload func(*Dataset)
	// OnError, when set, is called after each failed reload.
	OnError func(error)
}

func NewWatcher(path string, holder *Holder, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		holder:   holder,
		debounce: debounce,
		logger:   logger.Named("watcher"),
	}
}

// Run blocks until ctx is done. The snapshot's directory is watched rather than the file,
// because an atomic replace gives the path a new inode.
func (w *Watcher) Run(ctx context.Context) error {
	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve snapshot path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	w.logger.Info("watching dataset snapshot", zap.String("path", target))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || name != target {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	ds, err := LoadDataset(w.path)
	if err != nil {
		w.logger.Error("dataset reload failed, keeping previous dataset", zap.Error(err))
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	w.holder.Swap(ds)
	w.logger.Info("dataset reloaded",
		zap.Int("entities", ds.Store.Len()),
		zap.Int64("rows", ds.Stats.Passed),
		zap.Int64("rejected", ds.Stats.Rejected),
	)
	if w.OnReload != nil {
		w.OnReload(ds)
	}
}
