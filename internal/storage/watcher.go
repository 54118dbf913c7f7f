package storage

import (
	"context"
	"path/filepath"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event reports a volume appearing or disappearing below a media root
type Event struct {
	Volume  string
	Removed bool
}

// Watcher follows mounts below the media roots
type Watcher struct {
	w      *fsnotify.Watcher
	events chan Event
}

// NewWatcher watches every existing media root, missing roots are skipped
func NewWatcher(roots []string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := 0
	for _, root := range roots {
		if err = w.Add(root); err != nil {
			log.Debug("media root not watched", zap.String("root", root), zap.Error(err))
			continue
		}
		watched++
	}

	if watched == 0 {
		log.Warn("no media root could be watched, removable storage changes go unnoticed")
	}

	return &Watcher{
		w:      w,
		events: make(chan Event, 8),
	}, nil
}

// Events is closed once Run returns
func (sw *Watcher) Events() <-chan Event {
	return sw.events
}

// Run forwards mount changes until ctx is done
func (sw *Watcher) Run(ctx context.Context) error {
	defer close(sw.events)
	defer sw.w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-sw.w.Errors:
			if !ok {
				return nil
			}
			log.Warn("storage watcher error", zap.Error(err))

		case ev, ok := <-sw.w.Events:
			if !ok {
				return nil
			}

			var out Event
			switch {
			case ev.Has(fsnotify.Create):
				out = Event{Volume: filepath.Clean(ev.Name)}
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				out = Event{Volume: filepath.Clean(ev.Name), Removed: true}
			default:
				continue
			}

			log.Info("removable storage changed", zap.String("volume", out.Volume), zap.Bool("removed", out.Removed))

			select {
			case sw.events <- out:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
