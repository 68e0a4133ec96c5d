package ml

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"permnet/logging"
)

// Watcher reloads the predictor when an artifact file in a local directory changes.
type Watcher struct {
	fsw       *fsnotify.Watcher
	predictor *Predictor
	files     map[string]bool
	debounce  time.Duration
	logger    *zap.Logger
	done      chan struct{}
}

// WatchArtifacts starts watching dir for writes to the named artifacts. The watcher stops
// when ctx is cancelled or Close is called.
func WatchArtifacts(ctx context.Context, p *Predictor, dir string, names []string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	logger = logging.OrNop(logger)
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:       fsw,
		predictor: p,
		files:     make(map[string]bool, len(names)),
		debounce:  debounce,
		logger:    logger,
		done:      make(chan struct{}),
	}
	for _, name := range names {
		w.files[name] = true
	}
	go w.run(ctx)
	logger.Info("watching model artifacts", zap.String("dir", dir), zap.Strings("files", names))
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Base(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("artifact changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = w.predictor.Reload(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
