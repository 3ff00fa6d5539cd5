package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// DefaultPollInterval is how often Await checks for the flag file.
const DefaultPollInterval = 5 * time.Second

// Signal is the "fixes applied" flag file. The pipeline clears and consumes
// it; the fixing agent only creates it.
type Signal struct {
	path     string
	interval time.Duration
	watch    bool
	logger   *zap.Logger
}

// SignalOption configures a Signal.
type SignalOption func(*Signal)

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) SignalOption {
	return func(s *Signal) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWatch also wakes Await on file-system events for the flag file.
// Polling remains active underneath.
func WithWatch(on bool) SignalOption {
	return func(s *Signal) { s.watch = on }
}

// WithSignalLogger sets the logger.
func WithSignalLogger(l *zap.Logger) SignalOption {
	return func(s *Signal) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSignal creates a Signal for the flag file at path.
func NewSignal(path string, opts ...SignalOption) *Signal {
	s := &Signal{path: path, interval: DefaultPollInterval, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the flag file path.
func (s *Signal) Path() string { return s.path }

// Clear removes a stale flag. A missing flag is not an error.
func (s *Signal) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear signal %s: %w", s.path, err)
	}
	return nil
}

// Raise creates the flag file.
func (s *Signal) Raise() error {
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := pipeline.WriteFile(s.path, []byte(stamp)); err != nil {
		return fmt.Errorf("raise signal: %w", err)
	}
	return nil
}

// Present reports whether the flag file exists.
func (s *Signal) Present() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// consume deletes the flag and reports whether it was there.
func (s *Signal) consume() bool {
	return os.Remove(s.path) == nil
}

// Await blocks until the flag appears, consuming it, or until timeout
// elapses. A timeout or cancellation returns false.
func (s *Signal) Await(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if s.watch {
		w, err := s.watcher()
		if err != nil {
			s.logger.Warn("signal watch unavailable, polling only", zap.Error(err))
		} else {
			defer w.Close()
			events, errs = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if s.consume() {
			return true
		}
		select {
		case <-ctx.Done():
			// One last look so a flag raised right at the deadline is not lost.
			return s.consume()
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("signal watch error", zap.Error(err))
		}
	}
}

func (s *Signal) watcher() (*fsnotify.Watcher, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return w, nil
}
