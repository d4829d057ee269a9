package store

import (
	"log/slog"
	"sync"
	"time"
)

// Flusher batches hot-path writes behind a short debounce so counter
// updates do not hammer the database. Callers mark dirty keys with a
// closure that performs the actual persist; the newest closure for a key
// wins. Boundary events (state transitions, decisions, shutdown) call
// FlushNow.
type Flusher struct {
	mu       sync.Mutex
	dirty    map[string]func() error
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewFlusher creates a flusher with the given debounce interval. The
// interval defaults to 5 s when zero.
func NewFlusher(interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		dirty:    make(map[string]func() error),
		interval: interval,
		logger:   logger.With("component", "store.Flusher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (f *Flusher) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.FlushNow()
			case <-f.stop:
				f.FlushNow()
				return
			}
		}
	}()
}

// Stop flushes outstanding writes and terminates the loop.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.started {
		f.started = true // prevent a later Start
		f.mu.Unlock()
		f.FlushNow()
		return
	}
	f.mu.Unlock()

	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	<-f.done
}

// Mark schedules a write for the key. Marking the same key again before
// the flush replaces the pending closure.
func (f *Flusher) Mark(key string, persist func() error) {
	f.mu.Lock()
	f.dirty[key] = persist
	f.mu.Unlock()
}

// FlushNow drains the dirty set synchronously. Persistence errors are
// logged, never returned; in-memory state stays authoritative.
func (f *Flusher) FlushNow() {
	f.mu.Lock()
	if len(f.dirty) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.dirty
	f.dirty = make(map[string]func() error)
	f.mu.Unlock()

	for key, persist := range batch {
		if err := persist(); err != nil {
			f.logger.Error("write-behind flush failed", "key", key, "error", err)
		}
	}
}

// Pending reports the number of dirty keys awaiting flush.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirty)
}
