// Package persistworker implements the PersistenceWorker: a coalescing
// dirty-state buffer keyed by character_id, flushed in batches on a timer
// or size threshold, with bounded exponential-backoff retry on transient
// failure. The backing repository is treated as a pure storage primitive
// behind the Persister interface — all batching, coalescing, and retry
// scheduling lives here.
package persistworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Entry is one coalesced dirty snapshot awaiting flush.
type Entry struct {
	CharacterID int64
	Snapshot    []byte
	DirtySeq    uint64
}

// Persister performs the actual durable write of a batch. Implementations
// live in internal/db; this package never imports pgx directly.
type Persister interface {
	FlushBatch(ctx context.Context, entries []Entry) error
}

// Config controls flush cadence and retry behavior.
type Config struct {
	FlushTick   time.Duration
	BatchSize   int
	MaxFlushLag time.Duration
}

func DefaultConfig() Config {
	return Config{FlushTick: 2 * time.Second, BatchSize: 300, MaxFlushLag: 12 * time.Second}
}

// Worker is the PersistenceWorker.
type Worker struct {
	cfg       Config
	persister Persister

	mu      sync.Mutex
	buffer  map[int64]*bufferedEntry
	seq     uint64
	errCh   chan error
	closing chan struct{}
	done    chan struct{}
}

type bufferedEntry struct {
	snapshot []byte
	dirtySeq uint64
}

// New creates a Worker. Errors reported from permanently-failed flushes are
// delivered on the returned channel; callers must drain it (it is
// buffered, but a dead listener will eventually make Worker block on a
// failed-flush report rather than silently dropping it).
func New(cfg Config, persister Persister) *Worker {
	return &Worker{
		cfg:       cfg,
		persister: persister,
		buffer:    make(map[int64]*bufferedEntry),
		errCh:     make(chan error, 64),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Errors returns the channel on which permanent flush failures are
// reported (the entries remain queued, not dropped).
func (w *Worker) Errors() <-chan error { return w.errCh }

// Enqueue overwrites the buffered snapshot for characterID, bumping its
// dirty_seq. Later values overwrite earlier ones within a flush window.
func (w *Worker) Enqueue(characterID int64, snapshot []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.buffer[characterID] = &bufferedEntry{snapshot: snapshot, dirtySeq: w.seq}
}

// bufferLen reports the current coalesced buffer size (for batch-size
// triggering and tests).
func (w *Worker) bufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// PendingCount exposes the coalesced buffer size for the admin HTTP
// surface's GET /runtime/persistence endpoint.
func (w *Worker) PendingCount() int {
	return w.bufferLen()
}

// Run drives the flush loop until ctx is cancelled or Shutdown is called.
// On return, the buffer has already been flushed synchronously.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushTick)
	defer ticker.Stop()

	checkInterval := w.cfg.FlushTick / 4
	if checkInterval <= 0 {
		checkInterval = 10 * time.Millisecond
	}
	sizeTicker := time.NewTicker(checkInterval)
	defer sizeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushSync(context.Background())
			return
		case <-w.closing:
			w.flushSync(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-sizeTicker.C:
			if w.bufferLen() >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		}
	}
}

// Shutdown stops Run, flushing synchronously before it returns. Safe to
// call once; Run must be running in another goroutine.
func (w *Worker) Shutdown() {
	close(w.closing)
	<-w.done
}

func (w *Worker) drain() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(w.buffer))
	for charID, e := range w.buffer {
		out = append(out, Entry{CharacterID: charID, Snapshot: e.snapshot, DirtySeq: e.dirtySeq})
	}
	w.buffer = make(map[int64]*bufferedEntry)
	return out
}

// requeue restores entries that failed permanently, without clobbering
// anything enqueued in the meantime with a newer dirty_seq.
func (w *Worker) requeue(entries []Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		existing, ok := w.buffer[e.CharacterID]
		if ok && existing.dirtySeq > e.DirtySeq {
			continue
		}
		w.buffer[e.CharacterID] = &bufferedEntry{snapshot: e.Snapshot, dirtySeq: e.DirtySeq}
	}
}

func (w *Worker) flush(ctx context.Context) {
	entries := w.drain()
	if len(entries) == 0 {
		return
	}
	w.flushEntries(ctx, entries)
}

// flushSync is used on shutdown: it must drain the buffer including any
// final writes, but applies the same retry discipline as a normal flush.
func (w *Worker) flushSync(ctx context.Context) {
	entries := w.drain()
	if len(entries) == 0 {
		return
	}
	w.flushEntries(ctx, entries)
}

func (w *Worker) flushEntries(ctx context.Context, entries []Entry) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.cfg.MaxFlushLag

	err := backoff.Retry(func() error {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return w.persister.FlushBatch(flushCtx, entries)
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		slog.Error("persistworker: permanent flush failure, re-queuing", "entries", len(entries), "error", err)
		w.requeue(entries)
		select {
		case w.errCh <- fmt.Errorf("persistworker: flush failed after retries: %w", err):
		default:
			slog.Warn("persistworker: error channel full, dropping error notification")
		}
		return
	}
	slog.Debug("persistworker: flushed batch", "entries", len(entries))
}
