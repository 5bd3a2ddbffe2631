// Package wal implements the write-ahead log (spec §4.3): an unbounded
// in-memory append queue flushed to the object store periodically and
// on demand. Grounded on the teacher's internal/storage/wal.go
// (buffered Append/Close/Sync shape), re-targeted from a local
// *os.File with a bufio.Writer to a slice of pending rows PUT as a
// single object-store blob, since there is no append-to-object
// operation in the Store interface.
package wal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/metrics"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"go.uber.org/zap"
)

// WAL buffers appended rows in memory and periodically (or on explicit
// Flush) serializes and PUTs them as one timestamped blob under
// wal/wal-<ms>.
type WAL struct {
	store objstore.Store
	metr  *metrics.Metrics
	log   *zap.SugaredLogger

	mu      sync.Mutex
	pending []*row.Row
	closed  bool

	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup

	// lastFlushMs is the millisecond timestamp suffix of the newest
	// wal/wal-<ms> blob durably written so far — internal/checkpoint's
	// wal-offset field is this timestamp, not a byte offset, since WAL
	// durability is many independent blobs rather than one seekable
	// stream (spec §9's open question on checkpoint offset semantics).
	lastFlushMs atomic.Uint64
}

// Open starts a WAL with a background flush loop at the given interval.
func Open(store objstore.Store, flushInterval time.Duration, m *metrics.Metrics, log *zap.SugaredLogger) *WAL {
	w := &WAL{
		store:         store,
		metr:          m,
		log:           log,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w
}

// Append buffers r for the next flush. It does not itself touch the
// object store — durability is only guaranteed after Flush/Close.
func (w *WAL) Append(r *row.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return kverrors.ErrClosed
	}
	w.pending = append(w.pending, r)
	if w.metr != nil {
		w.metr.WALPendingRows.Set(float64(len(w.pending)))
	}
	return nil
}

// Flush serializes and PUTs any pending rows as a new wal/wal-<ms> blob,
// then clears the pending buffer. A no-op if nothing is pending.
func (w *WAL) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.pending
	w.pending = nil
	w.mu.Unlock()

	var buf []byte
	for _, r := range rows {
		buf = row.EncodeWAL(buf, r)
	}

	ms := time.Now().UnixMilli()
	key := fmt.Sprintf("wal/wal-%d", ms)
	if err := w.store.Put(ctx, key, buf); err != nil {
		// Put the rows back so a later flush can retry them — spec §7's
		// "background workers log and continue" policy for
		// StoreUnavailable relies on the next iteration retrying
		// implicitly, which requires not losing the buffered rows.
		w.mu.Lock()
		w.pending = append(rows, w.pending...)
		if w.metr != nil {
			w.metr.WALPendingRows.Set(float64(len(w.pending)))
		}
		w.mu.Unlock()
		return kverrors.Unavailable("wal-flush", err)
	}
	w.lastFlushMs.Store(uint64(ms))
	if w.metr != nil {
		w.metr.WALBytesWritten.Add(float64(len(buf)))
		w.metr.WALFlushesTotal.Inc()
		w.metr.WALPendingRows.Set(0)
	}
	return nil
}

// LastFlushMs returns the timestamp suffix of the newest WAL blob
// durably written so far, or 0 if nothing has been flushed yet.
func (w *WAL) LastFlushMs() uint64 {
	return w.lastFlushMs.Load()
}

func (w *WAL) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.Flush(ctx); err != nil {
				w.log.Warnw("wal periodic flush failed", "error", err)
			}
			cancel()
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the periodic flush loop and drains any pending rows with
// a final flush.
func (w *WAL) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	return w.Flush(ctx)
}
