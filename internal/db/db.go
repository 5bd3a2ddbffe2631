// Package db wires every collaborator — object store, sequence
// allocator, WAL, LSM coordinator, checkpointer, leader lease, and
// metrics — behind the single upstream interface spec §6 names:
// Put/Get/Delete/Flush/RecoverFromWAL/IsLeader/Close. Grounded on the
// teacher's internal/broker/broker.go constructor-wiring shape (a
// config struct, an Open/New that builds each collaborator and returns
// one handle owning them all), generalized from one storage dependency
// to the seven components spec §2 names.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/echodb/echodb/internal/cache"
	"github.com/echodb/echodb/internal/checkpoint"
	"github.com/echodb/echodb/internal/config"
	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/lease"
	"github.com/echodb/echodb/internal/logging"
	"github.com/echodb/echodb/internal/lsm"
	"github.com/echodb/echodb/internal/metrics"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/recovery"
	"github.com/echodb/echodb/internal/row"
	"github.com/echodb/echodb/internal/seq"
	"github.com/echodb/echodb/internal/wal"
	"go.uber.org/zap"
)

// Database is the top-level handle spec §6's upstream interface binds
// to. One instance per process, holding exactly one of each
// collaborator (spec §9's "global state... owned resource" note).
type Database struct {
	store objstore.Store
	seq   *seq.Allocator
	wal   *wal.WAL
	lsm   *lsm.Coordinator
	cp    *checkpoint.Checkpointer
	lease *lease.Lease
	cache cache.Cache
	metr  *metrics.Metrics
	log   *zap.SugaredLogger

	// mu is the database lock from spec §5: held in read mode by the
	// write path (the memtable beneath is itself thread-safe), in write
	// mode by Flush and Close to freeze all writers.
	mu sync.RWMutex

	closed bool
}

// Open wires every collaborator against store and starts their
// background workers, including the leader lease state machine whose
// recovery callback is bound to this Database's RecoverFromWAL.
func Open(ctx context.Context, store objstore.Store, cfg config.Config, nodeID string, designated bool) (*Database, error) {
	log := logging.New("echodb")
	m := metrics.New()

	c := cache.New(cache.Policy(cfg.CachePolicy), cfg.CacheBytes)

	cp, err := checkpoint.Open(ctx, store, cfg.CheckpointInterval, log)
	if err != nil {
		return nil, err
	}

	lsmCfg := lsm.DefaultConfig()
	lsmCfg.MemtableBytes = cfg.MemtableBytes
	lsmCfg.MemtableMaxImmutable = cfg.MemtableMaxImmutable
	lsmCfg.CompactionInterval = cfg.CompactionInterval

	coordinator, err := lsm.Open(ctx, store, cp, c, lsmCfg, m, log)
	if err != nil {
		return nil, err
	}

	w := wal.Open(store, cfg.WALFlushInterval, m, log)
	allocator, err := seq.Open(ctx, store, m, log)
	if err != nil {
		return nil, err
	}

	d := &Database{
		store: store,
		seq:   allocator,
		wal:   w,
		lsm:   coordinator,
		cp:    cp,
		cache: c,
		metr:  m,
		log:   log,
	}

	leaseCfg := lease.DefaultConfig(nodeID)
	leaseCfg.LeaseDuration = cfg.LeaseDuration
	leaseCfg.HeartbeatInterval = cfg.LeaseHeartbeat
	leaseCfg.Designated = designated

	d.lease = lease.New(leaseCfg, store, func(ctx context.Context) {
		if err := d.RecoverFromWAL(ctx); err != nil {
			log.Errorw("WAL recovery after leadership acquisition failed", "error", err)
		}
		m.LeaseAcquisitions.Inc()
	}, m, log)
	d.lease.Start(ctx)

	if designated {
		// Designated mode never runs tryAcquire, so the recovery
		// callback that a contested acquisition would have fired must
		// be driven explicitly here (spec §4.9's single-node bootstrap).
		if err := d.RecoverFromWAL(ctx); err != nil {
			log.Errorw("WAL recovery during designated-leader startup failed", "error", err)
		}
	}

	return d, nil
}

// Put applies a PUT at a freshly allocated sequence, per spec §2's
// write path: leader check, sequence allocator, WAL append, memtable
// insert.
func (d *Database) Put(ctx context.Context, key, value []byte) error {
	return d.write(ctx, key, value, false)
}

// Delete applies a tombstone at a freshly allocated sequence.
func (d *Database) Delete(ctx context.Context, key []byte) error {
	return d.write(ctx, key, nil, true)
}

func (d *Database) write(ctx context.Context, key, value []byte, tombstone bool) error {
	start := time.Now()
	defer func() { d.metr.WriteLatency.Observe(time.Since(start).Seconds()) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return kverrors.ErrClosed
	}
	if !d.lease.IsLeader() {
		d.metr.WriteErrors.WithLabelValues("not_leader").Inc()
		return kverrors.ErrNotLeader
	}

	s := d.seq.Next()
	ts := uint64(time.Now().UnixMilli())

	op := "put"
	kind := row.Put
	if tombstone {
		op = "delete"
		kind = row.Delete
		value = nil
	}

	r := &row.Row{Seq: s, Kind: kind, Key: key, Value: value, Ts: ts}
	if err := d.wal.Append(r); err != nil {
		d.metr.WriteErrors.WithLabelValues("wal_append").Inc()
		return err
	}

	var err error
	if tombstone {
		err = d.lsm.DeleteWithSeq(ctx, key, s, ts)
	} else {
		err = d.lsm.PutWithSeq(ctx, key, value, s, ts)
	}
	if err != nil {
		d.metr.WriteErrors.WithLabelValues("lsm_apply").Inc()
		return err
	}

	d.metr.WritesTotal.WithLabelValues(op).Inc()
	d.metr.CheckpointLagSeq.Set(float64(s) - float64(d.cp.Current().LastFlushedSeq))
	return nil
}

// Get returns the live value at key, per spec §4.6's level probe order.
func (d *Database) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	start := time.Now()
	defer func() { d.metr.ReadLatency.Observe(time.Since(start).Seconds()) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, false, kverrors.ErrClosed
	}

	d.metr.ReadsTotal.Inc()
	return d.lsm.Get(ctx, key)
}

// Flush flushes the WAL first, so the checkpoint's wal-offset marker
// reflects a durably-written blob, then flushes the memtable to L0
// (spec §4.6's four-step flush, §4.7's checkpoint-tied ordering).
func (d *Database) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return kverrors.ErrClosed
	}

	if err := d.wal.Flush(ctx); err != nil {
		d.log.Warnw("wal flush before lsm flush failed, proceeding with last known offset", "error", err)
	}
	d.lsm.SetWALOffset(d.wal.LastFlushMs())

	return d.lsm.Flush(ctx)
}

// RecoverFromWAL replays the WAL from the current checkpoint forward
// into the LSM coordinator (spec §4.8), run on cold start and on every
// leadership acquisition via the lease's recovery callback.
func (d *Database) RecoverFromWAL(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return kverrors.ErrClosed
	}
	return recovery.Recover(ctx, d.store, d.cp, d.lsm, d.log)
}

// IsLeader reports whether this node currently holds the leader lease.
func (d *Database) IsLeader() bool {
	return d.lease.IsLeader()
}

// Close drains pending writes, stops every background worker, persists
// final sequence/checkpoint state, releases the leader lease if held,
// and releases resources (spec §5's shutdown sequence).
func (d *Database) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return kverrors.ErrClosed
	}
	d.closed = true
	d.mu.Unlock()

	d.lease.Stop(ctx)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(d.wal.Close(ctx))
	record(d.lsm.Close(ctx))
	record(d.cp.Close(ctx))
	record(d.seq.Close(ctx))
	record(d.store.Close())

	return firstErr
}

// Metrics exposes the Prometheus collectors for an HTTP /metrics handler.
func (d *Database) Metrics() *metrics.Metrics {
	return d.metr
}
