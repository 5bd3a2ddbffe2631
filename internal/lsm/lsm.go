// Package lsm implements the LSM coordinator (spec §4.6): the active
// memtable, the immutable flush queue, L0 as an unordered newest-first
// list, and Lk>=1 as level->tables maps, plus the background flush,
// compaction, and discovery workers spec §9 calls for.
//
// Grounded almost entrywise on the teacher's internal/storage/lsm.go
// (Open/Put/Get/Delete/triggerFlush/flushWorker/doFlush/Close/Stats all
// have a direct counterpart here), generalized from a single
// array-of-levels-on-local-disk design to spec's L0-unordered /
// Lk-merged-on-compaction design, with a checkpoint.Checkpointer
// collaborator injected rather than owned, breaking the cyclic
// dependency recovery would otherwise create (internal/recovery calls
// into the Coordinator; the Coordinator must not in turn import
// internal/recovery).
package lsm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/echodb/echodb/internal/cache"
	"github.com/echodb/echodb/internal/checkpoint"
	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/memtable"
	"github.com/echodb/echodb/internal/metrics"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"github.com/echodb/echodb/internal/sstable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config carries the named options from spec §6 that shape the
// coordinator's rotation, flush, compaction, and discovery behavior.
type Config struct {
	MemtableBytes       int64
	MemtableMaxImmutable int
	CompactionInterval  time.Duration
	DiscoveryInterval   time.Duration
	L0CompactionTrigger int
	MaxDiscoveryLevel   int
}

// DefaultConfig matches spec §6's defaults.
func DefaultConfig() Config {
	return Config{
		MemtableBytes:        64 << 20,
		MemtableMaxImmutable: 3,
		CompactionInterval:   10 * time.Minute,
		DiscoveryInterval:    10 * time.Second,
		L0CompactionTrigger:  4,
		MaxDiscoveryLevel:    7,
	}
}

// Coordinator is the LSM tree: an in-memory active/immutable memtable
// pair and an object-store-backed set of sorted tables across levels.
type Coordinator struct {
	store objstore.Store
	cp    *checkpoint.Checkpointer
	cache cache.Cache
	cfg   Config
	metr  *metrics.Metrics
	log   *zap.SugaredLogger

	mu       sync.RWMutex
	active   *memtable.Memtable
	imm      []*memtable.Memtable // oldest first
	l0       []*sstable.Table     // newest first
	levels   map[int][]*sstable.Table
	knownL0  map[string]bool // table id -> known, for discovery
	lastWAL  uint64          // current WAL offset placeholder, set by the caller (internal/db)

	flushCh        chan struct{}
	compactTrigger chan struct{}
	stopCh         chan struct{}
	wg             sync.WaitGroup
	closed         bool

	discoveryLimiter *rate.Limiter
}

// Open discovers every existing SST under data/l0..l<MaxDiscoveryLevel>
// (spec §4.6 "Recovery on startup": no data is read eagerly, only
// listed and registered) and starts the coordinator's background
// workers.
func Open(ctx context.Context, store objstore.Store, cp *checkpoint.Checkpointer, c cache.Cache, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) (*Coordinator, error) {
	co := &Coordinator{
		store:   store,
		cp:      cp,
		cache:   c,
		cfg:     cfg,
		metr:    m,
		log:     log,
		active:  memtable.New(),
		levels:  make(map[int][]*sstable.Table),
		knownL0:        make(map[string]bool),
		flushCh:        make(chan struct{}, 1),
		compactTrigger: make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		// One discovery poll per second per node, well under the 10s
		// timer cadence, to avoid a thundering herd of LIST calls if
		// many followers happen to wake on the same tick.
		discoveryLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}

	for level := 0; level <= cfg.MaxDiscoveryLevel; level++ {
		tables, err := discoverLevel(ctx, store, c, level)
		if err != nil {
			return nil, err
		}
		if level == 0 {
			co.l0 = tables
			for _, t := range tables {
				co.knownL0[t.ID] = true
			}
		} else if len(tables) > 0 {
			co.levels[level] = tables
		}
	}

	if m != nil {
		m.L0TableCount.Set(float64(len(co.l0)))
		for level, tables := range co.levels {
			m.LevelTableCount.WithLabelValues(fmt.Sprintf("%d", level)).Set(float64(len(tables)))
		}
	}

	co.wg.Add(3)
	go co.flushWorker()
	go co.compactionWorker()
	go co.discoveryWorker()

	return co, nil
}

func discoverLevel(ctx context.Context, store objstore.Store, c cache.Cache, level int) ([]*sstable.Table, error) {
	prefix := fmt.Sprintf("data/l%d/", level)
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, kverrors.Unavailable("lsm-discover", err)
	}

	ids := make(map[string]bool)
	for _, k := range keys {
		id, ok := tableIDFromKey(k, prefix)
		if ok {
			ids[id] = true
		}
	}

	var tables []*sstable.Table
	for id := range ids {
		tables = append(tables, sstable.Open(store, c, level, id))
	}
	// Newest-first by id: table ids embed a millisecond timestamp prefix
	// (sstable-<ts>-<uuid>), so a lexical sort of ids already orders by
	// recency for L0's required ordering.
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID > tables[j].ID })
	return tables, nil
}

func tableIDFromKey(key, prefix string) (string, bool) {
	if len(key) <= len(prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	for _, suffix := range []string{".data", ".index"} {
		if len(rest) > len(suffix) && rest[len(rest)-len(suffix):] == suffix {
			return rest[:len(rest)-len(suffix)], true
		}
	}
	return "", false
}

// PutWithSeq applies a live write at an already-assigned sequence,
// rotating the active memtable first if it is full (spec §4.6).
func (co *Coordinator) PutWithSeq(ctx context.Context, key, value []byte, seq, ts uint64) error {
	return co.applyWithSeq(ctx, &row.Row{Seq: seq, Kind: row.Put, Key: key, Value: value, Ts: ts})
}

// DeleteWithSeq applies a tombstone at an already-assigned sequence.
func (co *Coordinator) DeleteWithSeq(ctx context.Context, key []byte, seq, ts uint64) error {
	return co.applyWithSeq(ctx, &row.Row{Seq: seq, Kind: row.Delete, Key: key, Ts: ts})
}

func (co *Coordinator) applyWithSeq(ctx context.Context, r *row.Row) error {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return kverrors.ErrClosed
	}
	co.maybeRotateLocked()
	var err error
	if r.Kind == row.Delete {
		err = co.active.Delete(r.Key, r.Seq, r.Ts)
	} else {
		err = co.active.Put(r.Key, r.Value, r.Seq, r.Ts)
	}
	shouldFlush := len(co.imm) >= co.cfg.MemtableMaxImmutable
	if co.metr != nil {
		co.metr.MemtableBytes.Set(float64(co.active.Bytes()))
	}
	co.mu.Unlock()

	if err != nil {
		return err
	}
	if shouldFlush {
		co.signalFlush()
	}
	return nil
}

// maybeRotateLocked freezes the active memtable and starts a fresh one
// if the active table has crossed the byte threshold. Caller holds mu.
func (co *Coordinator) maybeRotateLocked() {
	if co.active.Bytes() < co.cfg.MemtableBytes {
		return
	}
	co.active.Freeze()
	co.imm = append(co.imm, co.active)
	co.active = memtable.New()
}

// Get probes, in order, the active memtable, immutable memtables
// (newest first), L0 tables (newest first), then L1..Lmax ascending
// (spec §4.6). A tombstone short-circuits as not-found at any level.
func (co *Coordinator) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	co.mu.RLock()
	if co.closed {
		co.mu.RUnlock()
		return nil, false, kverrors.ErrClosed
	}

	if v, status := co.active.Lookup(key); status != memtable.Absent {
		co.mu.RUnlock()
		return v, status == memtable.Live, nil
	}

	for i := len(co.imm) - 1; i >= 0; i-- {
		if v, status := co.imm[i].Lookup(key); status != memtable.Absent {
			co.mu.RUnlock()
			return v, status == memtable.Live, nil
		}
	}

	l0 := append([]*sstable.Table(nil), co.l0...)
	var levelNums []int
	for lvl := range co.levels {
		levelNums = append(levelNums, lvl)
	}
	sort.Ints(levelNums)
	levelTables := make([][]*sstable.Table, len(levelNums))
	for i, lvl := range levelNums {
		levelTables[i] = append([]*sstable.Table(nil), co.levels[lvl]...)
	}
	co.mu.RUnlock()

	for _, t := range l0 {
		v, found, hit, err := getFromTable(ctx, t, key)
		if err != nil {
			return nil, false, err
		}
		if hit {
			return v, found, nil
		}
	}
	for _, tables := range levelTables {
		for _, t := range tables {
			v, found, hit, err := getFromTable(ctx, t, key)
			if err != nil {
				return nil, false, err
			}
			if hit {
				return v, found, nil
			}
		}
	}
	return nil, false, nil
}

// getFromTable reports hit=true when the table settles the lookup —
// either a live value or a tombstone — so the caller stops probing
// further (older) levels. A genuinely absent key reports hit=false so
// the caller falls through (spec §4.6's tombstone short-circuit).
func getFromTable(ctx context.Context, t *sstable.Table, key []byte) (value []byte, found, hit bool, err error) {
	v, status, err := t.Lookup(ctx, key)
	if err != nil {
		return nil, false, false, err
	}
	switch status {
	case sstable.Live:
		return v, true, true, nil
	case sstable.Tombstoned:
		return nil, false, true, nil
	default:
		return nil, false, false, nil
	}
}

func (co *Coordinator) signalFlush() {
	select {
	case co.flushCh <- struct{}{}:
	default:
	}
}

// Flush freezes the active memtable (if non-empty) and flushes every
// immutable memtable to a new L0 SST, per spec §4.6's four-step flush
// algorithm.
func (co *Coordinator) Flush(ctx context.Context) error {
	co.mu.RLock()
	closed := co.closed
	co.mu.RUnlock()
	if closed {
		return kverrors.ErrClosed
	}
	return co.flushLocked(ctx)
}

func (co *Coordinator) flushLocked(ctx context.Context) error {
	co.mu.Lock()
	if co.active.Count() > 0 {
		co.active.Freeze()
		co.imm = append(co.imm, co.active)
		co.active = memtable.New()
	}
	pending := co.imm
	co.imm = nil
	co.mu.Unlock()

	for i, m := range pending {
		if err := co.flushOne(ctx, m); err != nil {
			// Put this memtable and every later one back at the front so a
			// later flush retries them rather than losing their contents.
			co.mu.Lock()
			co.imm = append(append([]*memtable.Memtable(nil), pending[i:]...), co.imm...)
			co.mu.Unlock()
			return err
		}
	}
	return nil
}

func (co *Coordinator) flushOne(ctx context.Context, m *memtable.Memtable) error {
	start := time.Now()
	b := sstable.NewBuilder(0)
	var maxSeq uint64
	m.Rows(func(r *row.Row) bool {
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		return true
	})
	if m.Count() == 0 {
		m.MarkDiscarded()
		return nil
	}
	var addErr error
	m.Rows(func(r *row.Row) bool {
		if err := b.Add(r); err != nil {
			addErr = err
			return false
		}
		return true
	})
	if addErr != nil {
		return addErr
	}

	t, err := b.Finish(ctx, co.store, co.cache)
	if err != nil {
		return err
	}

	co.mu.Lock()
	co.l0 = append([]*sstable.Table{t}, co.l0...)
	co.knownL0[t.ID] = true
	trigger := len(co.l0) > co.cfg.L0CompactionTrigger
	l0Count := len(co.l0)
	co.mu.Unlock()

	m.MarkDiscarded()

	if err := co.cp.Update(ctx, maxSeq, co.lastWAL); err != nil {
		co.log.Warnw("checkpoint update after flush failed", "error", err)
	}

	if co.metr != nil {
		co.metr.FlushesTotal.Inc()
		co.metr.FlushLatency.Observe(time.Since(start).Seconds())
		co.metr.L0TableCount.Set(float64(l0Count))
	}

	if trigger {
		co.signalCompaction()
	}
	co.log.Infow("flushed memtable to L0", "tableID", t.ID, "maxSeq", maxSeq)
	return nil
}

// SetWALOffset records the WAL offset marker the next checkpoint update
// should use — internal/db calls this from Database.Flush right after
// its explicit WAL flush (periodic WAL flushes do not update it), per spec
// §4.7's (last_flushed_seq, last_flushed_wal_offset) pair.
func (co *Coordinator) SetWALOffset(offset uint64) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.lastWAL = offset
}

func (co *Coordinator) flushWorker() {
	defer co.wg.Done()
	for {
		select {
		case <-co.flushCh:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := co.Flush(ctx); err != nil {
				co.log.Warnw("flush worker iteration failed", "error", err)
			}
			cancel()
		case <-co.stopCh:
			return
		}
	}
}

func (co *Coordinator) signalCompaction() {
	select {
	case co.compactTrigger <- struct{}{}:
	default:
	}
}

func (co *Coordinator) compactionWorker() {
	defer co.wg.Done()
	ticker := time.NewTicker(co.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			co.maybeCompact()
		case <-co.compactTrigger:
			co.maybeCompact()
		case <-co.stopCh:
			return
		}
	}
}

func (co *Coordinator) maybeCompact() {
	co.mu.RLock()
	shouldRun := len(co.l0) > co.cfg.L0CompactionTrigger
	co.mu.RUnlock()
	if !shouldRun {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := co.compact(ctx); err != nil {
		co.log.Warnw("compaction failed", "error", err)
	}
}

// compact merges every L0 table with every existing L1 table into one
// new L1 table (spec §4.6): the newest table's entry wins per key, tombstones are
// retained (decision recorded in DESIGN.md: this simplified core never
// drops them, even at the highest level). The old SST blobs are left
// in place for a future sweeper.
func (co *Coordinator) compact(ctx context.Context) error {
	start := time.Now()
	co.mu.RLock()
	l0 := append([]*sstable.Table(nil), co.l0...)
	l1 := append([]*sstable.Table(nil), co.levels[1]...)
	co.mu.RUnlock()

	if len(l0) == 0 && len(l1) == 0 {
		return nil
	}

	merged := make(map[string]*row.Row)
	// L1 oldest-to-newest, then L0 oldest-to-newest, each table's entry
	// replacing any earlier one for the same key. SST rows carry no
	// sequence, so recency comes from table order: a later write always
	// overwrites an earlier one regardless of which level it originated
	// from.
	apply := func(t *sstable.Table) error {
		return t.Iterate(ctx, func(r *row.Row) bool {
			merged[string(r.Key)] = r
			return true
		})
	}
	for i := len(l1) - 1; i >= 0; i-- {
		if err := apply(l1[i]); err != nil {
			return err
		}
	}
	for i := len(l0) - 1; i >= 0; i-- {
		if err := apply(l0[i]); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := sstable.NewBuilder(1)
	for _, k := range keys {
		if err := b.Add(merged[k]); err != nil {
			return err
		}
	}
	if b.Empty() {
		return nil
	}
	newTable, err := b.Finish(ctx, co.store, co.cache)
	if err != nil {
		return err
	}

	co.mu.Lock()
	co.l0 = nil
	co.knownL0 = make(map[string]bool)
	co.levels[1] = []*sstable.Table{newTable}
	co.mu.Unlock()

	if co.metr != nil {
		co.metr.CompactionsTotal.Inc()
		co.metr.CompactionLatency.Observe(time.Since(start).Seconds())
		co.metr.L0TableCount.Set(0)
		co.metr.LevelTableCount.WithLabelValues("1").Set(1)
	}

	co.log.Infow("compacted L0+L1 into new L1 table", "tableID", newTable.ID, "l0TablesMerged", len(l0), "l1TablesMerged", len(l1))
	return nil
}

// discoveryWorker periodically lists data/l0/ for blobs not yet known
// (spec §4.6), letting a follower converge to the leader's published
// state without running the write path.
func (co *Coordinator) discoveryWorker() {
	defer co.wg.Done()
	ticker := time.NewTicker(co.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := co.discoveryLimiter.Wait(context.Background()); err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := co.discover(ctx); err != nil {
				co.log.Warnw("discovery iteration failed", "error", err)
			}
			cancel()
		case <-co.stopCh:
			return
		}
	}
}

func (co *Coordinator) discover(ctx context.Context) error {
	tables, err := discoverLevel(ctx, co.store, co.cache, 0)
	if err != nil {
		return err
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	var added []*sstable.Table
	for _, t := range tables {
		if !co.knownL0[t.ID] {
			co.knownL0[t.ID] = true
			added = append(added, t)
		}
	}
	if len(added) == 0 {
		return nil
	}
	// New tables are newer than anything already known (discovery only
	// ever sees tables the leader has already flushed); prepend to
	// preserve the newest-first invariant.
	co.l0 = append(added, co.l0...)
	if co.metr != nil {
		co.metr.L0TableCount.Set(float64(len(co.l0)))
	}
	co.log.Infow("discovered new L0 tables", "count", len(added))
	return nil
}

// Close stops every background worker and performs a final flush.
func (co *Coordinator) Close(ctx context.Context) error {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return nil
	}
	co.closed = true
	co.mu.Unlock()

	close(co.stopCh)
	co.wg.Wait()
	return co.flushLocked(ctx)
}

// Stats reports point-in-time counts, grounded on the teacher's
// LSM.Stats() shape (internal/storage/lsm.go); the package tests read
// it to check table counts.
type Stats struct {
	ImmutableCount int
	L0Count        int
	LevelCounts    map[int]int
}

func (co *Coordinator) Stats() Stats {
	co.mu.RLock()
	defer co.mu.RUnlock()
	levelCounts := make(map[int]int, len(co.levels))
	for lvl, tables := range co.levels {
		levelCounts[lvl] = len(tables)
	}
	return Stats{
		ImmutableCount: len(co.imm),
		L0Count:        len(co.l0),
		LevelCounts:    levelCounts,
	}
}
