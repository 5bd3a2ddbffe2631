// Package memtable implements the in-memory mutable table (spec §3,
// §4.4): a sorted key→Row map with rotation into an immutable list
// ahead of flush. The backing ordered structure is a google/btree.BTree
// rather than a hand-rolled skip list, following cqkv-cqkv's
// keydir/btree.go btree.Item pattern.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/row"
	"github.com/google/btree"
)

const defaultDegree = 32

// state mirrors spec §3's Memtable lifecycle: active (writable) →
// immutable (frozen, pending flush) → discarded (post-flush).
type state int32

const (
	stateActive state = iota
	stateImmutable
	stateDiscarded
)

// item implements btree.Item, ordering purely by key — a later Row at
// the same key replaces the earlier one in place (spec §3).
type item struct {
	row *row.Row
}

func (i item) Less(than btree.Item) bool {
	return bytes.Compare(i.row.Key, than.(item).row.Key) < 0
}

// Memtable is a sorted, thread-safe key→Row buffer.
type Memtable struct {
	mu    sync.RWMutex
	tree  *btree.BTree
	bytes int64
	count int64

	maxSeq atomic.Uint64
	state  atomic.Int32
}

// New returns an empty, active Memtable.
func New() *Memtable {
	return &Memtable{tree: btree.New(defaultDegree)}
}

// Put inserts or replaces the row at key with a live value.
func (m *Memtable) Put(key, value []byte, seq, ts uint64) error {
	return m.apply(&row.Row{Seq: seq, Kind: row.Put, Key: key, Value: value, Ts: ts})
}

// Delete inserts a tombstone at key, shadowing any earlier value.
func (m *Memtable) Delete(key []byte, seq, ts uint64) error {
	return m.apply(&row.Row{Seq: seq, Kind: row.Delete, Key: key, Ts: ts})
}

func (m *Memtable) apply(r *row.Row) error {
	if state(m.state.Load()) != stateActive {
		return kverrors.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	newItem := item{row: r}
	var delta int64
	if old := m.tree.ReplaceOrInsert(newItem); old != nil {
		delta = int64(r.Size()) - int64(old.(item).row.Size())
	} else {
		delta = int64(r.Size())
		m.count++
	}
	m.bytes += delta

	// max_seq is monotonic for the memtable's lifetime (spec §3): a
	// caller replaying out-of-order sequences would otherwise be able
	// to move it backwards.
	for {
		cur := m.maxSeq.Load()
		if r.Seq <= cur {
			break
		}
		if m.maxSeq.CompareAndSwap(cur, r.Seq) {
			break
		}
	}
	return nil
}

// Status distinguishes a live value from a tombstone from a key this
// memtable holds no entry for at all — internal/lsm's level probe
// needs this three-way split to short-circuit tombstone shadowing
// without falling through to an older, stale value.
type Status int

const (
	// Absent means this memtable has no entry for the key.
	Absent Status = iota
	// Live means this memtable holds a value for the key.
	Live
	// Tombstoned means this memtable holds a delete marker for the key.
	Tombstoned
)

// Get returns the live value at key. found is false for an absent or
// tombstoned key (spec §4.4).
func (m *Memtable) Get(key []byte) (value []byte, found bool) {
	v, status := m.Lookup(key)
	return v, status == Live
}

// Lookup reports which of Absent/Live/Tombstoned this memtable holds
// for key, in a single btree probe.
func (m *Memtable) Lookup(key []byte) (value []byte, status Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status = Absent
	m.tree.AscendGreaterOrEqual(item{row: &row.Row{Key: key}}, func(i btree.Item) bool {
		r := i.(item).row
		if !bytes.Equal(r.Key, key) {
			return false
		}
		if r.Kind == row.Delete {
			value, status = nil, Tombstoned
		} else {
			value, status = r.Value, Live
		}
		return false
	})
	return value, status
}

// Bytes returns approx_bytes: the running total of row sizes.
func (m *Memtable) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// Count returns the number of distinct keys held, including tombstones.
func (m *Memtable) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// MaxSeq returns the highest sequence ever inserted into this memtable.
func (m *Memtable) MaxSeq() uint64 {
	return m.maxSeq.Load()
}

// Freeze transitions the memtable from active to immutable. No further
// writes are accepted.
func (m *Memtable) Freeze() {
	m.state.Store(int32(stateImmutable))
}

// MarkDiscarded transitions the memtable to discarded, after its
// contents are durably flushed to an SST.
func (m *Memtable) MarkDiscarded() {
	m.state.Store(int32(stateDiscarded))
}

// IsActive reports whether the memtable still accepts writes.
func (m *Memtable) IsActive() bool {
	return state(m.state.Load()) == stateActive
}

// Iterate yields live (non-tombstone) (key, value) pairs in key order.
func (m *Memtable) Iterate(fn func(key, value []byte) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(func(i btree.Item) bool {
		r := i.(item).row
		if r.Kind == row.Delete {
			return true
		}
		return fn(r.Key, r.Value)
	})
}

// Rows yields every row, live or tombstoned, in key order — used when
// flushing to an SST, which must carry tombstones forward so later
// compaction can still shadow older values at the same key.
func (m *Memtable) Rows(fn func(r *row.Row) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(item).row)
	})
}
