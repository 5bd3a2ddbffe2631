// Package sstable implements the immutable sorted table pair (spec
// §3/§4.5/§6): a data blob of sorted (key, value) entries plus a sparse
// index blob mapping every Nth key to its byte offset in the data blob.
// Grounded on the teacher's internal/storage/sstable.go writer/reader
// split, restructured around two object-store blobs instead of one
// local file with a footer, and sampled at the exact cadence spec §3
// mandates (N=10 for L0, min(50, 10*level) otherwise) rather than the
// teacher's fixed 4KB block boundaries.
package sstable

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/echodb/echodb/internal/cache"
	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"github.com/google/uuid"
)

// valueKind is the one-byte marker internal/sstable prepends to every
// data-entry value, resolving row.go's documented ambiguity between a
// tombstone and a legitimate zero-length PUT: the SST wire format
// itself carries no Kind byte, so this package supplies one.
type valueKind byte

const (
	valuePut    valueKind = 0
	valueDelete valueKind = 1
)

// indexSampleN returns the index sampling period for level per spec §3.
func indexSampleN(level int) int {
	if level <= 0 {
		return 10
	}
	n := 10 * level
	if n > 50 {
		n = 50
	}
	return n
}

// indexEntry is one sparse-index record: key maps to offset in the data blob.
type indexEntry struct {
	key    []byte
	offset uint64
}

// Table is an opened, immutable sorted table: its index is loaded lazily,
// on the first Get or Lookup (Iterate does not use it), and its data blob
// is read on demand.
type Table struct {
	ID       string
	Level    int
	DataKey  string
	IndexKey string

	store objstore.Store
	cache cache.Cache // optional per-key value memoization, keyed by ID|key

	index     []indexEntry
	indexLoad bool
}

// BlobKeys returns the object-store keys for a table id at a level,
// matching spec §6's `data/l<k>/<table-id>.{data,index}` layout.
func BlobKeys(level int, id string) (dataKey, indexKey string) {
	prefix := fmt.Sprintf("data/l%d/%s", level, id)
	return prefix + ".data", prefix + ".index"
}

// Open returns a Table handle for an existing table id/level. It does not
// read anything yet — the index is loaded lazily.
func Open(store objstore.Store, c cache.Cache, level int, id string) *Table {
	dataKey, indexKey := BlobKeys(level, id)
	return &Table{
		ID:       id,
		Level:    level,
		DataKey:  dataKey,
		IndexKey: indexKey,
		store:    store,
		cache:    c,
	}
}

// Builder accumulates sorted (row) entries and produces a new Table on
// Finish. Rows must be added in strictly increasing key order, including
// tombstones — the SST format carries tombstones forward so compaction
// can still shadow older values at the same key (spec §3's Lifecycle).
type Builder struct {
	level  int
	n      int
	data   []byte
	index  []byte
	offset uint64
	count  int
	lastKey []byte
	hasLast bool
}

// NewBuilder returns a Builder for a table at the given level.
func NewBuilder(level int) *Builder {
	return &Builder{level: level, n: indexSampleN(level)}
}

// Add appends r to the table under construction. r.Key must be strictly
// greater than the previously added key.
func (b *Builder) Add(r *row.Row) error {
	if b.hasLast && bytes.Compare(r.Key, b.lastKey) <= 0 {
		return fmt.Errorf("sstable: keys out of order: %q after %q", r.Key, b.lastKey)
	}

	if b.count%b.n == 0 {
		idx, err := row.EncodeSSTIndexEntry(b.index, r.Key, b.offset)
		if err != nil {
			return err
		}
		b.index = idx
	}

	kind := valuePut
	value := r.Value
	if r.Kind == row.Delete {
		kind = valueDelete
		value = nil
	}
	encodedValue := append([]byte{byte(kind)}, value...)

	before := len(b.data)
	data, err := row.EncodeSSTEntry(b.data, r.Key, encodedValue)
	if err != nil {
		return err
	}
	b.data = data
	b.offset += uint64(len(b.data) - before)

	b.count++
	b.lastKey = append([]byte(nil), r.Key...)
	b.hasLast = true
	return nil
}

// Empty reports whether any rows were added.
func (b *Builder) Empty() bool { return b.count == 0 }

// Finish writes the data and index blobs to store under a freshly
// generated table id and returns the resulting Table.
func (b *Builder) Finish(ctx context.Context, store objstore.Store, c cache.Cache) (*Table, error) {
	id := fmt.Sprintf("sstable-%d-%s", time.Now().UnixMilli(), uuid.New().String())
	dataKey, indexKey := BlobKeys(b.level, id)

	if err := store.Put(ctx, dataKey, b.data); err != nil {
		return nil, kverrors.Unavailable("sstable-put-data", err)
	}
	if err := store.Put(ctx, indexKey, b.index); err != nil {
		return nil, kverrors.Unavailable("sstable-put-index", err)
	}

	t := &Table{
		ID:       id,
		Level:    b.level,
		DataKey:  dataKey,
		IndexKey: indexKey,
		store:    store,
		cache:    c,
	}
	idx, err := decodeIndex(b.index)
	if err != nil {
		return nil, err
	}
	t.index = idx
	t.indexLoad = true
	return t, nil
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	var entries []indexEntry
	for len(data) > 0 {
		key, offset, rest, err := row.DecodeSSTIndexEntry(data)
		if err != nil {
			return entries, kverrors.Corrupt("sst-index", err)
		}
		entries = append(entries, indexEntry{key: append([]byte(nil), key...), offset: offset})
		data = rest
	}
	return entries, nil
}

func (t *Table) loadIndex(ctx context.Context) error {
	if t.indexLoad {
		return nil
	}
	data, found, err := t.store.Get(ctx, t.IndexKey)
	if err != nil {
		return kverrors.Unavailable("sstable-get-index", err)
	}
	if !found {
		// Edge case per spec §4.5: if the index is empty, treat offset 0
		// as floor; an absent index blob degrades the same way.
		t.index = nil
		t.indexLoad = true
		return nil
	}
	idx, err := decodeIndex(data)
	if err != nil {
		return err
	}
	t.index = idx
	t.indexLoad = true
	return nil
}

// floor returns the byte offset of the greatest indexed key <= target,
// or 0 if the index is empty or target precedes every indexed key.
func (t *Table) floor(key []byte) uint64 {
	if len(t.index) == 0 {
		return 0
	}
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return t.index[i-1].offset
}

// Status distinguishes a live value from a tombstone from a key this
// table has nothing to say about — internal/lsm needs this three-way
// split to short-circuit tombstone shadowing without reading older
// levels (spec §4.6's "tombstones must short-circuit with empty even
// if older levels contain the key").
type Status int

const (
	// Absent means the table has no entry for this key at all.
	Absent Status = iota
	// Live means the table holds a value for this key.
	Live
	// Tombstoned means the table holds a delete marker for this key.
	Tombstoned
)

// Get looks up key, returning (value, found). A tombstone is reported
// as not found (spec §4.5/§7 tombstone semantics). Callers that need
// to distinguish "absent" from "tombstoned" — internal/lsm's level
// probe — should use Lookup instead.
func (t *Table) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	value, status, err := t.Lookup(ctx, key)
	return value, status == Live, err
}

// Lookup looks up key and reports which of Absent/Live/Tombstoned this
// table holds for it.
func (t *Table) Lookup(ctx context.Context, key []byte) ([]byte, Status, error) {
	if t.cache != nil {
		if v, ok := t.cache.Get(t.cacheKey(key)); ok {
			if v == nil {
				return nil, Tombstoned, nil
			}
			return v, Live, nil
		}
	}

	if err := t.loadIndex(ctx); err != nil {
		return nil, Absent, err
	}

	data, found, err := t.store.Get(ctx, t.DataKey)
	if err != nil {
		return nil, Absent, kverrors.Unavailable("sstable-get-data", err)
	}
	if !found {
		// Edge case: a missing data blob yields Absent. Nothing is logged,
		// and the caller cannot tell this apart from a key the table does
		// not hold.
		return nil, Absent, nil
	}

	offset := t.floor(key)
	if offset > uint64(len(data)) {
		return nil, Absent, kverrors.Corrupt("sstable-data", fmt.Errorf("index offset %d past end of %d-byte blob", offset, len(data)))
	}
	cursor := data[offset:]

	for len(cursor) > 0 {
		k, v, rest, err := row.DecodeSSTEntry(cursor)
		if err != nil {
			return nil, Absent, kverrors.Corrupt("sstable-data", err)
		}
		cmp := bytes.Compare(k, key)
		if cmp > 0 {
			break
		}
		if cmp == 0 {
			kind, value := splitValue(v)
			if kind == valueDelete {
				if t.cache != nil {
					t.cache.Put(t.cacheKey(key), nil)
				}
				return nil, Tombstoned, nil
			}
			if t.cache != nil {
				t.cache.Put(t.cacheKey(key), value)
			}
			return value, Live, nil
		}
		cursor = rest
	}
	return nil, Absent, nil
}

func splitValue(encoded []byte) (valueKind, []byte) {
	if len(encoded) == 0 {
		return valuePut, nil
	}
	return valueKind(encoded[0]), encoded[1:]
}

func (t *Table) cacheKey(key []byte) string {
	return t.ID + "|" + string(key)
}

// Iterate scans the data blob front-to-back, yielding every row
// (including tombstones) in key order.
func (t *Table) Iterate(ctx context.Context, fn func(r *row.Row) bool) error {
	data, found, err := t.store.Get(ctx, t.DataKey)
	if err != nil {
		return kverrors.Unavailable("sstable-get-data", err)
	}
	if !found {
		return nil
	}
	for len(data) > 0 {
		k, v, rest, err := row.DecodeSSTEntry(data)
		if err != nil {
			return kverrors.Corrupt("sstable-data", err)
		}
		kind, value := splitValue(v)
		r := &row.Row{Key: append([]byte(nil), k...)}
		if kind == valueDelete {
			r.Kind = row.Delete
		} else {
			r.Kind = row.Put
			r.Value = append([]byte(nil), value...)
		}
		if !fn(r) {
			return nil
		}
		data = rest
	}
	return nil
}

// Delete removes both blobs backing this table. Nothing in this module
// calls it: compaction leaves superseded blobs in place on the object
// store (spec §4.6).
func (t *Table) Delete(ctx context.Context) error {
	if err := t.store.Delete(ctx, t.DataKey); err != nil {
		return kverrors.Unavailable("sstable-delete-data", err)
	}
	if err := t.store.Delete(ctx, t.IndexKey); err != nil {
		return kverrors.Unavailable("sstable-delete-index", err)
	}
	return nil
}
