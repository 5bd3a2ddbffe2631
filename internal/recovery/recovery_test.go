package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/echodb/echodb/internal/checkpoint"
	"github.com/echodb/echodb/internal/logging"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	puts    map[string]string
	deletes map[string]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{puts: make(map[string]string), deletes: make(map[string]bool)}
}

func (f *fakeTarget) PutWithSeq(_ context.Context, key, value []byte, seq, ts uint64) error {
	f.puts[string(key)] = string(value)
	delete(f.deletes, string(key))
	return nil
}

func (f *fakeTarget) DeleteWithSeq(_ context.Context, key []byte, seq, ts uint64) error {
	delete(f.puts, string(key))
	f.deletes[string(key)] = true
	return nil
}

func putWAL(t *testing.T, store objstore.Store, tsMs int64, rows []*row.Row) {
	var buf []byte
	for _, r := range rows {
		buf = row.EncodeWAL(buf, r)
	}
	require.NoError(t, store.Put(context.Background(), fmt.Sprintf("wal/wal-%d", tsMs), buf))
}

func TestRecoverAppliesRowsAfterCheckpoint(t *testing.T) {
	store := objstore.NewMemStore()

	// A fresh checkpoint is (0, 0, now): its WalOffset of 0 lets every
	// blob through Recover's timestamp filter, and its Ts only serves
	// here as a realistic base for the blob timestamps.
	cp, err := checkpoint.Open(context.Background(), store, time.Hour, logging.Nop())
	require.NoError(t, err)
	defer cp.Close(context.Background())
	base := int64(cp.Current().Ts)

	putWAL(t, store, base+1000, []*row.Row{
		{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: uint64(base + 1000)},
		{Seq: 2, Kind: row.Put, Key: []byte("b"), Value: []byte("2"), Ts: uint64(base + 1000)},
	})
	putWAL(t, store, base+2000, []*row.Row{
		{Seq: 3, Kind: row.Delete, Key: []byte("a"), Ts: uint64(base + 2000)},
	})

	target := newFakeTarget()
	require.NoError(t, Recover(context.Background(), store, cp, target, logging.Nop()))

	require.Equal(t, map[string]string{"b": "2"}, target.puts)
	require.True(t, target.deletes["a"])
}

func TestRecoverSkipsRowsAtOrBelowCheckpoint(t *testing.T) {
	store := objstore.NewMemStore()

	cp, err := checkpoint.Open(context.Background(), store, time.Hour, logging.Nop())
	require.NoError(t, err)
	defer cp.Close(context.Background())
	base := int64(cp.Current().Ts)

	putWAL(t, store, base+1000, []*row.Row{
		{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: uint64(base + 1000)},
		{Seq: 2, Kind: row.Put, Key: []byte("b"), Value: []byte("2"), Ts: uint64(base + 1000)},
	})

	require.NoError(t, cp.Update(context.Background(), 1, uint64(base+1000)))

	target := newFakeTarget()
	require.NoError(t, Recover(context.Background(), store, cp, target, logging.Nop()))

	_, sawA := target.puts["a"]
	require.False(t, sawA, "seq 1 is <= checkpoint and must be skipped")
	require.Equal(t, "2", target.puts["b"])
}

func TestRecoverIsIdempotent(t *testing.T) {
	store := objstore.NewMemStore()

	cp, err := checkpoint.Open(context.Background(), store, time.Hour, logging.Nop())
	require.NoError(t, err)
	defer cp.Close(context.Background())
	base := int64(cp.Current().Ts)

	putWAL(t, store, base+1000, []*row.Row{
		{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: uint64(base + 1000)},
		{Seq: 2, Kind: row.Delete, Key: []byte("a"), Ts: uint64(base + 1001)},
	})

	target := newFakeTarget()
	require.NoError(t, Recover(context.Background(), store, cp, target, logging.Nop()))
	require.NoError(t, Recover(context.Background(), store, cp, target, logging.Nop()))

	require.True(t, target.deletes["a"])
	_, sawA := target.puts["a"]
	require.False(t, sawA)
}

func TestRecoverFiltersOnWalOffsetNotCheckpointTimestamp(t *testing.T) {
	store := objstore.NewMemStore()

	cp, err := checkpoint.Open(context.Background(), store, time.Hour, logging.Nop())
	require.NoError(t, err)
	defer cp.Close(context.Background())

	// One real WAL blob batches a row already covered by the upcoming
	// flush (seq 1) together with a row from the new active memtable
	// that is not yet durable anywhere (seq 2).
	blobTs := time.Now().UnixMilli() - 1
	putWAL(t, store, blobTs, []*row.Row{
		{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: uint64(blobTs)},
		{Seq: 2, Kind: row.Put, Key: []byte("b"), Value: []byte("2"), Ts: uint64(blobTs)},
	})

	// The blob is stamped a millisecond before the flush's checkpoint
	// update runs, so the checkpoint's Ts is strictly later than blobTs —
	// Recover must filter on WalOffset (== blobTs here), not Ts.
	require.NoError(t, cp.Update(context.Background(), 1, uint64(blobTs)))
	require.Greater(t, cp.Current().Ts, uint64(blobTs))

	target := newFakeTarget()
	require.NoError(t, Recover(context.Background(), store, cp, target, logging.Nop()))

	require.Equal(t, "2", target.puts["b"], "seq 2 was never flushed and must survive replay")
}

func TestRecoverIncludesUnparseableWALKeysConservatively(t *testing.T) {
	store := objstore.NewMemStore()
	var buf []byte
	buf = row.EncodeWAL(buf, &row.Row{Seq: 1, Kind: row.Put, Key: []byte("x"), Value: []byte("y"), Ts: 1})
	require.NoError(t, store.Put(context.Background(), "wal/wal-not-a-number", buf))

	cp, err := checkpoint.Open(context.Background(), store, time.Hour, logging.Nop())
	require.NoError(t, err)
	defer cp.Close(context.Background())

	target := newFakeTarget()
	require.NoError(t, Recover(context.Background(), store, cp, target, logging.Nop()))
	require.Equal(t, "y", target.puts["x"])
}
