package sstable

import (
	"context"
	"testing"

	"github.com/echodb/echodb/internal/cache"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, level int, rows []*row.Row) (*Table, objstore.Store) {
	store := objstore.NewMemStore()
	b := NewBuilder(level)
	for _, r := range rows {
		require.NoError(t, b.Add(r))
	}
	tbl, err := b.Finish(context.Background(), store, nil)
	require.NoError(t, err)
	return tbl, store
}

func TestRoundTripGetEveryKey(t *testing.T) {
	rows := []*row.Row{
		{Kind: row.Put, Key: []byte("a"), Value: []byte("1")},
		{Kind: row.Put, Key: []byte("b"), Value: []byte("2")},
		{Kind: row.Put, Key: []byte("c"), Value: []byte("3")},
	}
	tbl, _ := buildTable(t, 0, rows)

	for _, r := range rows {
		v, found, err := tbl.Get(context.Background(), r.Key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, r.Value, v)
	}

	_, found, err := tbl.Get(context.Background(), []byte("z"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestTombstoneReadsAsNotFound(t *testing.T) {
	rows := []*row.Row{
		{Kind: row.Put, Key: []byte("a"), Value: []byte("1")},
		{Kind: row.Delete, Key: []byte("b")},
	}
	tbl, _ := buildTable(t, 0, rows)

	_, found, err := tbl.Get(context.Background(), []byte("b"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestIterateYieldsSortedOrderIncludingTombstones(t *testing.T) {
	rows := []*row.Row{
		{Kind: row.Put, Key: []byte("a"), Value: []byte("1")},
		{Kind: row.Delete, Key: []byte("b")},
		{Kind: row.Put, Key: []byte("c"), Value: []byte("3")},
	}
	tbl, _ := buildTable(t, 0, rows)

	var got []*row.Row
	require.NoError(t, tbl.Iterate(context.Background(), func(r *row.Row) bool {
		got = append(got, r)
		return true
	}))

	require.Len(t, got, 3)
	require.Equal(t, row.Delete, got[1].Kind)
	require.Equal(t, "b", string(got[1].Key))
}

func TestSparseIndexSamplingByLevel(t *testing.T) {
	require.Equal(t, 10, indexSampleN(0))
	require.Equal(t, 10, indexSampleN(1))
	require.Equal(t, 20, indexSampleN(2))
	require.Equal(t, 50, indexSampleN(5))
	require.Equal(t, 50, indexSampleN(9))
}

func TestOpenReadsBackBuiltTable(t *testing.T) {
	rows := []*row.Row{
		{Kind: row.Put, Key: []byte("a"), Value: []byte("1")},
		{Kind: row.Put, Key: []byte("m"), Value: []byte("2")},
	}
	built, store := buildTable(t, 1, rows)

	reopened := Open(store, nil, 1, built.ID)
	v, found, err := reopened.Get(context.Background(), []byte("m"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))
}

func TestGetPopulatesCache(t *testing.T) {
	c := cache.NewLRU(1 << 20)
	store := objstore.NewMemStore()
	b := NewBuilder(0)
	require.NoError(t, b.Add(&row.Row{Kind: row.Put, Key: []byte("a"), Value: []byte("1")}))
	tbl, err := b.Finish(context.Background(), store, c)
	require.NoError(t, err)

	_, found, err := tbl.Get(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, c.Len())
}

func TestMissingTableBlobsReadAsNotFound(t *testing.T) {
	store := objstore.NewMemStore()
	tbl := Open(store, nil, 0, "missing-table")
	_, found, err := tbl.Get(context.Background(), []byte("anything"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestBuilderRejectsOutOfOrderKeys(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.Add(&row.Row{Kind: row.Put, Key: []byte("b"), Value: []byte("1")}))
	err := b.Add(&row.Row{Kind: row.Put, Key: []byte("a"), Value: []byte("2")})
	require.Error(t, err)
}
