package wal

import (
	"context"
	"testing"
	"time"

	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/logging"
	"github.com/echodb/echodb/internal/metrics"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestFlushWritesOneBlobPerFlush(t *testing.T) {
	store := objstore.NewMemStore()
	w := Open(store, time.Hour, metrics.New(), logging.Nop())
	defer w.Close(context.Background())

	require.NoError(t, w.Append(&row.Row{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: 1}))
	require.NoError(t, w.Append(&row.Row{Seq: 2, Kind: row.Put, Key: []byte("b"), Value: []byte("2"), Ts: 2}))
	require.NoError(t, w.Flush(context.Background()))

	require.Equal(t, 1, store.Len())
}

func TestFlushIsNoOpWhenEmpty(t *testing.T) {
	store := objstore.NewMemStore()
	w := Open(store, time.Hour, metrics.New(), logging.Nop())
	defer w.Close(context.Background())

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 0, store.Len())
}

func TestCloseDrainsPendingRows(t *testing.T) {
	store := objstore.NewMemStore()
	w := Open(store, time.Hour, metrics.New(), logging.Nop())

	require.NoError(t, w.Append(&row.Row{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: 1}))
	require.NoError(t, w.Close(context.Background()))

	require.Equal(t, 1, store.Len())
}

func TestLastFlushMsAdvancesOnSuccessfulFlush(t *testing.T) {
	store := objstore.NewMemStore()
	w := Open(store, time.Hour, metrics.New(), logging.Nop())
	defer w.Close(context.Background())

	require.EqualValues(t, 0, w.LastFlushMs())

	require.NoError(t, w.Append(&row.Row{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: 1}))
	require.NoError(t, w.Flush(context.Background()))

	require.Greater(t, w.LastFlushMs(), uint64(0))
}

func TestFlushFeedsByteAndCountMetrics(t *testing.T) {
	store := objstore.NewMemStore()
	m := metrics.New()
	w := Open(store, time.Hour, m, logging.Nop())
	defer w.Close(context.Background())

	require.NoError(t, w.Append(&row.Row{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: 1}))
	require.Equal(t, float64(1), testutil.ToFloat64(m.WALPendingRows))

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, float64(1), testutil.ToFloat64(m.WALFlushesTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(m.WALPendingRows))
	require.Greater(t, testutil.ToFloat64(m.WALBytesWritten), float64(0))
}

func TestAppendAfterCloseFails(t *testing.T) {
	store := objstore.NewMemStore()
	w := Open(store, time.Hour, metrics.New(), logging.Nop())
	require.NoError(t, w.Close(context.Background()))

	err := w.Append(&row.Row{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1"), Ts: 1})
	require.ErrorIs(t, err, kverrors.ErrClosed)
}
