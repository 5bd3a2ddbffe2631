package db

import (
	"context"
	"testing"
	"time"

	"github.com/echodb/echodb/internal/config"
	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.WALFlushInterval = time.Hour
	cfg.CompactionInterval = time.Hour
	cfg.CheckpointInterval = time.Hour
	cfg.LeaseDuration = time.Hour
	cfg.LeaseHeartbeat = time.Hour
	return cfg
}

func openDesignated(t *testing.T) (*Database, objstore.Store) {
	store := objstore.NewMemStore()
	d, err := Open(context.Background(), store, testConfig(), "node-a", true)
	require.NoError(t, err)
	require.True(t, d.IsLeader())
	return d, store
}

func TestPutThenGetOnDesignatedLeader(t *testing.T) {
	d, _ := openDesignated(t)
	defer d.Close(context.Background())

	require.NoError(t, d.Put(context.Background(), []byte("a"), []byte("1")))
	require.NoError(t, d.Put(context.Background(), []byte("b"), []byte("2")))

	v, found, err := d.Get(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	_, found, err = d.Get(context.Background(), []byte("c"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteShadowsEarlierPut(t *testing.T) {
	d, _ := openDesignated(t)
	defer d.Close(context.Background())

	require.NoError(t, d.Put(context.Background(), []byte("k"), []byte("v1")))
	require.NoError(t, d.Put(context.Background(), []byte("k"), []byte("v2")))
	require.NoError(t, d.Delete(context.Background(), []byte("k")))

	_, found, err := d.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriteFailsFastWhenNotLeader(t *testing.T) {
	store := objstore.NewMemStore()
	d, err := Open(context.Background(), store, testConfig(), "node-a", false)
	require.NoError(t, err)
	defer d.Close(context.Background())

	require.False(t, d.IsLeader())
	err = d.Put(context.Background(), []byte("a"), []byte("1"))
	require.ErrorIs(t, err, kverrors.ErrNotLeader)
}

func TestFlushMovesDataToL0AndUpdatesCheckpoint(t *testing.T) {
	d, store := openDesignated(t)
	defer d.Close(context.Background())

	require.NoError(t, d.Put(context.Background(), []byte("a"), []byte("1")))
	require.NoError(t, d.Flush(context.Background()))

	v, found, err := d.Get(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	keys, err := store.List(context.Background(), "checkpoint/")
	require.NoError(t, err)
	require.NotEmpty(t, keys)
}

func TestAPICallsFailFastAfterClose(t *testing.T) {
	d, _ := openDesignated(t)
	require.NoError(t, d.Close(context.Background()))

	err := d.Put(context.Background(), []byte("a"), []byte("1"))
	require.ErrorIs(t, err, kverrors.ErrClosed)

	_, _, err = d.Get(context.Background(), []byte("a"))
	require.ErrorIs(t, err, kverrors.ErrClosed)

	err = d.Close(context.Background())
	require.ErrorIs(t, err, kverrors.ErrClosed)
}

func TestWriteAndFlushFeedTheirMetrics(t *testing.T) {
	d, _ := openDesignated(t)
	defer d.Close(context.Background())

	require.Equal(t, float64(1), testutil.ToFloat64(d.Metrics().LeaseState.WithLabelValues("leader")))

	require.NoError(t, d.Put(context.Background(), []byte("a"), []byte("1")))
	require.Equal(t, float64(1), testutil.ToFloat64(d.Metrics().WritesTotal.WithLabelValues("put")))
	wantLag := float64(d.seq.Current()) - float64(d.cp.Current().LastFlushedSeq)
	require.Equal(t, wantLag, testutil.ToFloat64(d.Metrics().CheckpointLagSeq))

	require.NoError(t, d.Flush(context.Background()))
	require.Equal(t, float64(1), testutil.ToFloat64(d.Metrics().FlushesTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(d.Metrics().L0TableCount))
	require.EqualValues(t, d.seq.Current(), d.cp.Current().LastFlushedSeq, "the one put flushed should fully catch the checkpoint up")

	require.NoError(t, d.Put(context.Background(), []byte("b"), []byte("2")))
	require.Equal(t, float64(1), testutil.ToFloat64(d.Metrics().CheckpointLagSeq), "lag is exactly 1 right after a single unflushed write following a flush")
}

func TestRecoverFromWALReplaysUncommittedWrites(t *testing.T) {
	store := objstore.NewMemStore()
	d1, err := Open(context.Background(), store, testConfig(), "node-a", true)
	require.NoError(t, err)

	require.NoError(t, d1.Put(context.Background(), []byte("x"), []byte("1")))
	// Force a WAL flush without an LSM flush, simulating a crash before
	// the memtable was durably flushed to an SST.
	require.NoError(t, d1.wal.Flush(context.Background()))
	require.NoError(t, d1.store.Close())

	d2, err := Open(context.Background(), store, testConfig(), "node-b", true)
	require.NoError(t, err)
	defer d2.Close(context.Background())

	v, found, err := d2.Get(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))
}
