// Package recovery implements checkpoint-anchored WAL replay (spec
// §4.8), run on cold start and whenever a node wins the leader lease.
// Grounded on the teacher's LSM.recover() in internal/storage/lsm.go
// (load-then-replay-into-memtable shape), generalized from a single
// local wal.log file to listing timestamped object-store blobs, and on
// original_source's WALRecovery.java for the checkpoint-anchored
// filtering semantics spec §4.8 step 2 requires.
package recovery

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/echodb/echodb/internal/checkpoint"
	"github.com/echodb/echodb/internal/kverrors"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/echodb/echodb/internal/row"
	"go.uber.org/zap"
)

const walPrefix = "wal/wal-"

// Target is the write path recovery replays into — internal/lsm's
// Coordinator satisfies this. Recovery depends only on this narrow
// interface, not on internal/lsm itself; internal/db is the caller that
// passes its Coordinator to recovery.Recover, and internal/lsm does not
// import this package.
type Target interface {
	PutWithSeq(ctx context.Context, key, value []byte, seq, ts uint64) error
	DeleteWithSeq(ctx context.Context, key []byte, seq, ts uint64) error
}

// candidate is one WAL blob key paired with its parsed timestamp.
type candidate struct {
	key string
	ts  int64
}

// Recover replays every WAL blob whose timestamp is at or after the
// checkpoint's last known-durable WAL offset, applying only rows whose
// sequence exceeds the checkpoint's last_flushed_seq (spec §4.8 steps
// 1-4). The filter is WalOffset, not Ts: Ts is only the wall-clock
// moment Update() persisted the checkpoint, which can postdate a blob
// that still holds rows past last_flushed_seq (a periodic WAL flush
// can batch just-flushed and not-yet-flushed rows into one blob, and
// the LSM flush's cp.Update call reads a millisecond clock value no
// earlier than, and usually later than, that blob's own timestamp) —
// filtering on Ts would skip exactly the
// rows recovery exists to replay. It is idempotent: replaying twice
// reaches the same logical state because sequences are unique and a
// later row at the same key always wins in the memtable.
func Recover(ctx context.Context, store objstore.Store, cp *checkpoint.Checkpointer, target Target, log *zap.SugaredLogger) error {
	info := cp.Current()

	keys, err := store.List(ctx, walPrefix)
	if err != nil {
		return kverrors.Unavailable("recovery-list-wal", err)
	}

	var candidates []candidate
	for _, k := range keys {
		ts, ok := parseWALTimestamp(k)
		if !ok {
			// Conservative per spec §4.8 step 2: an unparseable key is
			// included rather than silently dropped.
			candidates = append(candidates, candidate{key: k, ts: 0})
			continue
		}
		if ts < int64(info.WalOffset) {
			continue
		}
		candidates = append(candidates, candidate{key: k, ts: ts})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts < candidates[j].ts })

	var applied, skipped int
	for _, c := range candidates {
		data, found, err := store.Get(ctx, c.key)
		if err != nil {
			return kverrors.Unavailable("recovery-get-wal", err)
		}
		if !found {
			continue
		}

		rows, decodeErr := row.DecodeWALAll(data)
		if decodeErr != nil {
			log.Warnw("recovery: stopping replay of corrupt WAL blob at bad row", "key", c.key, "error", decodeErr, "rowsDecodedBeforeError", len(rows))
		}

		for _, r := range rows {
			if r.Seq <= info.LastFlushedSeq {
				skipped++
				continue
			}
			applied++
			if r.Kind == row.Delete {
				if err := target.DeleteWithSeq(ctx, r.Key, r.Seq, r.Ts); err != nil {
					return err
				}
			} else {
				if err := target.PutWithSeq(ctx, r.Key, r.Value, r.Seq, r.Ts); err != nil {
					return err
				}
			}
		}
	}

	log.Infow("recovery complete", "walBlobsConsidered", len(candidates), "rowsApplied", applied, "rowsSkipped", skipped)
	return nil
}

// parseWALTimestamp extracts the <ms> suffix from a wal/wal-<ms> key.
func parseWALTimestamp(key string) (int64, bool) {
	if !strings.HasPrefix(key, walPrefix) {
		return 0, false
	}
	suffix := key[len(walPrefix):]
	ts, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
