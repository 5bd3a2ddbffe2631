// Package lease implements the leader lease (spec §4.9): a cooperative,
// object-store-mediated election, not a consensus protocol. Grounded on
// the teacher's internal/raft/node.go scaffolding — the State enum with
// a String() method, Start/Stop guarded by atomic.Bool, a run() select
// loop over timers, and setState firing an onStateChange callback — but
// the vote-counting RPC exchange in election.go/replication.go is not
// kept: spec §4.9 replaces a quorum vote with GET/PUT/GET-verify
// against a single leader/current object. The protocol details and the
// best-effort cluster/leaders/<node_id> publication come from
// original_source's CASLeaderElection.java and
// cluster/LeaderRegistry.java/LeaderMonitor.java.
package lease

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/echodb/echodb/internal/metrics"
	"github.com/echodb/echodb/internal/objstore"
	"go.uber.org/zap"
)

const (
	leaderKey        = "leader/current"
	leaderRegistryPrefix = "cluster/leaders/"
)

// State mirrors spec §4.9's three roles.
type State int32

const (
	Candidate State = iota
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	default:
		return "Candidate"
	}
}

// record is the JSON-encoded leader/current and cluster/leaders/<id> payload.
type record struct {
	NodeID      string `json:"nodeId"`
	LeaseStart  int64  `json:"leaseStart"`
	LeaseExpiry int64  `json:"leaseExpiry"`
}

// Config configures one node's participation in the lease protocol.
type Config struct {
	NodeID           string
	LeaseDuration    time.Duration // default 30s
	HeartbeatInterval time.Duration // default 10s
	CandidatePoll    time.Duration // default 5s
	// Designated puts this node directly into Leader state without
	// contention, for single-node deployments (supplemented feature,
	// gated by an explicit flag rather than autodetected peer absence —
	// there is no peer list in an object-store coordination model).
	Designated bool
}

// DefaultConfig matches spec §4.9's defaults.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		CandidatePoll:     5 * time.Second,
	}
}

// Lease runs the candidate/leader/follower state machine for one node.
type Lease struct {
	cfg   Config
	store objstore.Store
	log   *zap.SugaredLogger
	metr  *metrics.Metrics

	state atomic.Int32

	mu               sync.Mutex
	acquiredThisTerm bool // recovery callback fires exactly once per acquisition

	onAcquire func(ctx context.Context) // the recovery callback

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New returns a Lease in the Candidate state (or Leader, if designated).
// onAcquire is the recovery callback: WAL replay fired exactly once per
// successful acquisition (spec §4.9).
func New(cfg Config, store objstore.Store, onAcquire func(ctx context.Context), m *metrics.Metrics, log *zap.SugaredLogger) *Lease {
	l := &Lease{cfg: cfg, store: store, onAcquire: onAcquire, metr: m, log: log, stopCh: make(chan struct{})}
	if cfg.Designated {
		l.state.Store(int32(Leader))
	} else {
		l.state.Store(int32(Candidate))
	}
	l.reportState(l.State())
	return l
}

// State returns the current role.
func (l *Lease) State() State { return State(l.state.Load()) }

// IsLeader reports whether this node currently believes it holds the lease.
func (l *Lease) IsLeader() bool { return l.State() == Leader }

// Start begins the background state-machine loop.
func (l *Lease) Start(ctx context.Context) {
	if l.running.Swap(true) {
		return
	}
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop halts the state-machine loop and, if this node currently holds
// the lease, releases it (spec §5's shutdown step "releases the leader
// lease if held") — grounded on original_source's
// CASLeaderElection.stop() -> stepDown() -> storageManager.delete(LEADER_KEY).
func (l *Lease) Stop(ctx context.Context) {
	if !l.running.Swap(false) {
		return
	}
	close(l.stopCh)
	l.wg.Wait()

	if l.IsLeader() {
		l.release(ctx)
	}
}

// release deletes leader/current if it still names this node, so a
// graceful shutdown frees the lease immediately instead of making the
// next candidate wait out a full LeaseDuration. Best effort: a failure
// here is no worse than the pre-existing expiry-based release.
func (l *Lease) release(ctx context.Context) {
	rec, found, err := l.getRecord(ctx)
	if err != nil || !found || rec.NodeID != l.cfg.NodeID {
		return
	}
	if err := l.store.Delete(ctx, leaderKey); err != nil {
		l.log.Warnw("lease: release on stop failed, lease will expire naturally", "error", err)
		return
	}
	l.setState(Candidate)
	l.log.Infow("lease: released on stop", "nodeId", l.cfg.NodeID)
}

func (l *Lease) run(ctx context.Context) {
	defer l.wg.Done()

	if l.cfg.Designated {
		l.publishRegistry(ctx)
		return
	}

	for {
		var wait time.Duration
		switch l.State() {
		case Leader:
			wait = l.cfg.HeartbeatInterval
		default:
			wait = l.cfg.CandidatePoll
		}

		select {
		case <-l.stopCh:
			return
		case <-time.After(wait):
			switch l.State() {
			case Leader:
				l.heartbeat(ctx)
			case Follower:
				l.observe(ctx)
			default:
				l.tryAcquire(ctx)
			}
		}
	}
}

// tryAcquire implements spec §4.9's Candidate transition: GET, check
// absent-or-expired, jittered sleep, PUT, GET-verify.
func (l *Lease) tryAcquire(ctx context.Context) {
	now := time.Now()
	rec, found, err := l.getRecord(ctx)
	if err != nil {
		l.log.Warnw("lease: candidate GET failed", "error", err)
		return
	}
	if found && rec.LeaseExpiry > now.Unix() {
		l.setState(Candidate)
		return
	}

	jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-l.stopCh:
		return
	}

	proposed := record{
		NodeID:      l.cfg.NodeID,
		LeaseStart:  now.Unix(),
		LeaseExpiry: now.Add(l.cfg.LeaseDuration).Unix(),
	}
	if err := l.putRecord(ctx, proposed); err != nil {
		l.log.Warnw("lease: candidate PUT failed", "error", err)
		return
	}

	verify, found, err := l.getRecord(ctx)
	if err != nil || !found || verify.NodeID != l.cfg.NodeID {
		// Someone else's PUT raced ours and won under last-writer-wins.
		l.setState(Candidate)
		return
	}

	l.setState(Leader)
	l.fireRecoveryOnce(ctx)
	l.publishRegistry(ctx)
	l.log.Infow("lease: acquired leadership", "nodeId", l.cfg.NodeID)
}

// heartbeat implements the Leader transition: refresh the record every
// HeartbeatInterval; step down if the stored record already names a
// different node_id, if the PUT fails, or if a later GET shows a
// different node_id.
func (l *Lease) heartbeat(ctx context.Context) {
	if cur, found, err := l.getRecord(ctx); err == nil && found && cur.NodeID != l.cfg.NodeID {
		l.log.Warnw("lease: stored record names a different leader, stepping down", "holder", cur.NodeID)
		l.stepDown()
		return
	}
	now := time.Now()
	rec := record{
		NodeID:      l.cfg.NodeID,
		LeaseStart:  now.Unix(),
		LeaseExpiry: now.Add(l.cfg.LeaseDuration).Unix(),
	}
	if err := l.putRecord(ctx, rec); err != nil {
		l.log.Warnw("lease: heartbeat PUT failed, stepping down", "error", err)
		l.stepDown()
		return
	}
	verify, found, err := l.getRecord(ctx)
	if err != nil || !found || verify.NodeID != l.cfg.NodeID {
		l.log.Warnw("lease: heartbeat verify shows a different leader, stepping down")
		l.stepDown()
		return
	}
	l.publishRegistry(ctx)
}

// observe implements the Follower transition: a periodic GET, never an
// attempt to acquire.
func (l *Lease) observe(ctx context.Context) {
	if _, _, err := l.getRecord(ctx); err != nil {
		l.log.Warnw("lease: follower observation GET failed", "error", err)
	}
}

func (l *Lease) stepDown() {
	l.mu.Lock()
	l.acquiredThisTerm = false
	l.mu.Unlock()
	l.setState(Candidate)
}

func (l *Lease) setState(s State) {
	old := State(l.state.Swap(int32(s)))
	if old != s {
		l.log.Infow("lease: state transition", "from", old, "to", s)
		l.reportState(s)
	}
}

// reportState pushes the current role into the lease_state gauge vec,
// lowercased to match SetLeaseState's candidate/leader/follower labels.
func (l *Lease) reportState(s State) {
	if l.metr == nil {
		return
	}
	switch s {
	case Leader:
		l.metr.SetLeaseState("leader")
	case Follower:
		l.metr.SetLeaseState("follower")
	default:
		l.metr.SetLeaseState("candidate")
	}
}

func (l *Lease) fireRecoveryOnce(ctx context.Context) {
	l.mu.Lock()
	if l.acquiredThisTerm {
		l.mu.Unlock()
		return
	}
	l.acquiredThisTerm = true
	l.mu.Unlock()

	if l.onAcquire != nil {
		l.onAcquire(ctx)
	}
}

func (l *Lease) getRecord(ctx context.Context) (record, bool, error) {
	data, found, err := l.store.Get(ctx, leaderKey)
	if err != nil || !found {
		return record{}, found, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

func (l *Lease) putRecord(ctx context.Context, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(func() error {
		return l.store.Put(ctx, leaderKey, data)
	}, boff)
}

// publishRegistry is a best-effort side channel (supplemented feature
// from original_source's LeaderRegistry.java/LeaderMonitor.java):
// publish this node's current belief under cluster/leaders/<node_id> so
// monitoring tooling can diff follower views against the leader's own
// record. Failure is logged, never propagated — observability, not
// correctness-bearing.
func (l *Lease) publishRegistry(ctx context.Context) {
	now := time.Now()
	rec := record{
		NodeID:      l.cfg.NodeID,
		LeaseStart:  now.Unix(),
		LeaseExpiry: now.Add(l.cfg.LeaseDuration).Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := l.store.Put(ctx, leaderRegistryPrefix+l.cfg.NodeID, data); err != nil {
		l.log.Warnw("lease: best-effort registry publish failed", "error", err)
	}
}
