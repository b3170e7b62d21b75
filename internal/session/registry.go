// Package session tracks which devices are actively using which license.
// The registry is intentionally ephemeral: it lives in process memory,
// admits and refreshes devices on heartbeat under each license's
// concurrent-session quota, and forgets devices that stop reporting.
//
// The map is sharded by license key so heartbeats for different licenses
// never block each other; license validity is only consulted on the first
// sighting of a device, keeping the refresh path free of storage I/O and
// allocation.
package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// Result is the outcome of one heartbeat.
type Result int

const (
	// ResultAdmitted - first heartbeat for this device, quota had room.
	ResultAdmitted Result = iota
	// ResultRefreshed - device already had a live session.
	ResultRefreshed
	// ResultRejectedInvalid - license missing, blocked or expired.
	ResultRejectedInvalid
	// ResultRejectedLimit - quota full of non-stale devices.
	ResultRejectedLimit
)

// Accepted reports whether the heartbeat kept or created a session.
func (r Result) Accepted() bool { return r == ResultAdmitted || r == ResultRefreshed }

// Reason returns the wire-level rejection reason, empty when accepted.
func (r Result) Reason() string {
	switch r {
	case ResultRejectedInvalid:
		return "invalid"
	case ResultRejectedLimit:
		return "limit_reached"
	default:
		return ""
	}
}

func (r Result) String() string {
	switch r {
	case ResultAdmitted:
		return "admitted"
	case ResultRefreshed:
		return "refreshed"
	case ResultRejectedInvalid:
		return "rejected_invalid"
	case ResultRejectedLimit:
		return "rejected_limit"
	default:
		return "unknown"
	}
}

// Validator authorizes a license key on first sighting of a device.
// Implemented by the license service.
type Validator interface {
	Validate(ctx context.Context, key string) (store.License, error)
}

const defaultShardCount = 64

// DefaultStaleAfter is the staleness window after which a silent device's
// session is reclaimed. The sweep interval must not exceed it.
const DefaultStaleAfter = 60 * time.Second

type deviceSession struct {
	deviceID string
	lastSeen time.Time
}

type shard struct {
	mu     sync.Mutex
	groups map[string][]deviceSession
}

// Registry is the concurrent session map.
type Registry struct {
	shards     []*shard
	validator  Validator
	staleAfter time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time

	heartbeats metric.Int64Counter
	swept      metric.Int64Counter
}

// Option configures a Registry.
type Option func(*Registry)

// WithStaleAfter sets the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepEvery = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMeter wires heartbeat and sweep counters onto the given meter.
func WithMeter(meter metric.Meter) Option {
	return func(r *Registry) {
		r.heartbeats, _ = meter.Int64Counter("keygate.heartbeats",
			metric.WithDescription("Heartbeats processed, by result"))
		r.swept, _ = meter.Int64Counter("keygate.sessions.swept",
			metric.WithDescription("Sessions removed by staleness sweep"))
	}
}

// NewRegistry creates an empty registry over the given validator.
func NewRegistry(validator Validator, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		shards:     make([]*shard, defaultShardCount),
		validator:  validator,
		staleAfter: DefaultStaleAfter,
		sweepEvery: DefaultStaleAfter,
		logger:     logger.With(slog.String("component", "session_registry")),
		now:        time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[string][]deviceSession)}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sweepEvery > r.staleAfter {
		// Sweeping slower than the staleness window lets dead sessions
		// hold quota slots; clamp.
		r.sweepEvery = r.staleAfter
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Heartbeat admits or refreshes the (key, device) session. A device with a
// live session is refreshed without touching the license store. An unseen
// device triggers one validation round-trip; stale siblings are pruned
// lazily before the quota check. Only transient storage failures surface
// as errors - rejections are results.
func (r *Registry) Heartbeat(ctx context.Context, key, deviceID string) (Result, error) {
	now := r.now()
	sh := r.shardFor(key)

	// Hot path: refresh without storage I/O.
	sh.mu.Lock()
	if r.refreshLocked(sh, key, deviceID, now) {
		sh.mu.Unlock()
		r.count(ctx, ResultRefreshed)
		return ResultRefreshed, nil
	}
	sh.mu.Unlock()

	// First sighting: authorize against the license store without holding
	// any shard lock.
	lic, err := r.validator.Validate(ctx, key)
	if err != nil {
		if kgerrors.IsTransient(err) {
			return ResultRejectedInvalid, err
		}
		r.count(ctx, ResultRejectedInvalid)
		return ResultRejectedInvalid, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	// A concurrent heartbeat may have admitted this device meanwhile.
	if r.refreshLocked(sh, key, deviceID, now) {
		r.count(ctx, ResultRefreshed)
		return ResultRefreshed, nil
	}

	group := sh.groups[key]
	group = pruneStale(group, now, r.staleAfter)

	if len(group) >= lic.MaxSessions {
		sh.groups[key] = group
		r.count(ctx, ResultRejectedLimit)
		return ResultRejectedLimit, nil
	}

	sh.groups[key] = append(group, deviceSession{deviceID: deviceID, lastSeen: now})
	r.count(ctx, ResultAdmitted)
	return ResultAdmitted, nil
}

// refreshLocked updates lastSeen for an existing device session. Caller
// holds the shard lock.
func (r *Registry) refreshLocked(sh *shard, key, deviceID string, now time.Time) bool {
	group, ok := sh.groups[key]
	if !ok {
		return false
	}
	for i := range group {
		if group[i].deviceID == deviceID {
			group[i].lastSeen = now
			return true
		}
	}
	return false
}

func pruneStale(group []deviceSession, now time.Time, staleAfter time.Duration) []deviceSession {
	kept := group[:0]
	for _, s := range group {
		if now.Sub(s.lastSeen) < staleAfter {
			kept = append(kept, s)
		}
	}
	return kept
}

// RevokeAll deletes the whole session group for a key, returning how many
// sessions were evicted. The block/ban workflow calls this so blocked
// licenses lose their devices immediately instead of at next expiry check.
func (r *Registry) RevokeAll(key string) int {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := len(sh.groups[key])
	delete(sh.groups, key)
	return n
}

// Sessions returns the number of live sessions for a key.
func (r *Registry) Sessions(key string) int {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.groups[key])
}

// TotalSessions returns the number of live sessions across all licenses.
func (r *Registry) TotalSessions() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, g := range sh.groups {
			total += len(g)
		}
		sh.mu.Unlock()
	}
	return total
}

// Sweep removes sessions stale for at least the staleness window and drops
// groups that become empty, bounding memory growth. Returns the number of
// sessions removed.
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for key, group := range sh.groups {
			kept := pruneStale(group, now, r.staleAfter)
			removed += len(group) - len(kept)
			if len(kept) == 0 {
				delete(sh.groups, key)
			} else {
				sh.groups[key] = kept
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "session sweeper started",
		slog.Duration("interval", r.sweepEvery),
		slog.Duration("stale_after", r.staleAfter),
	)
	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				if r.swept != nil {
					r.swept.Add(ctx, int64(n))
				}
				r.logger.DebugContext(ctx, "swept stale sessions", slog.Int("removed", n))
			}
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "session sweeper stopped")
			return ctx.Err()
		}
	}
}

func (r *Registry) count(ctx context.Context, res Result) {
	if r.heartbeats == nil {
		return
	}
	r.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("result", res.String())))
}
