// Package clusterstate is the optional cross-instance extension
// referenced by spec.md §6 ("Persisted state: None required by the
// core... optional persistence is an external concern"). When enabled,
// it propagates IP blocks and repeat-offender streaks through Redis so
// a fleet of proxy instances shares one blocklist view, using the same
// go-redis client and Lua-script-for-atomicity pattern the reference
// reverse proxy's internal/rl package uses for its token bucket.
//
// Every stage in this module works correctly with Sync nil or disabled;
// this package only makes the blocklist cluster-wide instead of
// per-process.
package clusterstate

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

//go:embed streak.lua
var streakLua string

var streakScript = redis.NewScript(streakLua)

const (
	keyPrefixBlock  = "wardengate:block:"
	keyPrefixStreak = "wardengate:streak:"
)

type blockRecord struct {
	BlockedAtUnixMs int64 `json:"blocked_at_ms"`
}

// Sync is the Redis-backed cluster store. It implements
// internal/l4guard.ClusterSync.
type Sync struct {
	rdb *redis.Client
}

// New connects to cfg.Cluster.RedisURL. Returns nil, nil when
// clustering is disabled, so callers can pass the result straight
// through to component constructors without a branch.
func New(cfg *config.Cluster) (*Sync, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts, err := redis.ParseURL(normalizeURL(cfg.RedisURL))
	if err != nil {
		return nil, fmt.Errorf("clusterstate: parse redis url: %w", err)
	}
	return &Sync{rdb: redis.NewClient(opts)}, nil
}

func normalizeURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "redis://" + addr
}

func keyBlock(ip string) string  { return keyPrefixBlock + ip }
func keyStreak(ip string) string { return keyPrefixStreak + ip }

// PropagateBlock implements l4guard.ClusterSync: it publishes ip's
// block so every other instance's lookup sees it within ttl.
func (s *Sync) PropagateBlock(ip string, blockedAt time.Time, ttl time.Duration) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := blockRecord{BlockedAtUnixMs: blockedAt.UnixMilli()}
	b, _ := json.Marshal(rec)
	if err := s.rdb.Set(ctx, keyBlock(ip), b, ttl).Err(); err != nil {
		metrics.ClusterSyncErrors.WithLabelValues("propagate_block").Inc()
		log.Warn().Str("ip", ip).Err(err).Msg("clusterstate: propagate block failed")
	}
}

// IsBlocked reports whether another instance has published a block for
// ip that hasn't expired. Callers treat errors as "unknown", falling
// back to their own local blocklist rather than failing closed on a
// Redis hiccup.
func (s *Sync) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if s == nil {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, keyBlock(ip)).Result()
	if err != nil {
		metrics.ClusterSyncErrors.WithLabelValues("is_blocked").Inc()
		return false, err
	}
	return n > 0, nil
}

// ClearBlock removes a cluster-wide block, used when an operator
// manually unblocks an IP through the admin surface.
func (s *Sync) ClearBlock(ctx context.Context, ip string) error {
	if s == nil {
		return nil
	}
	return s.rdb.Del(ctx, keyBlock(ip)).Err()
}

// IncrStreak bumps ip's repeat-offender streak and refreshes its
// window, returning the new count. Used to escalate block duration for
// IPs that keep re-offending after their block expires.
func (s *Sync) IncrStreak(ctx context.Context, ip string, window time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := streakScript.Run(ctx, s.rdb, []string{keyStreak(ip)}, window.Milliseconds()).Result()
	if err != nil {
		metrics.ClusterSyncErrors.WithLabelValues("incr_streak").Inc()
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// ResetStreak clears ip's streak, called when an operator manually
// unblocks an IP through the admin surface.
func (s *Sync) ResetStreak(ctx context.Context, ip string) error {
	if s == nil {
		return nil
	}
	return s.rdb.Del(ctx, keyStreak(ip)).Err()
}

// RefreshGauge scans the cluster block set and publishes the count,
// the same SCAN-based gauge-refresh approach the reference project
// uses to get a cluster-wide accurate count instead of per-process
// increments.
func (s *Sync) RefreshGauge(ctx context.Context) error {
	if s == nil {
		return nil
	}
	n, err := s.countKeys(ctx, keyPrefixBlock+"*")
	if err != nil {
		metrics.ClusterSyncErrors.WithLabelValues("refresh_gauge").Inc()
		return err
	}
	metrics.ClusterBlocksActive.Set(float64(n))
	return nil
}

func (s *Sync) countKeys(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// Close releases the underlying Redis connection pool.
func (s *Sync) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}
