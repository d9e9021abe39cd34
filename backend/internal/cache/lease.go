package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"blockcollab/backend/internal/model"
)

// LeaseCache stores block locks. A lock is live while now <= until; a lock
// past its until may be taken by anyone.
type LeaseCache interface {
	Acquire(ctx context.Context, docID, blockID, holder string, now time.Time, ttl time.Duration) (model.Lease, error)
	Renew(ctx context.Context, docID, blockID, holder string, now time.Time, ttl time.Duration) (model.Lease, error)
	Release(ctx context.Context, docID, blockID, holder string) (bool, error)
	Get(ctx context.Context, docID, blockID string, now time.Time) (model.Lease, bool, error)
	Leases(ctx context.Context, docID string, now time.Time) (map[string]model.Lease, error)
	Drop(ctx context.Context, docID, blockID string) error
}

type RedisLeases struct {
	rdb redis.UniversalClient
}

var _ LeaseCache = (*RedisLeases)(nil)

func NewRedisLeases(rdb redis.UniversalClient) *RedisLeases {
	return &RedisLeases{rdb: rdb}
}

// Values are "untilMs|holder". All scripts return {granted, holder, untilMs}.
const leaseParse = `
local function parse(v)
	if not v then return nil, nil end
	local sep = string.find(v, "|", 1, true)
	if not sep then return nil, nil end
	return tonumber(string.sub(v, 1, sep - 1)), string.sub(v, sep + 1)
end
`

// ARGV: blockId, holder, nowMs, ttlMs
var acquireScript = redis.NewScript(leaseParse + `
local untilMs, holder = parse(redis.call("HGET", KEYS[1], ARGV[1]))
local now = tonumber(ARGV[3])
if holder and holder ~= ARGV[2] and untilMs >= now then
	return {0, holder, untilMs}
end
local nextUntil = now + tonumber(ARGV[4])
redis.call("HSET", KEYS[1], ARGV[1], nextUntil .. "|" .. ARGV[2])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]) * 2)
return {1, ARGV[2], nextUntil}
`)

// ARGV: blockId, holder, nowMs, ttlMs
var renewScript = redis.NewScript(leaseParse + `
local untilMs, holder = parse(redis.call("HGET", KEYS[1], ARGV[1]))
if not holder then
	return {0, "", 0}
end
if holder ~= ARGV[2] then
	return {0, holder, untilMs}
end
local nextUntil = tonumber(ARGV[3]) + tonumber(ARGV[4])
redis.call("HSET", KEYS[1], ARGV[1], nextUntil .. "|" .. ARGV[2])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]) * 2)
return {1, ARGV[2], nextUntil}
`)

// ARGV: blockId, holder
var releaseScript = redis.NewScript(leaseParse + `
local untilMs, holder = parse(redis.call("HGET", KEYS[1], ARGV[1]))
if holder ~= ARGV[2] then
	return {0, holder or "", untilMs or 0}
end
redis.call("HDEL", KEYS[1], ARGV[1])
return {1, holder, untilMs}
`)

type scriptResult struct {
	granted bool
	holder  string
	until   time.Time
}

func runLeaseScript(ctx context.Context, s *redis.Script, rdb redis.UniversalClient, docID string, args ...any) (scriptResult, error) {
	raw, err := s.Run(ctx, rdb, []string{leaseKey(docID)}, args...).Slice()
	if err != nil {
		return scriptResult{}, err
	}
	if len(raw) != 3 {
		return scriptResult{}, fmt.Errorf("lease script: unexpected reply %v", raw)
	}
	granted, _ := raw[0].(int64)
	holder, _ := raw[1].(string)
	untilMs, _ := raw[2].(int64)
	r := scriptResult{granted: granted == 1, holder: holder}
	if untilMs > 0 {
		r.until = time.UnixMilli(untilMs).UTC()
	}
	return r, nil
}

func (l *RedisLeases) Acquire(ctx context.Context, docID, blockID, holder string, now time.Time, ttl time.Duration) (model.Lease, error) {
	r, err := runLeaseScript(ctx, acquireScript, l.rdb, docID, blockID, holder, now.UnixMilli(), ttl.Milliseconds())
	if err != nil {
		return model.Lease{}, fmt.Errorf("acquire lease %s/%s: %w", docID, blockID, err)
	}
	lease := model.Lease{DocID: docID, BlockID: blockID, Holder: r.holder, ExpiresAt: r.until}
	if !r.granted {
		return lease, fmt.Errorf("%w: block %s is locked by %s", model.ErrLockConflict, blockID, r.holder)
	}
	return lease, nil
}

// Renew extends a lock the holder still owns, even if it lapsed, as long as
// nobody else took it in the meantime.
func (l *RedisLeases) Renew(ctx context.Context, docID, blockID, holder string, now time.Time, ttl time.Duration) (model.Lease, error) {
	r, err := runLeaseScript(ctx, renewScript, l.rdb, docID, blockID, holder, now.UnixMilli(), ttl.Milliseconds())
	if err != nil {
		return model.Lease{}, fmt.Errorf("renew lease %s/%s: %w", docID, blockID, err)
	}
	lease := model.Lease{DocID: docID, BlockID: blockID, Holder: r.holder, ExpiresAt: r.until}
	if !r.granted {
		if r.holder == "" {
			return lease, fmt.Errorf("%w: block %s is not locked", model.ErrLockConflict, blockID)
		}
		return lease, fmt.Errorf("%w: block %s is locked by %s", model.ErrLockConflict, blockID, r.holder)
	}
	return lease, nil
}

// Release removes the lock if holder owns it. Releasing a lock that is gone
// or belongs to someone else is a no-op reported as false.
func (l *RedisLeases) Release(ctx context.Context, docID, blockID, holder string) (bool, error) {
	r, err := runLeaseScript(ctx, releaseScript, l.rdb, docID, blockID, holder)
	if err != nil {
		return false, fmt.Errorf("release lease %s/%s: %w", docID, blockID, err)
	}
	return r.granted, nil
}

func (l *RedisLeases) Get(ctx context.Context, docID, blockID string, now time.Time) (model.Lease, bool, error) {
	v, err := l.rdb.HGet(ctx, leaseKey(docID), blockID).Result()
	if errors.Is(err, redis.Nil) {
		return model.Lease{}, false, nil
	}
	if err != nil {
		return model.Lease{}, false, err
	}
	lease, ok := parseLease(docID, blockID, v)
	if !ok || !lease.Active(now) {
		return model.Lease{}, false, nil
	}
	return lease, true, nil
}

// Leases returns the live locks of a document keyed by block id.
func (l *RedisLeases) Leases(ctx context.Context, docID string, now time.Time) (map[string]model.Lease, error) {
	all, err := l.rdb.HGetAll(ctx, leaseKey(docID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]model.Lease, len(all))
	for blockID, v := range all {
		lease, ok := parseLease(docID, blockID, v)
		if ok && lease.Active(now) {
			out[blockID] = lease
		}
	}
	return out, nil
}

// Drop forgets a block's lock regardless of holder; used once the block is gone.
func (l *RedisLeases) Drop(ctx context.Context, docID, blockID string) error {
	return l.rdb.HDel(ctx, leaseKey(docID), blockID).Err()
}

func parseLease(docID, blockID, v string) (model.Lease, bool) {
	untilStr, holder, ok := strings.Cut(v, "|")
	if !ok || holder == "" {
		return model.Lease{}, false
	}
	ms, err := strconv.ParseInt(untilStr, 10, 64)
	if err != nil {
		return model.Lease{}, false
	}
	return model.Lease{DocID: docID, BlockID: blockID, Holder: holder, ExpiresAt: time.UnixMilli(ms).UTC()}, true
}
