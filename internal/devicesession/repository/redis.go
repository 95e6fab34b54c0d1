package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"school-platform/devicequota/internal/devicesession/domain"
)

// Key layout. Per-group keys share the {group} hash tag; the expiry index and the session-id index
// are global, so the store targets a single Redis instance (or a primary with replicas), not Cluster.
//
//	dq:{G}:active   ZSET  session id -> expires_at (unix ms), active sessions only
//	dq:{G}:fp       HASH  fingerprint -> active session id
//	dq:{G}:limit    STRING stored device limit
//	dq:{G}:s:<id>   HASH  session fields
//	dq:sid:<id>     STRING group id
//	dq:expiry       ZSET  "G|id" -> expires_at (unix ms), used by sweeps
const (
	redisKeyPrefix = "dq:"
	expiryKey      = redisKeyPrefix + "expiry"
)

func groupPrefix(groupID string) string { return redisKeyPrefix + "{" + groupID + "}:" }
func activeKey(groupID string) string { return groupPrefix(groupID) + "active" }
func fingerprintKey(groupID string) string { return groupPrefix(groupID) + "fp" }
func limitKey(groupID string) string { return groupPrefix(groupID) + "limit" }
func sessionKey(groupID, id string) string { return groupPrefix(groupID) + "s:" + id }
func sessionIndexKey(id string) string { return redisKeyPrefix + "sid:" + id }
func expiryMember(groupID, id string) string { return groupID + "|" + id }

// finishLua ends a session hash and removes it from every active index.
// Ended hashes live on for the retention period and are then dropped by Redis.
const finishLua = `
local function finish(skey, sidkey, fpkey, activekey, expirykey, id, member, now, reason, retention)
  redis.call('ZREM', activekey, id)
  redis.call('ZREM', expirykey, member)
  if redis.call('EXISTS', skey) == 0 then
    return 0
  end
  local fp = redis.call('HGET', skey, 'fp')
  redis.call('HSET', skey, 'active', '0', 'ended', now, 'reason', reason)
  if fp and redis.call('HGET', fpkey, fp) == id then
    redis.call('HDEL', fpkey, fp)
  end
  if tonumber(retention) > 0 then
    redis.call('PEXPIRE', skey, retention)
    redis.call('PEXPIRE', sidkey, retention)
  end
  return 1
end
`

// Times are unix milliseconds computed in Go and passed as strings.
//
// KEYS: active, fp, limit, expiry
// ARGV: group, fp, sessionID, now, expiresAt, explicitLimit, defaultLimit, retention, ip, ua, deviceType, browser, os
var admitScript = redis.NewScript(finishLua + `
local active, fpkey, limitkey, expirykey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local group, fp, sid = ARGV[1], ARGV[2], ARGV[3]
local now, exp = ARGV[4], ARGV[5]
local retention = ARGV[8]
local prefix = 'dq:{' .. group .. '}:s:'

local due = redis.call('ZRANGEBYSCORE', active, '-inf', now)
for _, id in ipairs(due) do
  finish(prefix .. id, 'dq:sid:' .. id, fpkey, active, expirykey, id, group .. '|' .. id, now, 'expired', retention)
end

local limit = tonumber(ARGV[6])
if limit <= 0 then
  limit = tonumber(redis.call('GET', limitkey) or '0')
end
if limit <= 0 then
  limit = tonumber(ARGV[7])
end
if limit < 1 then
  limit = 1
end

local existing = redis.call('HGET', fpkey, fp)
if existing and redis.call('ZSCORE', active, existing) then
  redis.call('HSET', prefix .. existing, 'last', now, 'exp', exp)
  redis.call('ZADD', active, exp, existing)
  redis.call('ZADD', expirykey, exp, group .. '|' .. existing)
  return {'RENEWED', existing, limit, redis.call('ZCARD', active), exp}
end

local count = redis.call('ZCARD', active)
if count >= limit then
  return {'REJECTED', '', limit, count, 0}
end

local skey = prefix .. sid
if redis.call('EXISTS', skey) == 1 or redis.call('EXISTS', 'dq:sid:' .. sid) == 1 then
  return {'CONFLICT', '', limit, count, 0}
end
redis.call('HSET', skey, 'id', sid, 'group', group, 'fp', fp, 'ip', ARGV[9], 'ua', ARGV[10],
  'dtype', ARGV[11], 'browser', ARGV[12], 'os', ARGV[13],
  'created', now, 'last', now, 'exp', exp, 'active', '1')
redis.call('SET', 'dq:sid:' .. sid, group)
redis.call('HSET', fpkey, fp, sid)
redis.call('ZADD', active, exp, sid)
redis.call('ZADD', expirykey, exp, group .. '|' .. sid)
return {'ADMITTED', sid, limit, count + 1, exp}
`)

// KEYS: session, sid index, fp, active, expiry
// ARGV: id, member, now, expiresAt, retention
var heartbeatScript = redis.NewScript(finishLua + `
local skey, sidkey, fpkey, active, expirykey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local id, member = ARGV[1], ARGV[2]
local now, exp = ARGV[3], ARGV[4]
if redis.call('EXISTS', skey) == 0 then
  return {'NOT_FOUND', 0}
end
if redis.call('HGET', skey, 'active') ~= '1' then
  return {'EXPIRED', 0}
end
if tonumber(redis.call('HGET', skey, 'exp')) <= tonumber(now) then
  finish(skey, sidkey, fpkey, active, expirykey, id, member, now, 'expired', ARGV[5])
  return {'EXPIRED', 0}
end
redis.call('HSET', skey, 'last', now, 'exp', exp)
redis.call('ZADD', active, exp, id)
redis.call('ZADD', expirykey, exp, member)
return {'RENEWED', exp}
`)

// KEYS: session, sid index, fp, active, expiry
// ARGV: id, member, now, reason, retention
var deactivateScript = redis.NewScript(finishLua + `
local skey = KEYS[1]
if redis.call('EXISTS', skey) == 0 or redis.call('HGET', skey, 'active') ~= '1' then
  return 0
end
return finish(skey, KEYS[2], KEYS[3], KEYS[4], KEYS[5], ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5])
`)

// KEYS: active, fp, expiry
// ARGV: group, now, reason, retention
var deactivateGroupScript = redis.NewScript(finishLua + `
local active, fpkey, expirykey = KEYS[1], KEYS[2], KEYS[3]
local group = ARGV[1]
local prefix = 'dq:{' .. group .. '}:s:'
local n = 0
for _, id in ipairs(redis.call('ZRANGE', active, 0, -1)) do
  n = n + finish(prefix .. id, 'dq:sid:' .. id, fpkey, active, expirykey, id, group .. '|' .. id, ARGV[2], ARGV[3], ARGV[4])
end
return n
`)

// KEYS: session, sid index, fp, active, expiry
// ARGV: id, member, now, retention
var expireOneScript = redis.NewScript(finishLua + `
local skey, expirykey = KEYS[1], KEYS[5]
local now = ARGV[3]
if redis.call('EXISTS', skey) == 0 or redis.call('HGET', skey, 'active') ~= '1' then
  redis.call('ZREM', KEYS[4], ARGV[1])
  redis.call('ZREM', expirykey, ARGV[2])
  return 0
end
local exp = redis.call('HGET', skey, 'exp')
if tonumber(exp) > tonumber(now) then
  redis.call('ZADD', expirykey, exp, ARGV[2])
  return 0
end
return finish(skey, KEYS[2], KEYS[3], KEYS[4], expirykey, ARGV[1], ARGV[2], now, 'expired', ARGV[4])
`)

// RedisRepository keeps device sessions in Redis. Every mutation of a group's active set runs as one
// Lua script, so admission is atomic per group without client-side locks.
type RedisRepository struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisRepository returns a Redis-backed store. Ended sessions are kept for retention before Redis drops them.
func NewRedisRepository(client *redis.Client, retention time.Duration) *RedisRepository {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisRepository{client: client, retention: retention}
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func sessionKeys(groupID, id string) []string {
	return []string{sessionKey(groupID, id), sessionIndexKey(id), fingerprintKey(groupID), activeKey(groupID), expiryKey}
}

// Admit runs the admission script for the group.
func (r *RedisRepository) Admit(ctx context.Context, p AdmitParams) (domain.Decision, error) {
	keys := []string{activeKey(p.GroupID), fingerprintKey(p.GroupID), limitKey(p.GroupID), expiryKey}
	res, err := admitScript.Run(ctx, r.client, keys,
		p.GroupID, p.FingerprintHash, p.SessionID, ms(p.Now), ms(p.Now.Add(p.TTL)), p.Limit, p.DefaultLimit,
		r.retention.Milliseconds(), p.Meta.IPAddress, p.Meta.UserAgent, p.Meta.DeviceType, p.Meta.Browser, p.Meta.OS,
	).Slice()
	if err != nil {
		return domain.Decision{}, err
	}
	if len(res) != 5 {
		return domain.Decision{}, fmt.Errorf("admit script: unexpected reply %v", res)
	}
	outcome, _ := res[0].(string)
	id, _ := res[1].(string)
	limit, _ := res[2].(int64)
	count, _ := res[3].(int64)
	exp, _ := res[4].(string)
	dec := domain.Decision{Limit: int(limit), CurrentCount: int(count)}
	switch outcome {
	case "ADMITTED":
		dec.Outcome = domain.OutcomeAdmitted
	case "RENEWED":
		dec.Outcome = domain.OutcomeRenewed
	case "REJECTED":
		dec.Outcome = domain.OutcomeRejected
		return dec, nil
	case "CONFLICT":
		return domain.Decision{}, ErrConflict
	default:
		return domain.Decision{}, fmt.Errorf("admit script: unknown outcome %q", outcome)
	}
	dec.SessionID = id
	dec.ExpiresAt = parseMillis(exp)
	return dec, nil
}

func (r *RedisRepository) groupOf(ctx context.Context, id string) (string, bool, error) {
	g, err := r.client.Get(ctx, sessionIndexKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return g, true, nil
}

// Heartbeat resolves the session's group, then extends it in one script.
// A session's group never changes, so the lookup can run outside the script.
func (r *RedisRepository) Heartbeat(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) (domain.HeartbeatResult, error) {
	groupID, ok, err := r.groupOf(ctx, sessionID)
	if err != nil {
		return domain.HeartbeatResult{}, err
	}
	if !ok {
		return domain.HeartbeatResult{Status: domain.HeartbeatNotFound}, nil
	}
	res, err := heartbeatScript.Run(ctx, r.client, sessionKeys(groupID, sessionID),
		sessionID, expiryMember(groupID, sessionID), ms(now), ms(now.Add(ttl)), r.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return domain.HeartbeatResult{}, err
	}
	if len(res) != 2 {
		return domain.HeartbeatResult{}, fmt.Errorf("heartbeat script: unexpected reply %v", res)
	}
	status, _ := res[0].(string)
	switch status {
	case "RENEWED":
		exp, _ := res[1].(string)
		return domain.HeartbeatResult{Status: domain.HeartbeatRenewed, ExpiresAt: parseMillis(exp)}, nil
	case "EXPIRED":
		return domain.HeartbeatResult{Status: domain.HeartbeatExpired}, nil
	default:
		return domain.HeartbeatResult{Status: domain.HeartbeatNotFound}, nil
	}
}

func parseMillis(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func sessionFromHash(h map[string]string) *domain.DeviceSession {
	if len(h) == 0 || h["id"] == "" {
		return nil
	}
	s := &domain.DeviceSession{
		ID:              h["id"],
		GroupID:         h["group"],
		FingerprintHash: h["fp"],
		IPAddress:       h["ip"],
		UserAgent:       h["ua"],
		DeviceType:      h["dtype"],
		Browser:         h["browser"],
		OS:              h["os"],
		CreatedAt:       parseMillis(h["created"]),
		LastActive:      parseMillis(h["last"]),
		ExpiresAt:       parseMillis(h["exp"]),
		IsActive:        h["active"] == "1",
		EndReason:       domain.EndReason(h["reason"]),
	}
	if v, ok := h["ended"]; ok && v != "" {
		t := parseMillis(v)
		s.EndedAt = &t
	}
	return s
}

func (r *RedisRepository) load(ctx context.Context, groupID, id string) (*domain.DeviceSession, error) {
	h, err := r.client.HGetAll(ctx, sessionKey(groupID, id)).Result()
	if err != nil {
		return nil, err
	}
	return sessionFromHash(h), nil
}

// GetByID returns the session for id, or nil if not found.
func (r *RedisRepository) GetByID(ctx context.Context, id string) (*domain.DeviceSession, error) {
	groupID, ok, err := r.groupOf(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return r.load(ctx, groupID, id)
}

// Deactivate ends the session if it is still active.
func (r *RedisRepository) Deactivate(ctx context.Context, id string, reason domain.EndReason, now time.Time) (*domain.DeviceSession, error) {
	groupID, ok, err := r.groupOf(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	n, err := deactivateScript.Run(ctx, r.client, sessionKeys(groupID, id),
		id, expiryMember(groupID, id), ms(now), string(reason), r.retention.Milliseconds(),
	).Int()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.load(ctx, groupID, id)
}

// DeactivateGroup ends all active sessions in the group.
func (r *RedisRepository) DeactivateGroup(ctx context.Context, groupID string, reason domain.EndReason, now time.Time) (int, error) {
	return deactivateGroupScript.Run(ctx, r.client,
		[]string{activeKey(groupID), fingerprintKey(groupID), expiryKey},
		groupID, ms(now), string(reason), r.retention.Milliseconds(),
	).Int()
}

// ListActive returns live sessions ordered by creation time.
func (r *RedisRepository) ListActive(ctx context.Context, groupID string, now time.Time) ([]*domain.DeviceSession, error) {
	ids, err := r.client.ZRangeByScore(ctx, activeKey(groupID), &redis.ZRangeBy{
		Min: "(" + ms(now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*domain.DeviceSession{}, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(groupID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.DeviceSession, 0, len(ids))
	for _, cmd := range cmds {
		if s := sessionFromHash(cmd.Val()); s.Live(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountActive returns the number of live sessions in the group.
func (r *RedisRepository) CountActive(ctx context.Context, groupID string, now time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, activeKey(groupID), "("+ms(now), "+inf").Result()
	return int(n), err
}

// GetLimit returns the stored limit, or 0.
func (r *RedisRepository) GetLimit(ctx context.Context, groupID string) (int, error) {
	n, err := r.client.Get(ctx, limitKey(groupID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// SetLimit stores the group's limit; the admission script reads it on every call.
func (r *RedisRepository) SetLimit(ctx context.Context, groupID string, limit int, now time.Time) error {
	return r.client.Set(ctx, limitKey(groupID), limit, 0).Err()
}

// ExpireDue ends up to batch sessions from the global expiry index. Each candidate is re-checked
// inside its own script, so a session renewed since the range read is left alone.
func (r *RedisRepository) ExpireDue(ctx context.Context, now time.Time, batch int) ([]*domain.DeviceSession, error) {
	if batch <= 0 {
		batch = 500
	}
	members, err := r.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   ms(now),
		Count: int64(batch),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.DeviceSession
	for _, member := range members {
		sep := strings.LastIndex(member, "|")
		if sep <= 0 {
			if err := r.client.ZRem(ctx, expiryKey, member).Err(); err != nil {
				return out, fmt.Errorf("drop malformed expiry entry %q: %w", member, err)
			}
			continue
		}
		groupID, id := member[:sep], member[sep+1:]
		n, err := expireOneScript.Run(ctx, r.client, sessionKeys(groupID, id),
			id, member, ms(now), r.retention.Milliseconds(),
		).Int()
		if err != nil {
			return out, err
		}
		if n == 0 {
			continue
		}
		s, err := r.load(ctx, groupID, id)
		if err != nil {
			return out, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// PurgeInactive is a no-op: ended sessions carry a TTL of the retention period and Redis drops them.
func (r *RedisRepository) PurgeInactive(ctx context.Context, endedBefore time.Time, batch int) (int, error) {
	return 0, nil
}

// Ping verifies Redis is reachable.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
