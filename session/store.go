package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no session row exists for the requested ID.
var ErrNotFound = errors.New("session not found")

// ErrUnavailable wraps every backend I/O failure. It is never folded into a
// token-validity error; callers must surface it separately.
var ErrUnavailable = errors.New("session backend unavailable")

// RotateStatus classifies the outcome of a conditional rotate.
type RotateStatus int

const (
	RotateNotFound RotateStatus = iota
	RotateInvalid
	RotateReuse
	RotateExpired
	RotateDeviceMismatch
	RotateOK
)

// RotateOutcome carries the rotate result. Old is populated only on RotateOK;
// UserID is populated whenever the row was located and validated far enough
// to need a cascade (reuse, device mismatch) or a successor (OK).
type RotateOutcome struct {
	Status     RotateStatus
	UserID     string
	Old        *Record
	FirstReuse bool
}

// RevokeStatus classifies the outcome of a conditional single-session revoke.
type RevokeStatus int

const (
	RevokeNotFound RevokeStatus = iota
	RevokeAlreadyTerminal
	RevokeDone
)

// Store is the session persistence abstraction. Implementations must make
// Rotate a conditional update (exactly one winner for concurrent rotations of
// the same active session) and RevokeAllForUser a single bulk operation.
type Store interface {
	Save(ctx context.Context, rec *Record, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	Rotate(ctx context.Context, sessionID string, providedHash [32]byte, expectedUserID, deviceID, clientIP, replacementID string, now time.Time) (*RotateOutcome, error)
	Revoke(ctx context.Context, sessionID, reason string, now time.Time) (RevokeStatus, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int, error)
	ActiveSessionIDs(ctx context.Context, userID string) ([]string, error)
}

// Hash field layout for session rows. Short names keep the row compact; the
// Lua scripts below address fields by these names.
const (
	fUserID       = "uid"
	fRole         = "rl"
	fSecretHash   = "sh"
	fDeviceID     = "dev"
	fUserAgent    = "ua"
	fCreatedIP    = "cip"
	fLastUsedIP   = "lip"
	fCreatedAt    = "ca"
	fLastUsedAt   = "la"
	fExpiresAt    = "ea"
	fRememberMe   = "rm"
	fStatus       = "st"
	fRevokedAt    = "ra"
	fRevokeReason = "rr"
	fReplacedBy   = "rb"
	fReuseAt      = "rda"
)

const (
	statusActiveStr  = "active"
	statusRotatedStr = "rotated"
	statusRevokedStr = "revoked"
)

// rotateScript performs the whole rotation check-and-mark atomically.
//
// KEYS[1] session key
// ARGV[1] provided secret hash (hex)
// ARGV[2] expected user id ("" = skip owner check)
// ARGV[3] presented device id ("" = skip device check)
// ARGV[4] client ip
// ARGV[5] replacement session id
// ARGV[6] now (unix seconds)
//
// Return codes: 0 not-found, 1 invalid, 2 reuse, 3 expired, 4 device
// mismatch, 5 rotated. The hash comparison precedes the status checks so
// that a wrong secret against a rotated-out row reads as invalid, not reuse.
const rotateScript = `
local f = redis.call("HGETALL", KEYS[1])
if #f == 0 then
  return {0}
end
local t = {}
for i = 1, #f, 2 do
  t[f[i]] = f[i + 1]
end
if ARGV[2] ~= "" and t.uid ~= ARGV[2] then
  return {1}
end
if t.sh ~= ARGV[1] then
  return {1}
end
if t.st == "rotated" then
  local first = 0
  if (t.rda or "") == "" or t.rda == "0" then
    redis.call("HSET", KEYS[1], "rda", ARGV[6])
    first = 1
  end
  return {2, t.uid, first}
end
if t.st ~= "active" then
  return {1}
end
if tonumber(t.ea) < tonumber(ARGV[6]) then
  redis.call("HSET", KEYS[1], "st", "revoked", "rr", "expired", "ra", ARGV[6])
  return {3}
end
if t.dev ~= "" and ARGV[3] ~= "" and t.dev ~= ARGV[3] then
  return {4, t.uid}
end
redis.call("HSET", KEYS[1],
  "st", "rotated", "rr", "rotated", "ra", ARGV[6], "rb", ARGV[5],
  "la", ARGV[6], "lip", ARGV[4])
return {5, t.uid, t.dev, t.ua, t.cip, t.lip, t.ca, t.la, t.ea, t.rm, t.rl or ""}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript conditionally revokes a single session.
// Returns -1 not-found, 0 already terminal, 1 revoked now.
const revokeScript = `
local st = redis.call("HGET", KEYS[1], "st")
if not st then
  return -1
end
if st ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "st", "revoked", "rr", ARGV[1], "ra", ARGV[2])
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// revokeAllScript bulk-revokes every active session for a user in one atomic
// step, so a concurrent rotation cannot slip a live session past the sweep.
// Stale index members whose rows already expired are pruned along the way.
//
// KEYS[1] user index key; ARGV[1] key prefix, ARGV[2] reason, ARGV[3] now.
const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local k = ARGV[1] .. id
  local st = redis.call("HGET", k, "st")
  if not st then
    redis.call("SREM", KEYS[1], id)
  elseif st == "active" then
    redis.call("HSET", k, "st", "revoked", "rr", ARGV[2], "ra", ARGV[3])
    n = n + 1
  end
end
return n
`

var revokeAllLua = redis.NewScript(revokeAllScript)

// RedisStore persists sessions as Redis hashes with a per-user index set.
// Rows outlive revocation: the TTL is expiry plus a retention window, so a
// rotated-out token presented again still finds the row that convicts it.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "as"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "u:" + userID
}

func (s *RedisStore) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("non-positive session ttl")
	}

	fields := recordToFields(rec)
	key := s.key(rec.SessionID)
	userKey := s.userKey(rec.UserID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, userKey, rec.SessionID)
		// The index must outlive its longest-lived member, so its TTL only
		// ever ratchets up: a short session saved after a remember-me one
		// must not shorten it.
		pipe.ExpireNX(ctx, userKey, ttl)
		pipe.ExpireGT(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return fieldsToRecord(sessionID, fields)
}

func (s *RedisStore) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	expectedUserID, deviceID, clientIP, replacementID string,
	now time.Time,
) (*RotateOutcome, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		hex.EncodeToString(providedHash[:]),
		expectedUserID,
		deviceID,
		clientIP,
		replacementID,
		now.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case 0:
		return &RotateOutcome{Status: RotateNotFound}, nil
	case 1:
		return &RotateOutcome{Status: RotateInvalid}, nil
	case 2:
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: truncated reuse response", ErrUnavailable)
		}
		first, _ := parts[2].(int64)
		return &RotateOutcome{
			Status:     RotateReuse,
			UserID:     luaString(parts[1]),
			FirstReuse: first == 1,
		}, nil
	case 3:
		return &RotateOutcome{Status: RotateExpired}, nil
	case 4:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: truncated device mismatch response", ErrUnavailable)
		}
		return &RotateOutcome{Status: RotateDeviceMismatch, UserID: luaString(parts[1])}, nil
	case 5:
		if len(parts) < 11 {
			return nil, fmt.Errorf("%w: truncated rotate response", ErrUnavailable)
		}
		old := &Record{
			SessionID:    sessionID,
			UserID:       luaString(parts[1]),
			Role:         luaString(parts[10]),
			SecretHash:   providedHash,
			DeviceID:     luaString(parts[2]),
			UserAgent:    luaString(parts[3]),
			CreatedIP:    luaString(parts[4]),
			LastUsedIP:   luaString(parts[5]),
			CreatedAt:    luaInt(parts[6]),
			LastUsedAt:   luaInt(parts[7]),
			ExpiresAt:    luaInt(parts[8]),
			RememberMe:   luaString(parts[9]) == "1",
			Status:       StatusRotated,
			RevokedAt:    now.Unix(),
			RevokeReason: ReasonRotated,
			ReplacedBy:   replacementID,
		}
		return &RotateOutcome{Status: RotateOK, UserID: old.UserID, Old: old}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrUnavailable)
	}
}

func (s *RedisStore) Revoke(ctx context.Context, sessionID, reason string, now time.Time) (RevokeStatus, error) {
	result, err := revokeLua.Run(ctx, s.redis, []string{s.key(sessionID)}, reason, now.Unix()).Int64()
	if err != nil {
		return RevokeNotFound, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch result {
	case -1:
		return RevokeNotFound, nil
	case 0:
		return RevokeAlreadyTerminal, nil
	default:
		return RevokeDone, nil
	}
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int, error) {
	count, err := revokeAllLua.Run(
		ctx,
		s.redis,
		[]string{s.userKey(userID)},
		s.prefix+":",
		reason,
		now.Unix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return int(count), nil
}

func (s *RedisStore) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.key(id), fStatus)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	active := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		st, cmdErr := cmd.Result()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		if st == statusActiveStr {
			active = append(active, ids[i])
		}
	}

	return active, nil
}

func recordToFields(rec *Record) map[string]interface{} {
	rm := "0"
	if rec.RememberMe {
		rm = "1"
	}

	return map[string]interface{}{
		fUserID:       rec.UserID,
		fRole:         rec.Role,
		fSecretHash:   hex.EncodeToString(rec.SecretHash[:]),
		fDeviceID:     rec.DeviceID,
		fUserAgent:    rec.UserAgent,
		fCreatedIP:    rec.CreatedIP,
		fLastUsedIP:   rec.LastUsedIP,
		fCreatedAt:    rec.CreatedAt,
		fLastUsedAt:   rec.LastUsedAt,
		fExpiresAt:    rec.ExpiresAt,
		fRememberMe:   rm,
		fStatus:       statusString(rec.Status),
		fRevokedAt:    rec.RevokedAt,
		fRevokeReason: rec.RevokeReason,
		fReplacedBy:   rec.ReplacedBy,
		fReuseAt:      rec.ReuseDetectedAt,
	}
}

func fieldsToRecord(sessionID string, fields map[string]string) (*Record, error) {
	status, err := parseStatus(fields[fStatus])
	if err != nil {
		return nil, err
	}

	hashRaw, err := hex.DecodeString(fields[fSecretHash])
	if err != nil || len(hashRaw) != 32 {
		return nil, errors.New("corrupt session secret hash")
	}

	rec := &Record{
		SessionID:       sessionID,
		UserID:          fields[fUserID],
		Role:            fields[fRole],
		DeviceID:        fields[fDeviceID],
		UserAgent:       fields[fUserAgent],
		CreatedIP:       fields[fCreatedIP],
		LastUsedIP:      fields[fLastUsedIP],
		CreatedAt:       parseInt(fields[fCreatedAt]),
		LastUsedAt:      parseInt(fields[fLastUsedAt]),
		ExpiresAt:       parseInt(fields[fExpiresAt]),
		RememberMe:      fields[fRememberMe] == "1",
		Status:          status,
		RevokedAt:       parseInt(fields[fRevokedAt]),
		RevokeReason:    fields[fRevokeReason],
		ReplacedBy:      fields[fReplacedBy],
		ReuseDetectedAt: parseInt(fields[fReuseAt]),
	}
	copy(rec.SecretHash[:], hashRaw)

	// Rotation linkage invariant: a replacement pointer only makes sense on
	// a rotated-out row.
	if rec.ReplacedBy != "" && rec.Status != StatusRotated {
		return nil, errors.New("corrupt session state")
	}

	return rec, nil
}

func statusString(st Status) string {
	switch st {
	case StatusRotated:
		return statusRotatedStr
	case StatusRevoked:
		return statusRevokedStr
	default:
		return statusActiveStr
	}
}

func parseStatus(s string) (Status, error) {
	switch s {
	case statusActiveStr:
		return StatusActive, nil
	case statusRotatedStr:
		return StatusRotated, nil
	case statusRevokedStr:
		return StatusRevoked, nil
	default:
		return StatusActive, errors.New("corrupt session status")
	}
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func luaString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func luaInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		return parseInt(n)
	case []byte:
		return parseInt(string(n))
	default:
		return 0
	}
}
