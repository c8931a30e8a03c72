package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/types"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	keyPrefix     = "_drta_"
	lockKeyName   = keyPrefix + "alloc_lock"
	portsKeyName  = keyPrefix + "ports"   // ZSET, member and score = port
	addrsKeyName  = keyPrefix + "addrs"   // HASH, address -> unique ID
	recordKeyName = keyPrefix + "records" // HASH, unique ID -> record JSON
	seqKeyName    = keyPrefix + "seq"

	// LockTTL bounds how long a crashed holder can block allocations.
	LockTTL       = 30 * time.Second
	lockRetryWait = 20 * time.Millisecond
)

// commitScript re-checks all three uniqueness indexes and writes the record
// atomically, but only while the caller still owns the allocation lock.
var commitScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 'lock' end
if redis.call('ZSCORE', KEYS[2], ARGV[2]) then return 'port' end
if redis.call('HEXISTS', KEYS[3], ARGV[3]) == 1 then return 'address' end
if redis.call('HEXISTS', KEYS[4], ARGV[4]) == 1 then return 'unique_id' end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[4], ARGV[4], ARGV[5])
return 'ok'
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end
return 0
`)

var deleteScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[3], ARGV[1])
if not v then return 0 end
local r = cjson.decode(v)
redis.call('ZREM', KEYS[1], tostring(r.port))
redis.call('HDEL', KEYS[2], r.address)
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// AllocStore implements ports.AllocationStore on Redis. Allocations are
// serialized by a token-owned lock key; commits go through a Lua script so the
// uniqueness checks and the writes happen as one step on the server.
type AllocStore struct {
	cli *redis.Client
	now func() time.Time
}

func NewAllocStore(cli *redis.Client) *AllocStore {
	return &AllocStore{cli: cli, now: time.Now}
}

type allocTx struct {
	s      *AllocStore
	staged *types.EnrollmentRecord
}

func (s *AllocStore) Allocate(ctx context.Context, fn ports.AllocateFunc) (types.EnrollmentRecord, error) {
	token, err := s.lock(ctx)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	defer s.unlock(token)

	t := &allocTx{s: s}
	rec, err := fn(ctx, t)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	if t.staged == nil {
		return rec, nil
	}
	if err := ctx.Err(); err != nil {
		return types.EnrollmentRecord{}, err
	}
	if err := s.commit(ctx, token, *t.staged); err != nil {
		return types.EnrollmentRecord{}, err
	}
	return rec, nil
}

func (s *AllocStore) lock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	for {
		ok, err := s.cli.SetNX(ctx, lockKeyName, token, LockTTL).Result()
		if err != nil {
			return "", wrap(ctx, err, "acquire allocation lock")
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
}

func (s *AllocStore) unlock(token string) {
	// The caller's context may already be cancelled; release regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, s.cli, []string{lockKeyName}, token).Err(); err != nil {
		log.WithError(err).Warn("failed to release allocation lock, it will expire")
	}
}

// commitTimeout bounds a commit once it has been sent. The commit does not
// follow the caller's cancellation, so an error always means nothing was written.
const commitTimeout = 5 * time.Second

func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

func (s *AllocStore) commit(ctx context.Context, token string, rec types.EnrollmentRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ctx, cancel := commitContext(ctx)
	defer cancel()
	res, err := commitScript.Run(ctx, s.cli,
		[]string{lockKeyName, portsKeyName, addrsKeyName, recordKeyName},
		token, rec.Port, rec.Address, rec.UniqueID, string(body),
	).Text()
	if err != nil {
		return wrap(ctx, err, "commit allocation")
	}
	switch res {
	case "ok":
		return nil
	case "lock":
		return types.Err(types.ErrConflict, nil, "allocation lock lost before commit")
	default:
		return types.Err(types.ErrConflict, nil, "%s already allocated", res)
	}
}

func (t *allocTx) NextFreePort(ctx context.Context, start, end int) (int, error) {
	taken, err := t.s.cli.ZRangeByScore(ctx, portsKeyName, &redis.ZRangeBy{
		Min: strconv.Itoa(start),
		Max: "(" + strconv.Itoa(end),
	}).Result()
	if err != nil {
		return 0, wrap(ctx, err, "scan ports")
	}
	candidate := start
	for _, m := range taken {
		p, err := strconv.Atoi(m)
		if err != nil {
			return 0, fmt.Errorf("invalid port member %q: %w", m, err)
		}
		if p > candidate {
			break
		}
		candidate = p + 1
	}
	if candidate >= end {
		return 0, types.ErrPortRangeExhausted
	}
	return candidate, nil
}

func (t *allocTx) IsAddressTaken(ctx context.Context, address string) (bool, error) {
	ok, err := t.s.cli.HExists(ctx, addrsKeyName, address).Result()
	if err != nil {
		return false, wrap(ctx, err, "check address")
	}
	return ok, nil
}

func (t *allocTx) Insert(ctx context.Context, rec types.EnrollmentRecord) (types.EnrollmentRecord, error) {
	if t.staged != nil {
		return types.EnrollmentRecord{}, errors.New("only one insert per allocation")
	}
	// Fast-path checks; the commit script is authoritative.
	taken, err := t.IsAddressTaken(ctx, rec.Address)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	exists, err := t.s.cli.HExists(ctx, recordKeyName, rec.UniqueID).Result()
	if err != nil {
		return types.EnrollmentRecord{}, wrap(ctx, err, "check unique id")
	}
	_, perr := t.s.cli.ZScore(ctx, portsKeyName, strconv.Itoa(rec.Port)).Result()
	if perr != nil && !errors.Is(perr, redis.Nil) {
		return types.EnrollmentRecord{}, wrap(ctx, perr, "check port")
	}
	if taken || exists || perr == nil {
		return types.EnrollmentRecord{}, types.ErrConflict
	}

	id, err := t.s.cli.Incr(ctx, seqKeyName).Result()
	if err != nil {
		return types.EnrollmentRecord{}, wrap(ctx, err, "assign id")
	}
	rec.ID = id
	rec.CreatedAt = t.s.now().UTC()
	t.staged = &rec
	return rec, nil
}

func (s *AllocStore) List(ctx context.Context) ([]types.EnrollmentRecord, error) {
	vals, err := s.cli.HVals(ctx, recordKeyName).Result()
	if err != nil {
		return nil, wrap(ctx, err, "list enrollments")
	}
	out := make([]types.EnrollmentRecord, 0, len(vals))
	for _, v := range vals {
		var r types.EnrollmentRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("invalid record: %w", err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *AllocStore) Get(ctx context.Context, uniqueID string) (types.EnrollmentRecord, error) {
	v, err := s.cli.HGet(ctx, recordKeyName, uniqueID).Result()
	if errors.Is(err, redis.Nil) {
		return types.EnrollmentRecord{}, types.ErrNotFound
	}
	if err != nil {
		return types.EnrollmentRecord{}, wrap(ctx, err, "get enrollment %s", uniqueID)
	}
	var r types.EnrollmentRecord
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return types.EnrollmentRecord{}, fmt.Errorf("invalid record: %w", err)
	}
	return r, nil
}

func (s *AllocStore) Delete(ctx context.Context, uniqueID string) error {
	n, err := deleteScript.Run(ctx, s.cli,
		[]string{portsKeyName, addrsKeyName, recordKeyName}, uniqueID,
	).Int()
	if err != nil {
		return wrap(ctx, err, "delete enrollment %s", uniqueID)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *AllocStore) ClearAll(ctx context.Context) error {
	return s.cli.Del(ctx, portsKeyName, addrsKeyName, recordKeyName, lockKeyName).Err()
}

func (s *AllocStore) Close() error {
	return s.cli.Close()
}

func wrap(ctx context.Context, err error, msgTemplate string, args ...any) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return types.Err(types.ErrStoreUnavailable, err, msgTemplate, args...)
}
