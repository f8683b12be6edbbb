package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// putScript updates an existing record unless it is terminal. It returns
// -1 for a missing record and 0 for a terminal one.
var putScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
	return -1
end
if s == 'completed' or s == 'failed' or s == 'cancelled' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2])
return 1
`)

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps jobs in Redis hashes, indexed by a sorted set on
// created_at. Leases are plain keys with a PX expiry.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	cleaner *ArchiveCleaner
}

// NewRedisStore returns a store using keys under prefix (e.g. "themeexport:").
func NewRedisStore(rdb redis.UniversalClient, prefix string, cleaner *ArchiveCleaner) *RedisStore {
	if cleaner == nil {
		cleaner = DefaultCleaner()
	}
	return &RedisStore{rdb: rdb, prefix: prefix, cleaner: cleaner}
}

func (s *RedisStore) jobKey(id string) string   { return s.prefix + "job:" + id }
func (s *RedisStore) leaseKey(id string) string { return s.prefix + "lease:" + id }
func (s *RedisStore) indexKey() string          { return s.prefix + "jobs" }
func (s *RedisStore) pointerKey() string        { return s.prefix + "pointers" }

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.HGet(ctx, s.jobKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j := &Job{}
	if err := json.Unmarshal([]byte(data), j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	data, err := encode(j)
	if err != nil {
		return err
	}
	n, err := createScript.Run(ctx, s.rdb,
		[]string{s.jobKey(j.ID), s.indexKey()},
		string(j.Status), data, j.CreatedAt, j.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, j *Job) error {
	data, err := encode(j)
	if err != nil {
		return err
	}
	n, err := putScript.Run(ctx, s.rdb, []string{s.jobKey(j.ID)}, string(j.Status), data).Int()
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrImmutable
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	pointers, err := s.rdb.HGetAll(ctx, s.pointerKey()).Result()
	if err != nil {
		return false, fmt.Errorf("read pointers: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.jobKey(id), s.leaseKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	for user, jobID := range pointers {
		if jobID == id {
			pipe.HDel(ctx, s.pointerKey(), user)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	return s.cleaner.Remove(j), nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []*Job
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matches(f, j) {
			continue
		}
		jobs = append(jobs, j)
		if f.Limit > 0 && len(jobs) == f.Limit {
			break
		}
	}
	return jobs, nil
}

func (s *RedisStore) SetUserPointer(ctx context.Context, user, id string) error {
	if err := s.rdb.HSet(ctx, s.pointerKey(), user, id).Err(); err != nil {
		return fmt.Errorf("set pointer for user %s: %w", user, err)
	}
	return nil
}

func (s *RedisStore) GetUserPointer(ctx context.Context, user string) (string, error) {
	id, err := s.rdb.HGet(ctx, s.pointerKey(), user).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pointer for user %s: %w", user, err)
	}
	return id, nil
}

func (s *RedisStore) ClearUserPointer(ctx context.Context, user string) error {
	if err := s.rdb.HDel(ctx, s.pointerKey(), user).Err(); err != nil {
		return fmt.Errorf("clear pointer for user %s: %w", user, err)
	}
	return nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.rdb, []string{s.leaseKey(id)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease on job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, id, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.leaseKey(id)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease on job %s: %w", id, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
