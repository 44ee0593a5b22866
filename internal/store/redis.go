// redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"key.share/internal/models"
)

var _ Store = (*RedisStore)(nil)

const (
	expiryIndexKey = "shares:expiry"
	scanPageSize   = 100

	// keyGrace keeps a record around past ExpiresAt so the reaper can
	// still observe and audit it. Redis drops it afterwards regardless.
	keyGrace = time.Hour
)

// Script result codes shared by putScript and transitionScript.
const (
	scriptOK       = 0
	scriptNotFound = 1
	scriptConflict = 2
)

const (
	purgeKept = iota
	purgeRemoved
	purgeStale
)

var putScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if cur == 'active' then
		return 2
	end
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1],
		'ct', ARGV[1], 'nonce', ARGV[2], 'tag', ARGV[3],
		'status', ARGV[4], 'failed', ARGV[5], 'max', ARGV[6],
		'created', ARGV[7], 'expires', ARGV[8])
	redis.call('PEXPIREAT', KEYS[1], ARGV[9])
	redis.call('ZADD', KEYS[2], ARGV[8], ARGV[10])
	return 0
`)

var transitionScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if not cur then
		return {1}
	end
	if cur ~= ARGV[1] then
		return {2}
	end
	local status = ARGV[2]
	if ARGV[3] == '1' then
		local failed = redis.call('HINCRBY', KEYS[1], 'failed', 1)
		local max = tonumber(redis.call('HGET', KEYS[1], 'max'))
		if failed < max then
			status = cur
		end
	end
	if status ~= cur then
		redis.call('HSET', KEYS[1], 'status', status)
		redis.call('HDEL', KEYS[1], 'ct', 'nonce', 'tag')
	end
	local out = redis.call('HGETALL', KEYS[1])
	table.insert(out, 1, 0)
	return out
`)

// purgeScript replies purgeKept, purgeRemoved or purgeStale.
var purgeScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if cur == 'active' then
		return 0
	end
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	if cur then
		return 1
	end
	return 2
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(options *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Put(ctx context.Context, share *models.Share) error {
	expires := share.ExpiresAt.UnixMilli()
	res, err := putScript.Run(ctx, r.client,
		[]string{shareKey(share.CodeHash), expiryIndexKey},
		share.Ciphertext, share.Nonce, share.AuthTag,
		share.Status.String(), share.FailedAttempts, share.MaxAttempts,
		share.CreatedAt.UnixMilli(), expires,
		share.ExpiresAt.Add(keyGrace).UnixMilli(), share.CodeHash,
	).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if res == scriptConflict {
		return ErrDuplicateCode
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, codeHash string) (bool, error) {
	n, err := r.client.Exists(ctx, shareKey(codeHash)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) GetActive(ctx context.Context, codeHash string, now time.Time) (*models.Share, error) {
	fields, err := r.client.HGetAll(ctx, shareKey(codeHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	share, err := decode(codeHash, fields)
	if err != nil {
		return nil, err
	}
	return classify(share, now)
}

func (r *RedisStore) CompareAndTransition(ctx context.Context, codeHash string, t Transition) (*models.Share, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	countFailure := "0"
	if t.CountFailure {
		countFailure = "1"
	}

	res, err := transitionScript.Run(ctx, r.client, []string{shareKey(codeHash)},
		t.From.String(), t.To.String(), countFailure,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis transition: %w", err)
	}
	if len(res) == 0 {
		return nil, errors.New("redis transition: empty script reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case scriptNotFound:
		return nil, ErrNotFound
	case scriptConflict:
		return nil, ErrConflict
	}

	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decode(codeHash, fields)
}

func (r *RedisStore) Delete(ctx context.Context, codeHash string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, shareKey(codeHash))
		pipe.ZRem(ctx, expiryIndexKey, codeHash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (r *RedisStore) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var offset int64
		for {
			page, err := r.expiredPage(ctx, now, offset)
			if err != nil {
				yield("", err)
				return
			}
			if len(page) == 0 {
				return
			}
			statuses := make([]*redis.StringCmd, len(page))
			_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, hash := range page {
					statuses[i] = pipe.HGet(ctx, shareKey(hash), "status")
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.Nil) {
				yield("", fmt.Errorf("redis scan status: %w", err))
				return
			}

			for i, hash := range page {
				if statuses[i].Val() != models.StatusActive.String() {
					continue
				}
				if !yield(hash, nil) {
					return
				}
			}

			// The consumer may have deleted yielded members, which shifts
			// the index; only members still present advance the offset.
			kept, err := r.stillIndexed(ctx, page)
			if err != nil {
				yield("", err)
				return
			}
			offset += kept
		}
	}
}

func (r *RedisStore) stillIndexed(ctx context.Context, members []string) (int64, error) {
	scores := make([]*redis.FloatCmd, len(members))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			scores[i] = pipe.ZScore(ctx, expiryIndexKey, m)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis scan index: %w", err)
	}

	var kept int64
	for _, cmd := range scores {
		if cmd.Err() == nil {
			kept++
		}
	}
	return kept, nil
}

func (r *RedisStore) expiredPage(ctx context.Context, now time.Time, offset int64) ([]string, error) {
	page, err := r.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: offset,
		Count:  scanPageSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return page, nil
}

func (r *RedisStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	// Purged members leave the index, so only kept ones advance the offset.
	var offset int64
	for {
		page, err := r.expiredPage(ctx, before, offset)
		if err != nil {
			return removed, err
		}
		if len(page) == 0 {
			return removed, nil
		}

		for _, hash := range page {
			res, err := purgeScript.Run(ctx, r.client,
				[]string{shareKey(hash), expiryIndexKey}, hash).Int()
			if err != nil {
				return removed, fmt.Errorf("redis purge: %w", err)
			}
			switch res {
			case purgeKept:
				offset++
			case purgeRemoved:
				removed++
			}
		}
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client exposes the connection for components that share it, such as the
// distributed rate limiter.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func shareKey(codeHash string) string {
	return "share:" + codeHash
}

func decode(codeHash string, fields map[string]string) (*models.Share, error) {
	status, ok := models.ParseStatus(fields["status"])
	if !ok {
		return nil, fmt.Errorf("redis decode: unknown status %q", fields["status"])
	}

	failed, err := strconv.Atoi(fields["failed"])
	if err != nil {
		return nil, fmt.Errorf("redis decode failed attempts: %w", err)
	}
	maxAttempts, err := strconv.Atoi(fields["max"])
	if err != nil {
		return nil, fmt.Errorf("redis decode max attempts: %w", err)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis decode created: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis decode expires: %w", err)
	}

	return &models.Share{
		CodeHash:       codeHash,
		Ciphertext:     bytesField(fields, "ct"),
		Nonce:          bytesField(fields, "nonce"),
		AuthTag:        bytesField(fields, "tag"),
		Status:         status,
		FailedAttempts: failed,
		MaxAttempts:    maxAttempts,
		CreatedAt:      time.UnixMilli(created).UTC(),
		ExpiresAt:      time.UnixMilli(expires).UTC(),
	}, nil
}

func bytesField(fields map[string]string, name string) []byte {
	v, ok := fields[name]
	if !ok {
		return nil
	}
	return []byte(v)
}
