package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "sentinel:session:"
	redisIndexKey  = "sentinel:sessions"

	listBatch = 100
)

// RedisStore keeps one hash per token plus a sorted-set index scored by
// start time in microseconds. Ties are ordered by token, which matches the
// order List promises.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL parses a redis:// URL and connects lazily.
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	pipe := s.client.TxPipeline()
	key := redisKeyPrefix + rec.Token
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"start_time", rec.StartTime.UTC().Format(time.RFC3339Nano),
		"source_address", rec.SourceAddress,
		"user_agent", rec.UserAgent,
	)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(rec.StartTime.UnixMicro()), Member: rec.Token})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+token).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	start, err := time.Parse(time.RFC3339Nano, fields["start_time"])
	if err != nil {
		return nil, fmt.Errorf("corrupt start_time for session: %w", err)
	}
	return &Record{
		Token:         token,
		StartTime:     start,
		SourceAddress: fields["source_address"],
		UserAgent:     fields["user_agent"],
	}, nil
}

// List walks the index newest first. The cursor is compared at microsecond
// precision, the resolution of the index scores.
func (s *RedisStore) List(ctx context.Context, after *pagination.Cursor, limit int) ([]Record, error) {
	upper := "+inf"
	var afterScore int64
	if after != nil {
		afterScore = after.At.UnixMicro()
		upper = strconv.FormatInt(afterScore, 10)
	}

	out := make([]Record, 0, limit)
	for offset := int64(0); len(out) < limit; {
		batch, err := s.client.ZRevRangeByScoreWithScores(ctx, redisIndexKey, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  listBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		offset += int64(len(batch))

		for _, z := range batch {
			token, _ := z.Member.(string)
			if after != nil && int64(z.Score) == afterScore && token >= after.Key {
				continue
			}
			rec, err := s.Get(ctx, token)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
