package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisQueue stores submissions in Redis: a list of ids keeps the order and
// a hash holds the records. Dead letters use a second list/hash pair.
type redisQueue struct {
	rdb    *redis.Client
	prefix string
}

func newRedisQueue(addr, prefix string) (*redisQueue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &redisQueue{rdb: rdb, prefix: prefix}, nil
}

func (q *redisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *redisQueue) Add(ctx context.Context, sub QueuedSubmission) error {
	if sub.ID == "" {
		return errors.New("queue: empty id")
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	set, err := q.rdb.HSetNX(ctx, q.key("forms"), sub.ID, b).Result()
	if err != nil {
		return err
	}
	if !set {
		return ErrDuplicateID
	}
	if err := q.rdb.RPush(ctx, q.key("order"), sub.ID).Err(); err != nil {
		_ = q.rdb.HDel(ctx, q.key("forms"), sub.ID).Err()
		return err
	}
	return nil
}

func (q *redisQueue) List(ctx context.Context) ([]QueuedSubmission, error) {
	return q.scan(ctx, q.key("order"), q.key("forms"))
}

func (q *redisQueue) ListDead(ctx context.Context) ([]QueuedSubmission, error) {
	return q.scan(ctx, q.key("dead:order"), q.key("dead:forms"))
}

func (q *redisQueue) scan(ctx context.Context, orderKey, formsKey string) ([]QueuedSubmission, error) {
	ids, err := q.rdb.LRange(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.rdb.HMGet(ctx, formsKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueuedSubmission, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// order entry without a record; left for Remove/Bury to clean up
			continue
		}
		var sub QueuedSubmission
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", ids[i], err)
		}
		out = append(out, sub)
	}
	return out, nil
}

func (q *redisQueue) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("order"), 0, id)
		del = p.HDel(ctx, q.key("forms"), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *redisQueue) Bury(ctx context.Context, id string) error {
	b, err := q.rdb.HGet(ctx, q.key("forms"), id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("order"), 0, id)
		p.HDel(ctx, q.key("forms"), id)
		p.HSet(ctx, q.key("dead:forms"), id, b)
		p.RPush(ctx, q.key("dead:order"), id)
		return nil
	})
	return err
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.HLen(ctx, q.key("forms")).Result()
	return int(n), err
}

func (q *redisQueue) Close() error { return q.rdb.Close() }
