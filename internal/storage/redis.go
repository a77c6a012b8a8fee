package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gomodule/redigo/redis"

	logx "syncedcron/pkg/logx"
)

// redisStore keeps each record as a JSON string under its ID. Claims are
// SET NX, and retention is the key's own TTL, so expired records vanish
// without pruning.
type redisStore struct {
	pool       *redis.Pool
	collection string
	log        logx.Logger
	now        func() time.Time
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	st := &redisStore{pool: pool, collection: cfg.Collection, log: log, now: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.ping(ctx); err != nil {
		_ = pool.Close()
		return nil, errors.Wrap(err, "connect redis")
	}
	log.Debug("redis store opened")
	return st, nil
}

func (s *redisStore) ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

func (s *redisStore) do(ctx context.Context, cmd string, args ...any) (any, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()
	return redis.DoContext(conn, ctx, cmd, args...)
}

func (s *redisStore) Claim(ctx context.Context, r Record) error {
	r, err := r.normalize(s.collection)
	if err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}

	args := []any{r.ID, b}
	if r.ExpiresAt != nil {
		ttl := r.ExpiresAt.Sub(s.now()).Milliseconds()
		if ttl < 1 {
			ttl = 1
		}
		args = append(args, "PX", ttl)
	}
	args = append(args, "NX")

	_, err = redis.String(s.do(ctx, "SET", args...))
	if errors.Is(err, redis.ErrNil) {
		return ErrDuplicate
	}
	return errors.Wrapf(err, "claim %s", r.ID)
}

func (s *redisStore) Load(ctx context.Context, k Key) (Record, error) {
	b, err := redis.Bytes(s.do(ctx, "GET", k.ID(s.collection)))
	if errors.Is(err, redis.ErrNil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "load record")
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Wrap(err, "decode record")
	}
	return r, nil
}

// Finish rewrites the record with XX KEEPTTL so a record that expired in
// the meantime is not resurrected and retention is unchanged.
func (s *redisStore) Finish(ctx context.Context, k Key, o Outcome) error {
	r, err := s.Load(ctx, k)
	if err != nil {
		return err
	}
	r.apply(o)
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	_, err = redis.String(s.do(ctx, "SET", r.ID, b, "XX", "KEEPTTL"))
	if errors.Is(err, redis.ErrNil) {
		return ErrNotFound
	}
	return errors.Wrap(err, "finish record")
}

// scan walks every key of the collection, calling fn with batches.
func (s *redisStore) scan(ctx context.Context, fn func(conn redis.Conn, keys []string) error) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	match := globEscape(s.collection) + "/*"
	cursor := int64(0)
	for {
		vals, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", match, "COUNT", 200))
		if err != nil {
			return errors.Wrap(err, "scan collection")
		}
		if len(vals) != 2 {
			return errors.Newf("scan reply: %d elements", len(vals))
		}
		if cursor, err = redis.Int64(vals[0], nil); err != nil {
			return errors.Wrap(err, "scan cursor")
		}
		keys, err := redis.Strings(vals[1], nil)
		if err != nil {
			return errors.Wrap(err, "scan keys")
		}
		if len(keys) > 0 {
			if err := fn(conn, keys); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(_ redis.Conn, keys []string) error {
		n += len(keys)
		return nil
	})
	return n, err
}

func (s *redisStore) Reset(ctx context.Context) error {
	return s.scan(ctx, func(conn redis.Conn, keys []string) error {
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}
		_, err := redis.DoContext(conn, ctx, "DEL", args...)
		return errors.Wrap(err, "delete records")
	})
}

func (s *redisStore) Close() error { return s.pool.Close() }

func globEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`).Replace(s)
}

func (s *redisStore) ID(k Key) string { return k.ID(s.collection) }
