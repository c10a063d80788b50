package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/ubuntu/decorate"
)

const promoteRetries = 5

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore keeps principals in Redis so that several broker instances can share sessions.
type RedisStore struct {
	c      *rdb.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and checks that the server answers.
func NewRedisStore(ctx context.Context, opts RedisOptions) (s *RedisStore, err error) {
	defer decorate.OnError(&err, "could not connect to redis at %s", opts.Addr)

	c := rdb.NewClient(&rdb.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(err, c.Close())
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "oidcfed"
	}
	return &RedisStore{c: c, prefix: prefix, ttl: opts.TTL}, nil
}

func (s *RedisStore) externalKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, externalKey(sessionID))
}

func (s *RedisStore) applicationKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, applicationKey(sessionID))
}

// SaveExternal stores the external principal of the session.
func (s *RedisStore) SaveExternal(ctx context.Context, sessionID string, p Principal) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("could not encode principal: %v", err)
	}
	return s.c.Set(ctx, s.externalKey(sessionID), b, s.ttl).Err()
}

// LoadExternal returns the external principal of the session.
func (s *RedisStore) LoadExternal(ctx context.Context, sessionID string) (Principal, error) {
	return s.load(ctx, s.c, s.externalKey(sessionID))
}

// LoadApplication returns the application principal of the session.
func (s *RedisStore) LoadApplication(ctx context.Context, sessionID string) (Principal, error) {
	return s.load(ctx, s.c, s.applicationKey(sessionID))
}

func (s *RedisStore) load(ctx context.Context, c rdb.Cmdable, key string) (Principal, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, rdb.Nil) {
		return Principal{}, ErrNotFound
	}
	if err != nil {
		return Principal{}, err
	}

	var p Principal
	if err := json.Unmarshal(b, &p); err != nil {
		return Principal{}, fmt.Errorf("could not decode principal: %v", err)
	}
	return p, nil
}

// Promote replaces the external principal of correlationID by app in a MULTI/EXEC transaction. The transaction
// is retried if the external principal changed while it was being checked.
func (s *RedisStore) Promote(ctx context.Context, sessionID, correlationID string, app Principal) error {
	extKey, appKey := s.externalKey(sessionID), s.applicationKey(sessionID)

	b, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("could not encode principal: %v", err)
	}

	txf := func(tx *rdb.Tx) error {
		ext, err := s.load(ctx, tx, extKey)
		if err != nil {
			return err
		}
		if ext.CorrelationID != correlationID {
			return ErrCorrelationMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.Set(ctx, appKey, b, s.ttl)
			pipe.Del(ctx, extKey)
			return nil
		})
		return err
	}

	for range promoteRetries {
		err = s.c.Watch(ctx, txf, extKey)
		if !errors.Is(err, rdb.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("promotion of session did not settle after %d attempts: %w", promoteRetries, err)
}

// Clear removes both principals of the session.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.c.Del(ctx, s.externalKey(sessionID), s.applicationKey(sessionID)).Err()
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.c.Close()
}
