package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const lockStripes = 64

// MemoryStore keeps principals in process. It is suitable for a single broker instance.
type MemoryStore struct {
	c     *gocache.Cache
	ttl   time.Duration
	locks [lockStripes]sync.Mutex
}

// NewMemoryStore returns a store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		c:   gocache.New(ttl, time.Minute),
		ttl: ttl,
	}
}

func (s *MemoryStore) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func externalKey(sessionID string) string    { return "ext:" + sessionID }
func applicationKey(sessionID string) string { return "app:" + sessionID }

// SaveExternal stores the external principal of the session.
func (s *MemoryStore) SaveExternal(ctx context.Context, sessionID string, p Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock(sessionID)()

	s.c.Set(externalKey(sessionID), p.Clone(), s.ttl)
	return nil
}

// LoadExternal returns the external principal of the session.
func (s *MemoryStore) LoadExternal(ctx context.Context, sessionID string) (Principal, error) {
	return s.load(ctx, sessionID, externalKey(sessionID))
}

// LoadApplication returns the application principal of the session.
func (s *MemoryStore) LoadApplication(ctx context.Context, sessionID string) (Principal, error) {
	return s.load(ctx, sessionID, applicationKey(sessionID))
}

func (s *MemoryStore) load(ctx context.Context, sessionID, key string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	defer s.lock(sessionID)()

	v, ok := s.c.Get(key)
	if !ok {
		return Principal{}, ErrNotFound
	}
	return v.(Principal).Clone(), nil
}

// Promote replaces the external principal of correlationID by app under the session lock.
func (s *MemoryStore) Promote(ctx context.Context, sessionID, correlationID string, app Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock(sessionID)()

	v, ok := s.c.Get(externalKey(sessionID))
	if !ok {
		return ErrNotFound
	}
	if v.(Principal).CorrelationID != correlationID {
		return ErrCorrelationMismatch
	}

	s.c.Set(applicationKey(sessionID), app.Clone(), s.ttl)
	s.c.Delete(externalKey(sessionID))
	return nil
}

// Clear removes both principals of the session.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock(sessionID)()

	s.c.Delete(externalKey(sessionID))
	s.c.Delete(applicationKey(sessionID))
	return nil
}

// Close flushes the store.
func (s *MemoryStore) Close() error {
	s.c.Flush()
	return nil
}
