package auth

import (
	"context"
	"time"

	"pastelink/svc/db"
	"pastelink/svc/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
)

const (
	CookieName      = "pastelink_session"
	sessionIDBytes  = 32
	maxSessionIDLen = 128
	redisKeyPrefix  = "session:"
)

type Session struct {
	ID        string    `json:"id"`
	CSRFToken string    `json:"csrf_token,omitempty"`
	BoundIP   string    `json:"bound_ip"`
	Admin     bool      `json:"admin"`
	AdminIP   string    `json:"admin_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore persists sessions by ID. Get returns nil, nil for unknown IDs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type MemorySessionStore struct {
	c *expirable.LRU[string, Session]
}

func NewMemorySessionStore(size int, ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{c: expirable.NewLRU[string, Session](size, nil, ttl)}
}
func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	s, ok := m.c.Get(id)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Save ignores ttl: the expirable LRU applies its own TTL on every Add.
func (m *MemorySessionStore) Save(_ context.Context, s *Session, _ time.Duration) error {
	m.c.Add(s.ID, *s)
	return nil
}
func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.c.Remove(id)
	return nil
}

type RedisSessionStore struct {
	rdb *db.Redis
}

func NewRedisSessionStore(rdb *db.Redis) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}
func (r *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	ok, err := r.rdb.GetJSON(ctx, redisKeyPrefix+id, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}
func (r *RedisSessionStore) Save(ctx context.Context, s *Session, ttl time.Duration) error {
	return r.rdb.SetJSON(ctx, redisKeyPrefix+s.ID, s, ttl)
}
func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.rdb.Delete(ctx, redisKeyPrefix+id)
}

// SessionGuard hands out sessions bound to the client address they were
// created from.
type SessionGuard struct {
	store SessionStore
	ttl   time.Duration
	now   func() time.Time
}

func NewSessionGuard(store SessionStore, ttl time.Duration) *SessionGuard {
	return &SessionGuard{store: store, ttl: ttl, now: time.Now}
}

// Load returns the session for id. Unknown or expired ids get a fresh
// session. A session presented from another address is destroyed and
// replaced with a new one under a new id.
func (g *SessionGuard) Load(ctx context.Context, id, clientIP string) (*Session, error) {
	now := g.now()
	if id != "" && len(id) <= maxSessionIDLen {
		s, err := g.store.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "load session")
		}
		if s != nil && now.Before(s.ExpiresAt) {
			if s.BoundIP == clientIP {
				s.ExpiresAt = now.Add(g.ttl)
				if err := g.store.Save(ctx, s, g.ttl); err != nil {
					return nil, errors.Wrap(err, "touch session")
				}
				return s, nil
			}
			util.Warn().
				Str("session", util.RedactToken(id)).
				Str("bound", util.RedactIP(s.BoundIP)).
				Str("client", util.RedactIP(clientIP)).
				Msg("session address changed, issuing new session")
			if err := g.store.Delete(ctx, id); err != nil {
				return nil, errors.Wrap(err, "destroy session")
			}
		}
	}
	return g.create(ctx, clientIP, now)
}
func (g *SessionGuard) create(ctx context.Context, clientIP string, now time.Time) (*Session, error) {
	id, err := util.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        id,
		BoundIP:   clientIP,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.store.Save(ctx, s, g.ttl); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	return s, nil
}

// Regenerate moves the session data to a new id and drops the old one.
func (g *SessionGuard) Regenerate(ctx context.Context, s *Session) (*Session, error) {
	id, err := util.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	old := s.ID
	ns := *s
	ns.ID = id
	ns.ExpiresAt = g.now().Add(g.ttl)
	if err := g.store.Save(ctx, &ns, g.ttl); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	if err := g.store.Delete(ctx, old); err != nil {
		return nil, errors.Wrap(err, "destroy session")
	}
	return &ns, nil
}
func (g *SessionGuard) Save(ctx context.Context, s *Session) error {
	return errors.Wrap(g.store.Save(ctx, s, g.ttl), "save session")
}
func (g *SessionGuard) Destroy(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	return errors.Wrap(g.store.Delete(ctx, s.ID), "destroy session")
}
func (g *SessionGuard) TTL() time.Duration {
	return g.ttl
}
