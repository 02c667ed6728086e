package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Registry tracks open sessions. A session that is not touched for the
// configured TTL is closed as if the page had been unloaded.
type Registry struct {
	opts     Options
	sessions *cache.Cache
}

// NewRegistry creates a registry. A ttl <= 0 keeps sessions until they are
// closed explicitly.
func NewRegistry(opts Options, ttl time.Duration) *Registry {
	cleanup := time.Minute
	if ttl <= 0 {
		ttl = cache.NoExpiration
	} else if ttl < cleanup {
		cleanup = ttl
	}

	c := cache.New(ttl, cleanup)
	c.OnEvicted(func(id string, v interface{}) {
		if s, ok := v.(*Session); ok {
			logrus.WithField("session", id).Debug("Session evicted")
			s.Close()
		}
	})
	return &Registry{opts: opts, sessions: c}
}

// Open starts a new session and registers it.
func (r *Registry) Open(ctx context.Context) (*Session, error) {
	s, err := Open(ctx, uuid.NewString(), r.opts)
	if err != nil {
		return nil, err
	}
	r.sessions.SetDefault(s.ID, s)
	return s, nil
}

// Get returns the session and refreshes its idle timer.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Get(id)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	r.sessions.SetDefault(id, s)
	return s, true
}

// Close unloads a session. It reports whether the session existed.
func (r *Registry) Close(id string) bool {
	if _, ok := r.sessions.Get(id); !ok {
		return false
	}
	r.sessions.Delete(id)
	return true
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	return r.sessions.ItemCount()
}

// CloseAll unloads every session.
func (r *Registry) CloseAll() {
	for id := range r.sessions.Items() {
		r.sessions.Delete(id)
	}
}
