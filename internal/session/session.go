// Package session models one page load: a relay and a page host wired with
// fresh channels, plus the controller that drives them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/control"
	"github.com/yourorg/impersonator/internal/directory"
	"github.com/yourorg/impersonator/internal/provider"
	"github.com/yourorg/impersonator/internal/relay"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultInjectWait bounds how long Open waits for the page to build its provider.
const DefaultInjectWait = 5 * time.Second

// Event is a provider event delivered to page subscribers.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// Options configures every session opened from them.
type Options struct {
	Store     *store.Store
	Directory *directory.Directory
	Provider  provider.Options

	ENSFallback string
	Resolvers   control.ResolverFactory

	RateLimit  rate.Limit
	RateBurst  int
	InjectWait time.Duration

	OnDrop relay.DropFunc
}

// Session is one live page load.
type Session struct {
	ID      string
	Created time.Time

	relay      *relay.Relay
	host       *provider.Host
	controller *control.Controller
	limiter    *rate.Limiter

	fromUI   *bus.Channel[types.UIMessage]
	fromPage *bus.Channel[types.RelayMessage]
	toPage   *bus.Channel[types.PageMessage]

	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	subs      map[uint64]chan Event
	nextSub   uint64
	closed    bool
	bootErr   error
	closeOnce sync.Once
}

// Open starts the task loops and bootstraps the relay. A network that does
// not resolve leaves the page without a provider but still yields a session.
func Open(ctx context.Context, id string, opts Options) (*Session, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)

	s := &Session{
		ID:       id,
		Created:  time.Now(),
		fromUI:   bus.NewChannel[types.UIMessage](0),
		fromPage: bus.NewChannel[types.RelayMessage](0),
		toPage:   bus.NewChannel[types.PageMessage](0),
		cancel:   cancel,
		group:    group,
		subs:     make(map[uint64]chan Event),
	}

	limit, burst := opts.RateLimit, opts.RateBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	s.relay = relay.New(opts.Store, opts.Directory, s.fromUI, s.fromPage, s.toPage).WithDropCallback(opts.OnDrop)
	s.host = provider.NewHost(s.toPage, s.fromPage, opts.Provider)
	s.controller = control.New(opts.Store, opts.Directory, s.fromUI, opts.ENSFallback)
	if opts.Resolvers != nil {
		s.controller.WithResolvers(opts.Resolvers)
	}

	s.host.OnInject(func(p *provider.Provider) {
		for _, name := range []string{provider.EventAccountsChanged, provider.EventChainChanged} {
			name := name
			p.On(name, func(payload interface{}) {
				s.broadcast(Event{Name: name, Data: payload})
			})
		}
	})

	group.Go(func() error { return s.host.Run(gctx) })
	group.Go(func() error { return s.relay.Run(gctx) })
	group.Go(func() error { return s.controller.Watch(gctx) })

	injected, err := s.relay.Bootstrap(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrResolutionFailure) {
			s.Close()
			return nil, err
		}
		s.bootErr = err
	}

	if injected {
		wait := opts.InjectWait
		if wait <= 0 {
			wait = DefaultInjectWait
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-s.host.Ready():
		case <-timer.C:
			logrus.WithField("session", id).Warn("Provider was not injected in time")
		case <-ctx.Done():
			s.Close()
			return nil, ctx.Err()
		}
	}

	logrus.WithFields(logrus.Fields{
		"session":  id,
		"injected": s.Injected(),
	}).Info("Session opened")
	return s, nil
}

// Injected reports whether the page has a provider.
func (s *Session) Injected() bool {
	return s.host.Provider() != nil
}

// BootstrapError returns the resolution failure that kept the provider out, if any.
func (s *Session) BootstrapError() error {
	return s.bootErr
}

// Provider returns the page's provider, or nil when none was injected.
func (s *Session) Provider() *provider.Provider {
	return s.host.Provider()
}

// Controller returns the settings side of the session.
func (s *Session) Controller() *control.Controller {
	return s.controller
}

// Relay returns the session's relay.
func (s *Session) Relay() *relay.Relay {
	return s.relay
}

// Allow consumes one request token from the session's rate limiter.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Request runs a provider request on behalf of the page.
func (s *Session) Request(ctx context.Context, req provider.Request) (interface{}, error) {
	p := s.host.Provider()
	if p == nil {
		return nil, types.ErrNotInjected
	}
	return p.Request(ctx, req)
}

// Subscribe returns a stream of provider events and a func to stop it.
// Slow subscribers lose events rather than block the provider.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 16)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Session) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"session": s.ID,
				"event":   ev.Name,
			}).Debug("Dropping event for slow subscriber")
		}
	}
}

// Close unloads the page: the task loops stop, pending switches fail and
// subscribers are released. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.group.Wait(); err != nil {
			logrus.WithField("session", s.ID).WithError(err).Warn("Session task failed")
		}
		s.fromUI.Close()
		s.fromPage.Close()
		s.toPage.Close()

		s.mu.Lock()
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()

		logrus.WithField("session", s.ID).Info("Session closed")
	})
}
