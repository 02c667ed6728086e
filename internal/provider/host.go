package provider

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/types"
)

// Host is the page-side task loop. It builds the provider when the relay
// sends init and applies every later relay message to it.
type Host struct {
	inbox    *bus.Channel[types.PageMessage]
	outbound *bus.Channel[types.RelayMessage]
	opts     Options

	mu       sync.RWMutex
	provider *Provider
	ready    chan struct{}
	onInject []func(*Provider)
}

// NewHost creates a host reading relay messages from inbox and sending switch
// requests on outbound.
func NewHost(inbox *bus.Channel[types.PageMessage], outbound *bus.Channel[types.RelayMessage], opts Options) *Host {
	return &Host{
		inbox:    inbox,
		outbound: outbound,
		opts:     opts,
		ready:    make(chan struct{}),
	}
}

// OnInject registers fn to run right after the provider is built, before any
// later message is applied.
func (h *Host) OnInject(fn func(*Provider)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInject = append(h.onInject, fn)
}

// Provider returns the injected provider, or nil before init.
func (h *Host) Provider() *Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.provider
}

// Ready is closed once the provider has been injected.
func (h *Host) Ready() <-chan struct{} {
	return h.ready
}

// Run processes relay messages in order until ctx is done or the inbox closes.
func (h *Host) Run(ctx context.Context) error {
	defer func() {
		if p := h.Provider(); p != nil {
			p.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-h.inbox.Receive():
			if !ok {
				return nil
			}
			h.handle(ctx, msg)
		}
	}
}

func (h *Host) handle(ctx context.Context, msg types.PageMessage) {
	log := logrus.WithField("type", msg.Type())

	if boot, ok := msg.(types.Init); ok {
		h.inject(ctx, boot)
		return
	}

	p := h.Provider()
	if p == nil {
		log.Debug("Dropping relay message received before init")
		return
	}

	switch m := msg.(type) {
	case types.SetAddress:
		p.SetAddress(m.Address)
	case types.SetChainID:
		if err := p.SetChainID(ctx, m.ChainID, m.RPCURL); err != nil {
			log.WithError(err).Warn("Failed to apply network update")
		}
	case types.SwitchChainReply:
		p.DeliverSwitchReply(ctx, m)
	default:
		log.Warnf("Unexpected page message %T", msg)
	}
}

func (h *Host) inject(ctx context.Context, boot types.Init) {
	if h.Provider() != nil {
		logrus.Warn("Ignoring repeated init, provider already injected")
		return
	}
	p, err := New(ctx, boot, h.outbound, h.opts)
	if err != nil {
		logrus.WithError(err).Error("Failed to inject provider")
		return
	}

	h.mu.Lock()
	h.provider = p
	hooks := append(([]func(*Provider))(nil), h.onInject...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(p)
	}
	close(h.ready)
}
