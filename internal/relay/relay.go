// Package relay bridges the privileged UI and the page. It bootstraps the
// page provider from stored settings, forwards UI updates, answers UI info
// queries from its cache, and resolves page-initiated network switches
// against the network directory.
package relay

import (
	"context"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/types"
)

// Settings is the part of the store the relay reads and writes.
type Settings interface {
	Snapshot() store.State
	SetChainName(name string) error
}

// Resolver looks networks up in the directory.
type Resolver interface {
	Resolve(name string) (model.ActiveNetwork, bool)
	ByChainID(chainID int64) (model.ActiveNetwork, bool)
	Default() (model.ActiveNetwork, bool)
}

// DropFunc is told about every message the relay discards.
type DropFunc func(msg types.Message, err error)

// Relay is one page load's relay. Run must be called from a single goroutine.
type Relay struct {
	settings Settings
	networks Resolver

	fromUI   *bus.Channel[types.UIMessage]
	fromPage *bus.Channel[types.RelayMessage]
	toPage   *bus.Channel[types.PageMessage]

	mu       sync.RWMutex
	cache    types.Info
	injected bool

	onDrop DropFunc
}

// New creates a relay. fromUI and fromPage are consumed by Run; toPage feeds
// the page host.
func New(settings Settings, networks Resolver, fromUI *bus.Channel[types.UIMessage], fromPage *bus.Channel[types.RelayMessage], toPage *bus.Channel[types.PageMessage]) *Relay {
	return &Relay{
		settings: settings,
		networks: networks,
		fromUI:   fromUI,
		fromPage: fromPage,
		toPage:   toPage,
	}
}

// WithDropCallback sets a callback for discarded messages and returns the relay
func (r *Relay) WithDropCallback(fn DropFunc) *Relay {
	r.onDrop = fn
	return r
}

// Bootstrap runs once per page load. It reports whether the provider was
// injected. A disabled store injects nothing and is not an error; a selected
// network missing from the directory injects nothing and returns a
// ResolutionError.
func (r *Relay) Bootstrap(ctx context.Context) (bool, error) {
	st := r.settings.Snapshot()
	if !st.IsEnabled {
		logrus.Info("Impersonation disabled, provider not injected")
		return false, nil
	}

	var (
		network model.ActiveNetwork
		ok      bool
	)
	if st.ChainName == "" {
		network, ok = r.networks.Default()
	} else {
		network, ok = r.networks.Resolve(st.ChainName)
	}
	if !ok {
		err := &types.ResolutionError{Kind: "network", Key: st.ChainName}
		logrus.WithError(err).Warn("Provider not injected")
		return false, err
	}

	address := st.Address
	if address == "" {
		address = model.ZeroAddress
	}
	boot := types.Init{
		Address: address,
		ChainID: network.ChainID,
		RPCURL:  network.RPCURL,
	}
	if st.Simulation.Configured() {
		sim := *st.Simulation
		boot.Simulation = &sim
	}
	if err := r.toPage.Send(ctx, boot); err != nil {
		return false, err
	}

	r.mu.Lock()
	r.cache = types.Info{Address: address, DisplayAddress: st.DisplayAddress, ChainName: network.Name}
	r.injected = true
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"chain_name": network.Name,
		"chain_id":   network.ChainID,
		"address":    address,
	}).Info("Relay bootstrapped")
	return true, nil
}

// Info returns a copy of the page-load cache.
func (r *Relay) Info() types.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache
}

// Injected reports whether Bootstrap sent init.
func (r *Relay) Injected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.injected
}

// Run processes UI and page messages until ctx is done or an inbox closes.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.fromUI.Receive():
			if !ok {
				return nil
			}
			r.handleUI(ctx, msg)
		case msg, ok := <-r.fromPage.Receive():
			if !ok {
				return nil
			}
			r.handlePage(ctx, msg)
		}
	}
}

func (r *Relay) handleUI(ctx context.Context, msg types.UIMessage) {
	switch m := msg.(type) {
	case types.UISetAddress:
		if !r.forward(ctx, types.SetAddress{Address: m.Address, DisplayAddress: m.DisplayAddress}) {
			return
		}
		r.mu.Lock()
		r.cache.Address = m.Address
		r.cache.DisplayAddress = m.DisplayAddress
		r.mu.Unlock()

	case types.UISetNetwork:
		network, ok := r.networks.Resolve(m.ChainName)
		if !ok {
			r.drop(msg, &types.ResolutionError{Kind: "network", Key: m.ChainName})
			return
		}
		if !r.forward(ctx, types.SetChainID{ChainName: network.Name, ChainID: network.ChainID, RPCURL: network.RPCURL}) {
			return
		}
		r.mu.Lock()
		r.cache.ChainName = network.Name
		r.mu.Unlock()

	case types.UIGetInfo:
		if m.Reply == nil {
			return
		}
		select {
		case m.Reply <- types.InfoReply{Info: r.Info(), Injected: r.Injected()}:
		default:
			logrus.Warn("Dropping getInfo reply, caller is not listening")
		}

	default:
		logrus.Warnf("Unexpected UI message %T", msg)
	}
}

func (r *Relay) handlePage(ctx context.Context, msg types.RelayMessage) {
	req, ok := msg.(types.SwitchChainRequest)
	if !ok {
		logrus.Warnf("Unexpected page message %T", msg)
		return
	}

	network, found := r.networks.ByChainID(req.ChainID)
	if !found {
		// No reply: the page's pending switch stays open until it times out
		r.drop(msg, &types.ResolutionError{Kind: "chainId", Key: strconv.FormatInt(req.ChainID, 10)})
		return
	}
	if !r.forward(ctx, types.SwitchChainReply{CorrelationID: req.CorrelationID, ChainID: network.ChainID, RPCURL: network.RPCURL}) {
		return
	}

	r.mu.Lock()
	r.cache.ChainName = network.Name
	r.mu.Unlock()

	if err := r.settings.SetChainName(network.Name); err != nil {
		logrus.WithError(err).Warn("Failed to persist switched network")
	}
}

func (r *Relay) forward(ctx context.Context, msg types.PageMessage) bool {
	if err := r.toPage.Send(ctx, msg); err != nil {
		logrus.WithField("type", msg.Type()).WithError(err).Warn("Failed to forward message to page")
		return false
	}
	return true
}

func (r *Relay) drop(msg types.Message, err error) {
	logrus.WithField("type", msg.Type()).WithError(err).Warn("Dropping message")
	if r.onDrop != nil {
		r.onDrop(msg, err)
	}
}
