// Package control is the privileged side of a session. It validates and
// persists settings edits and pushes them to the session's relay.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/directory"
	"github.com/yourorg/impersonator/internal/ens"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/types"
)

// DefaultInfoTimeout bounds how long Info waits for the relay.
const DefaultInfoTimeout = 2 * time.Second

// NameResolver turns an ENS name into an address.
type NameResolver interface {
	Resolve(ctx context.Context, name string) (common.Address, error)
}

// ResolverFactory builds a NameResolver for a mainnet endpoint.
type ResolverFactory func(rpcURL string) NameResolver

// ENSResolvers is the production ResolverFactory.
func ENSResolvers(rpcURL string) NameResolver {
	return ens.NewResolver(rpcURL)
}

// View is the answer to an info query.
type View struct {
	types.Info
	Injected bool `json:"injected"`
}

// Controller drives one session's relay from the settings surface.
type Controller struct {
	store    *store.Store
	networks *directory.Directory
	toRelay  *bus.Channel[types.UIMessage]

	ensFallback string
	resolvers   ResolverFactory
	infoTimeout time.Duration
}

// New creates a controller. ensFallback is used for ENS lookups when no
// chain id 1 network is configured.
func New(s *store.Store, networks *directory.Directory, toRelay *bus.Channel[types.UIMessage], ensFallback string) *Controller {
	return &Controller{
		store:       s,
		networks:    networks,
		toRelay:     toRelay,
		ensFallback: ensFallback,
		resolvers:   ENSResolvers,
		infoTimeout: DefaultInfoTimeout,
	}
}

// WithResolvers replaces the ENS resolver factory and returns the controller
func (c *Controller) WithResolvers(f ResolverFactory) *Controller {
	c.resolvers = f
	return c
}

// WithInfoTimeout sets how long Info waits for the relay and returns the controller
func (c *Controller) WithInfoTimeout(d time.Duration) *Controller {
	c.infoTimeout = d
	return c
}

// SetAddress accepts a hex address or an ENS name, persists the resolved
// identity and forwards it to the page. An empty display label shows the
// ENS name when one was given.
func (c *Controller) SetAddress(ctx context.Context, input, display string) (model.Identity, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return model.Identity{}, fmt.Errorf("%w: address is empty", types.ErrInvalidParams)
	}

	var address string
	if common.IsHexAddress(input) {
		address = common.HexToAddress(input).Hex()
	} else {
		if !strings.Contains(input, ".") {
			return model.Identity{}, fmt.Errorf("%w: %q is neither an address nor an ENS name", types.ErrInvalidParams, input)
		}
		resolved, err := c.resolvers(c.ensEndpoint()).Resolve(ctx, input)
		if err != nil {
			return model.Identity{}, err
		}
		address = resolved.Hex()
		if display == "" {
			display = input
		}
	}

	id := model.Identity{Address: address, DisplayAddress: display}
	if err := c.store.SetIdentity(id); err != nil {
		return model.Identity{}, fmt.Errorf("persist identity: %w", err)
	}
	if err := c.toRelay.Send(ctx, types.UISetAddress{Address: id.Address, DisplayAddress: id.DisplayAddress}); err != nil {
		return id, err
	}

	logrus.WithFields(logrus.Fields{
		"address": id.Address,
		"display": id.DisplayAddress,
	}).Info("Impersonated address updated")
	return id, nil
}

// SelectNetwork persists name as the selected network and forwards it.
func (c *Controller) SelectNetwork(ctx context.Context, name string) (model.ActiveNetwork, error) {
	network, ok := c.networks.Resolve(name)
	if !ok {
		return model.ActiveNetwork{}, &types.ResolutionError{Kind: "network", Key: name}
	}
	if err := c.store.SetChainName(network.Name); err != nil {
		return model.ActiveNetwork{}, fmt.Errorf("persist network: %w", err)
	}
	if err := c.toRelay.Send(ctx, types.UISetNetwork{ChainName: network.Name}); err != nil {
		return network, err
	}

	logrus.WithFields(logrus.Fields{
		"chain_name": network.Name,
		"chain_id":   network.ChainID,
	}).Info("Network selected")
	return network, nil
}

// SetEnabled persists the toggle. It takes effect on the next page load.
func (c *Controller) SetEnabled(enabled bool) error {
	return c.store.SetEnabled(enabled)
}

// Info asks the relay for its cache. Injected reflects whether the page
// received init. When the relay does not answer in time, or its cache is
// empty, stored values are returned instead.
func (c *Controller) Info(ctx context.Context) View {
	ctx, cancel := context.WithTimeout(ctx, c.infoTimeout)
	defer cancel()

	reply := make(chan types.InfoReply, 1)
	if err := c.toRelay.Send(ctx, types.UIGetInfo{Reply: reply}); err == nil {
		select {
		case info := <-reply:
			if info.Injected || info.ChainName != "" {
				return View{Info: info.Info, Injected: info.Injected}
			}
		case <-ctx.Done():
			logrus.Debug("Relay did not answer getInfo, using stored values")
		}
	}

	st := c.store.Snapshot()
	return View{Info: types.Info{
		Address:        st.Address,
		DisplayAddress: st.DisplayAddress,
		ChainName:      st.ChainName,
	}}
}

// Watch re-sends the selected network whenever the directory is edited, so
// the page picks up a changed endpoint. It returns when ctx is done.
func (c *Controller) Watch(ctx context.Context) error {
	changes := make(chan store.Change, 16)
	sub := c.store.Subscribe(changes)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case change := <-changes:
			if change.Key != store.KeyNetworks {
				continue
			}
			name := change.State.ChainName
			if name == "" {
				continue
			}
			if _, ok := c.networks.Resolve(name); !ok {
				logrus.WithField("chain_name", name).Warn("Selected network no longer configured")
				continue
			}
			if err := c.toRelay.Send(ctx, types.UISetNetwork{ChainName: name}); err != nil {
				logrus.WithError(err).Debug("Failed to refresh network after directory edit")
			}
		}
	}
}

func (c *Controller) ensEndpoint() string {
	if network, ok := c.networks.ByChainID(1); ok {
		return network.RPCURL
	}
	return c.ensFallback
}
