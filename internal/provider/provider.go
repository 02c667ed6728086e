// Package provider implements the wallet provider injected into a page.
//
// The provider answers identity and network queries from local state, refuses
// every signing method, optionally routes transactions to a simulation
// service, and proxies everything else to the active network's JSON-RPC
// endpoint. Network switches requested by the page go through the relay and
// complete when the matching reply arrives.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/otel"
	"github.com/yourorg/impersonator/internal/types"
	"go.opentelemetry.io/otel/attribute"
)

// Provider events
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// DefaultSwitchTimeout bounds how long a page-initiated switch waits for the relay.
const DefaultSwitchTimeout = 30 * time.Second

// Upstream is the JSON-RPC client of the active network. *rpc.Client satisfies it.
type Upstream interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Dialer builds an upstream client for an endpoint.
type Dialer func(ctx context.Context, rawurl string) (Upstream, error)

// DialRPC is the default Dialer.
func DialRPC(ctx context.Context, rawurl string) (Upstream, error) {
	client, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Simulator runs a transaction through the simulation service instead of
// broadcasting it. It returns the report URL.
type Simulator interface {
	Simulate(ctx context.Context, tx model.TxParams, from string, chainID int64) (string, error)
}

// Options configure a provider.
type Options struct {
	// Dial builds upstream clients, DialRPC when nil
	Dial Dialer

	// NewSimulator is called at injection when simulation credentials are present
	NewSimulator func(info model.SimulationInfo) Simulator

	// SwitchTimeout bounds the switch handshake; 0 waits until the caller's context ends
	SwitchTimeout time.Duration
}

// Request is an EIP-1193 request.
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// Listener receives event payloads. accountsChanged carries []string,
// chainChanged carries the hex chain id.
type Listener func(payload interface{})

type listener struct {
	fn Listener
}

// Provider is the injected wallet provider. Request is safe for concurrent use.
type Provider struct {
	mu        sync.RWMutex
	address   string
	chainID   int64
	rpcURL    string
	upstream  Upstream
	simulator Simulator

	dial          Dialer
	outbound      *bus.Channel[types.RelayMessage]
	switchTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[uint64]chan error
	nextID    atomic.Uint64

	listenersMu sync.Mutex
	listeners   map[string][]*listener
}

// New builds a provider from an init message. Switch requests are sent on outbound.
func New(ctx context.Context, boot types.Init, outbound *bus.Channel[types.RelayMessage], opts Options) (*Provider, error) {
	dial := opts.Dial
	if dial == nil {
		dial = DialRPC
	}
	upstream, err := dial(ctx, boot.RPCURL)
	if err != nil {
		return nil, &types.UpstreamError{Method: "dial", Err: fmt.Errorf("%s: %w", boot.RPCURL, err)}
	}

	p := &Provider{
		address:       boot.Address,
		chainID:       boot.ChainID,
		rpcURL:        boot.RPCURL,
		upstream:      upstream,
		dial:          dial,
		outbound:      outbound,
		switchTimeout: opts.SwitchTimeout,
		pending:       make(map[uint64]chan error),
		listeners:     make(map[string][]*listener),
	}
	if boot.Simulation.Configured() && opts.NewSimulator != nil {
		p.simulator = opts.NewSimulator(*boot.Simulation)
	}

	logrus.WithFields(logrus.Fields{
		"address":    boot.Address,
		"chain_id":   boot.ChainID,
		"rpc_url":    boot.RPCURL,
		"simulation": p.simulator != nil,
	}).Info("Provider injected")
	return p, nil
}

// Address returns the impersonated account.
func (p *Provider) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// ChainID returns the active chain id.
func (p *Provider) ChainID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chainID
}

// RPCURL returns the endpoint the upstream client was built from.
func (p *Provider) RPCURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rpcURL
}

// Send is the legacy alias of Request.
func (p *Provider) Send(ctx context.Context, method string, params ...json.RawMessage) (interface{}, error) {
	return p.Request(ctx, Request{Method: method, Params: params})
}

// Request dispatches one EIP-1193 request.
func (p *Provider) Request(ctx context.Context, req Request) (interface{}, error) {
	switch req.Method {
	case "eth_accounts", "eth_requestAccounts":
		return []string{p.Address()}, nil

	case "eth_chainId":
		return hexutil.EncodeUint64(uint64(p.ChainID())), nil

	case "net_version":
		return strconv.FormatInt(p.ChainID(), 10), nil

	case "wallet_switchEthereumChain", "wallet_addEthereumChain":
		return p.switchChain(ctx, req)

	case "eth_sign", "personal_sign", "eth_signTypedData", "eth_signTypedData_v1",
		"eth_signTypedData_v3", "eth_signTypedData_v4", "eth_signTransaction":
		return nil, &types.UnsupportedOperationError{Method: req.Method, Params: req.Params, Reason: "signing is not available while impersonating"}

	case "eth_sendTransaction":
		p.mu.RLock()
		sim := p.simulator
		p.mu.RUnlock()
		if sim != nil {
			return p.simulate(ctx, sim, req)
		}
		return p.proxy(ctx, req)

	case "eth_getUncleCountByBlockHash", "eth_getUncleCountByBlockNumber",
		"eth_getBlockTransactionCountByHash", "eth_getBlockTransactionCountByNumber",
		"eth_getTransactionCount":
		result, err := p.proxy(ctx, req)
		if err != nil {
			return nil, err
		}
		return coerceQuantity(result), nil

	default:
		return p.proxy(ctx, req)
	}
}

// proxy forwards the request verbatim to the upstream client.
func (p *Provider) proxy(ctx context.Context, req Request) (json.RawMessage, error) {
	p.mu.RLock()
	upstream := p.upstream
	url := p.rpcURL
	p.mu.RUnlock()
	if upstream == nil {
		return nil, types.ErrNotInjected
	}

	ctx, span := otel.Tracer().Start(ctx, "upstream "+req.Method)
	defer span.End()
	span.SetAttributes(attribute.String("rpc.url", url))

	args := make([]interface{}, len(req.Params))
	for i, param := range req.Params {
		args[i] = param
	}

	var result json.RawMessage
	if err := upstream.CallContext(ctx, &result, req.Method, args...); err != nil {
		otel.RecordError(ctx, err)
		logrus.WithFields(logrus.Fields{
			"method":  req.Method,
			"rpc_url": url,
		}).WithError(err).Debug("Upstream call failed")
		return nil, &types.UpstreamError{Method: req.Method, Err: err}
	}
	return result, nil
}

func (p *Provider) simulate(ctx context.Context, sim Simulator, req Request) (interface{}, error) {
	if len(req.Params) == 0 {
		return nil, fmt.Errorf("%w: eth_sendTransaction expects a transaction object", types.ErrInvalidParams)
	}
	var tx model.TxParams
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidParams, err)
	}

	p.mu.RLock()
	from, chainID := p.address, p.chainID
	p.mu.RUnlock()

	report, err := sim.Simulate(ctx, tx, from, chainID)
	if err != nil {
		return nil, &types.UpstreamError{Method: req.Method, Err: err}
	}
	logrus.WithField("report", report).Info("Transaction simulated")
	return nil, nil
}

// SetAddress replaces the impersonated account and always emits accountsChanged.
func (p *Provider) SetAddress(address string) {
	p.mu.Lock()
	p.address = address
	p.mu.Unlock()

	p.emit(EventAccountsChanged, []string{address})
}

// SetChainID rebuilds the upstream client from rpcURL, even when the chain id
// is unchanged, and emits chainChanged only when the id differs.
func (p *Provider) SetChainID(ctx context.Context, chainID int64, rpcURL string) error {
	client, err := p.dial(ctx, rpcURL)
	if err != nil {
		return &types.UpstreamError{Method: "dial", Err: fmt.Errorf("%s: %w", rpcURL, err)}
	}

	p.mu.Lock()
	old := p.upstream
	changed := p.chainID != chainID
	p.upstream = client
	p.chainID = chainID
	p.rpcURL = rpcURL
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logrus.WithFields(logrus.Fields{
		"chain_id": chainID,
		"rpc_url":  rpcURL,
		"changed":  changed,
	}).Debug("Provider network updated")

	if changed {
		p.emit(EventChainChanged, hexutil.EncodeUint64(uint64(chainID)))
	}
	return nil
}

// On registers fn for event and returns a function removing it.
func (p *Provider) On(event string, fn Listener) (unsubscribe func()) {
	l := &listener{fn: fn}
	p.listenersMu.Lock()
	p.listeners[event] = append(p.listeners[event], l)
	p.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.listenersMu.Lock()
			defer p.listenersMu.Unlock()
			current := p.listeners[event]
			for i, candidate := range current {
				if candidate == l {
					p.listeners[event] = append(current[:i:i], current[i+1:]...)
					break
				}
			}
		})
	}
}

// emit calls every listener of event synchronously, in registration order.
func (p *Provider) emit(event string, payload interface{}) {
	p.listenersMu.Lock()
	targets := append([]*listener(nil), p.listeners[event]...)
	p.listenersMu.Unlock()

	for _, l := range targets {
		l.fn(payload)
	}
}

// Close releases the upstream client and abandons pending switches.
func (p *Provider) Close() {
	p.mu.Lock()
	upstream := p.upstream
	p.upstream = nil
	p.mu.Unlock()
	if upstream != nil {
		upstream.Close()
	}

	p.pendingMu.Lock()
	for id, done := range p.pending {
		delete(p.pending, id)
		done <- types.ErrNotInjected
	}
	p.pendingMu.Unlock()
}

// coerceQuantity rewrites a decimal result as a hex quantity. Hex strings and
// anything else pass through.
func coerceQuantity(raw json.RawMessage) interface{} {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if n, err := strconv.ParseUint(num.String(), 10, 64); err == nil {
			return hexutil.EncodeUint64(n)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && !has0xPrefix(s) {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return hexutil.EncodeUint64(n)
		}
	}
	return raw
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
