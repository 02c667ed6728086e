// Package types contains the message and error definitions exchanged between
// the UI controller, the relay and the page provider.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/yourorg/impersonator/internal/model"
)

// Wire names of the relay messages
const (
	TypeInit          = "init"
	TypeSetAddress    = "setAddress"
	TypeSetChainID    = "setChainId"
	TypeSwitchRequest = "i_switchEthereumChain"
	TypeSwitchReply   = "switchEthereumChain"
	TypeGetInfo       = "getInfo"
)

// Message is implemented by every relay message.
type Message interface {
	Type() string
}

// PageMessage flows from the relay into the page context.
type PageMessage interface {
	Message
	pageMessage()
}

// RelayMessage flows from the page context to the relay.
type RelayMessage interface {
	Message
	relayMessage()
}

// UIMessage flows from the privileged UI to the relay.
type UIMessage interface {
	Message
	uiMessage()
}

// Init bootstraps the provider in the page.
type Init struct {
	Address    string                `json:"address"`
	ChainID    int64                 `json:"chainId"`
	RPCURL     string                `json:"rpcUrl"`
	Simulation *model.SimulationInfo `json:"simulation,omitempty"`
}

// SetAddress replaces the impersonated account.
type SetAddress struct {
	Address        string `json:"address"`
	DisplayAddress string `json:"displayAddress,omitempty"`
}

// SetChainID replaces the active network.
type SetChainID struct {
	ChainName string `json:"chainName"`
	ChainID   int64  `json:"chainId"`
	RPCURL    string `json:"rpcUrl"`
}

// SwitchChainReply answers a SwitchChainRequest carrying the same correlation id.
type SwitchChainReply struct {
	CorrelationID uint64 `json:"id"`
	ChainID       int64  `json:"chainId"`
	RPCURL        string `json:"rpcUrl"`
}

// SwitchChainRequest is a page-initiated network switch.
type SwitchChainRequest struct {
	CorrelationID uint64 `json:"id"`
	ChainID       int64  `json:"chainId"`
}

// UISetAddress asks the relay to forward a new identity.
type UISetAddress struct {
	Address        string `json:"address"`
	DisplayAddress string `json:"displayAddress"`
}

// UISetNetwork asks the relay to resolve and forward a network by name.
type UISetNetwork struct {
	ChainName string `json:"chainName"`
}

// UIGetInfo asks the relay for its cache. The relay answers on Reply.
type UIGetInfo struct {
	Reply chan<- InfoReply `json:"-"`
}

// InfoReply is the relay's answer to UIGetInfo. Injected is false when the
// page load never received init, even if the UI has since updated the cache.
type InfoReply struct {
	Info
	Injected bool
}

// Info is the relay's view of what the page currently uses.
type Info struct {
	Address        string `json:"address"`
	DisplayAddress string `json:"displayAddress"`
	ChainName      string `json:"chainName"`
}

func (Init) Type() string { return TypeInit }
func (SetAddress) Type() string { return TypeSetAddress }
func (SetChainID) Type() string { return TypeSetChainID }
func (SwitchChainReply) Type() string { return TypeSwitchReply }
func (SwitchChainRequest) Type() string { return TypeSwitchRequest }
func (UISetAddress) Type() string { return TypeSetAddress }
func (UISetNetwork) Type() string { return TypeSetChainID }
func (UIGetInfo) Type() string { return TypeGetInfo }

func (Init) pageMessage() {}
func (SetAddress) pageMessage() {}
func (SetChainID) pageMessage() {}
func (SwitchChainReply) pageMessage() {}
func (SwitchChainRequest) relayMessage() {}
func (UISetAddress) uiMessage() {}
func (UISetNetwork) uiMessage() {}
func (UIGetInfo) uiMessage() {}

// Envelope is the {type, msg} wire form of a message.
type Envelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Encode wraps a message into its envelope.
func Encode(m Message) (Envelope, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return Envelope{Type: m.Type(), Msg: raw}, nil
}

// DecodePage decodes an envelope travelling towards the page.
func DecodePage(env Envelope) (PageMessage, error) {
	var msg PageMessage
	switch env.Type {
	case TypeInit:
		msg = &Init{}
	case TypeSetAddress:
		msg = &SetAddress{}
	case TypeSetChainID:
		msg = &SetChainID{}
	case TypeSwitchReply:
		msg = &SwitchChainReply{}
	default:
		return nil, fmt.Errorf("unknown page message type %q", env.Type)
	}
	if err := decodeBody(env, msg); err != nil {
		return nil, err
	}
	return deref(msg).(PageMessage), nil
}

// DecodeRelay decodes an envelope sent by the page.
func DecodeRelay(env Envelope) (RelayMessage, error) {
	if env.Type != TypeSwitchRequest {
		return nil, fmt.Errorf("unknown relay message type %q", env.Type)
	}
	var req SwitchChainRequest
	if err := decodeBody(env, &req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeUI decodes an envelope sent by the UI. A decoded UIGetInfo has no
// reply channel; the caller attaches one.
func DecodeUI(env Envelope) (UIMessage, error) {
	switch env.Type {
	case TypeSetAddress:
		var m UISetAddress
		if err := decodeBody(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSetChainID:
		var m UISetNetwork
		if err := decodeBody(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeGetInfo:
		return UIGetInfo{}, nil
	default:
		return nil, fmt.Errorf("unknown ui message type %q", env.Type)
	}
}

func decodeBody(env Envelope, into any) error {
	if len(env.Msg) == 0 {
		return fmt.Errorf("decode %s: empty body", env.Type)
	}
	if err := json.Unmarshal(env.Msg, into); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}

func deref(m PageMessage) Message {
	switch v := m.(type) {
	case *Init:
		return *v
	case *SetAddress:
		return *v
	case *SetChainID:
		return *v
	case *SwitchChainReply:
		return *v
	}
	return m
}
