// Package model defines the core data structures shared by the store, the relay and the provider.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ZeroAddress is announced to the page when no identity has been configured yet.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// RPCList is an ordered list of RPC endpoints. The first entry is the active one.
// It decodes from either a single string or a list of strings.
type RPCList []string

// UnmarshalJSON accepts "url" as well as ["url", ...].
func (l *RPCList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = splitSingle(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("rpc url list: %w", err)
	}
	*l = many
	return nil
}

// UnmarshalYAML accepts a scalar as well as a sequence.
func (l *RPCList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitSingle(value.Value)
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return fmt.Errorf("rpc url list: %w", err)
		}
		*l = many
		return nil
	default:
		return fmt.Errorf("rpc url list: unexpected yaml node kind %d", value.Kind)
	}
}

func splitSingle(s string) RPCList {
	s = strings.TrimSpace(s)
	if s == "" {
		return RPCList{}
	}
	return RPCList{s}
}

// Primary returns the active endpoint, or "" when the list is empty.
func (l RPCList) Primary() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

// NetworkEntry describes one configured network. Entries are keyed by a
// human-readable name in the directory.
type NetworkEntry struct {
	// ChainID is the numeric EVM chain id
	ChainID int64 `json:"chainId" yaml:"chainId"`

	// RPCURLs lists the JSON-RPC endpoints, first one wins
	RPCURLs RPCList `json:"rpcUrl" yaml:"rpcUrl"`
}

// Identity is the impersonated account.
type Identity struct {
	// Address is the hex account announced to the page, case preserved
	Address string `json:"address"`

	// DisplayAddress is the human label (ENS name or the address itself)
	DisplayAddress string `json:"displayAddress"`
}

// ActiveNetwork is a directory entry resolved for use by the provider.
type ActiveNetwork struct {
	Name    string `json:"chainName"`
	ChainID int64  `json:"chainId"`
	RPCURL  string `json:"rpcUrl"`
}

// SimulationInfo carries the credentials of the simulation service.
type SimulationInfo struct {
	AccountSlug string `json:"accountSlug"`
	ProjectSlug string `json:"projectSlug"`
	AccessKey   string `json:"accessKey"`
}

// Configured reports whether every credential is present.
func (s *SimulationInfo) Configured() bool {
	return s != nil && s.AccountSlug != "" && s.ProjectSlug != "" && s.AccessKey != ""
}

// Redacted returns a copy safe to hand to logs or HTTP clients.
func (s SimulationInfo) Redacted() SimulationInfo {
	if s.AccessKey != "" {
		s.AccessKey = "***"
	}
	return s
}

// TxParams is the transaction object of eth_sendTransaction. Quantities are
// hex strings as sent by the page.
type TxParams struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Data  string `json:"data,omitempty"`
	Input string `json:"input,omitempty"`
	Gas   string `json:"gas,omitempty"`
	Value string `json:"value,omitempty"`
}

// Calldata returns data, falling back to input.
func (t TxParams) Calldata() string {
	if t.Data != "" {
		return t.Data
	}
	return t.Input
}
