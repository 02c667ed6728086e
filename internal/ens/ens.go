// Package ens resolves ENS names to addresses over a mainnet JSON-RPC endpoint.
package ens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/types"
)

// RegistryAddress is the ENS registry on Ethereum mainnet.
var RegistryAddress = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

const ensABI = `[
	{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"addr","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var (
	parsedABI     abi.ABI
	parsedABIOnce sync.Once
)

func contractABI() abi.ABI {
	parsedABIOnce.Do(func() {
		var err error
		parsedABI, err = abi.JSON(strings.NewReader(ensABI))
		if err != nil {
			panic(fmt.Sprintf("failed to parse ENS ABI: %v", err))
		}
	})
	return parsedABI
}

// Namehash computes the EIP-137 node for name.
func Namehash(name string) common.Hash {
	var node common.Hash
	name = Normalize(name)
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), label)
	}
	return node
}

// Normalize lower-cases and trims name. Full UTS-46 mapping is not applied.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolver looks names up through the registry on one endpoint.
type Resolver struct {
	rpcURL   string
	registry common.Address
	timeout  time.Duration
}

// NewResolver creates a resolver for the given mainnet endpoint.
func NewResolver(rpcURL string) *Resolver {
	return &Resolver{
		rpcURL:   rpcURL,
		registry: RegistryAddress,
		timeout:  10 * time.Second,
	}
}

// WithRegistry overrides the registry address and returns the resolver
func (r *Resolver) WithRegistry(addr common.Address) *Resolver {
	r.registry = addr
	return r
}

// RPCURL returns the endpoint used for lookups.
func (r *Resolver) RPCURL() string {
	return r.rpcURL
}

// Resolve returns the address name points to. A name without a resolver or
// without an address record is a ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, name string) (common.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, r.rpcURL)
	if err != nil {
		return common.Address{}, &types.UpstreamError{Method: "ens", Err: fmt.Errorf("dial %s: %w", r.rpcURL, err)}
	}
	defer client.Close()

	node := Namehash(name)
	resolver, err := r.call(ctx, client, r.registry, "resolver", node)
	if err != nil {
		return common.Address{}, err
	}
	if resolver == (common.Address{}) {
		return common.Address{}, &types.ResolutionError{Kind: "ens", Key: name}
	}

	addr, err := r.call(ctx, client, resolver, "addr", node)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, &types.ResolutionError{Kind: "ens", Key: name}
	}

	logrus.WithFields(logrus.Fields{
		"name":    name,
		"address": addr.Hex(),
	}).Debug("Resolved ENS name")
	return addr, nil
}

func (r *Resolver) call(ctx context.Context, client *ethclient.Client, to common.Address, method string, node common.Hash) (common.Address, error) {
	parsed := contractABI()
	input, err := parsed.Pack(method, node)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return common.Address{}, &types.UpstreamError{Method: "ens." + method, Err: err}
	}
	if len(out) == 0 {
		return common.Address{}, nil
	}

	values, err := parsed.Unpack(method, out)
	if err != nil {
		return common.Address{}, &types.UpstreamError{Method: "ens." + method, Err: fmt.Errorf("unpack: %w", err)}
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, &types.UpstreamError{Method: "ens." + method, Err: fmt.Errorf("unexpected output %T", values[0])}
	}
	return addr, nil
}
