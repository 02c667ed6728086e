package control

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/directory"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/relay"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/types"
)

const vitalik = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"

type stubResolver struct {
	names map[string]common.Address
	err   error
}

func (s stubResolver) Resolve(ctx context.Context, name string) (common.Address, error) {
	if s.err != nil {
		return common.Address{}, s.err
	}
	addr, ok := s.names[name]
	if !ok {
		return common.Address{}, &types.ResolutionError{Kind: "ens", Key: name}
	}
	return addr, nil
}

func setup(t *testing.T) (*Controller, *store.Store, *bus.Channel[types.UIMessage], *[]string) {
	t.Helper()
	s := store.NewMemory()
	require.NoError(t, s.SetNetworks(map[string]model.NetworkEntry{
		"mainnet": {ChainID: 1, RPCURLs: model.RPCList{"https://eth.example"}},
		"base":    {ChainID: 8453, RPCURLs: model.RPCList{"https://base.example"}},
	}))
	toRelay := bus.NewChannel[types.UIMessage](8)

	var endpoints []string
	c := New(s, directory.New(s), toRelay, "https://fallback.example").
		WithResolvers(func(rpcURL string) NameResolver {
			endpoints = append(endpoints, rpcURL)
			return stubResolver{names: map[string]common.Address{"vitalik.eth": common.HexToAddress(vitalik)}}
		}).
		WithInfoTimeout(100 * time.Millisecond)
	return c, s, toRelay, &endpoints
}

func receive(t *testing.T, ch *bus.Channel[types.UIMessage]) types.UIMessage {
	t.Helper()
	select {
	case msg := <-ch.Receive():
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing was sent to the relay")
		return nil
	}
}

func TestSetAddress_Hex(t *testing.T) {
	c, s, toRelay, endpoints := setup(t)

	id, err := c.SetAddress(context.Background(), "0xd8da6bf26964af9d7eed9e03e53415d37aa96045", "main")
	require.NoError(t, err)
	assert.Equal(t, vitalik, id.Address, "address is checksummed")
	assert.Empty(t, *endpoints, "hex input needs no lookup")

	st := s.Snapshot()
	assert.Equal(t, vitalik, st.Address)
	assert.Equal(t, "main", st.DisplayAddress)
	assert.Equal(t, types.UISetAddress{Address: vitalik, DisplayAddress: "main"}, receive(t, toRelay))
}

func TestSetAddress_ENS(t *testing.T) {
	c, s, toRelay, endpoints := setup(t)

	id, err := c.SetAddress(context.Background(), "vitalik.eth", "")
	require.NoError(t, err)
	assert.Equal(t, vitalik, id.Address)
	assert.Equal(t, "vitalik.eth", id.DisplayAddress)
	assert.Equal(t, []string{"https://eth.example"}, *endpoints, "chain id 1 network is used for ENS")
	assert.Equal(t, vitalik, s.Snapshot().Address)
	assert.IsType(t, types.UISetAddress{}, receive(t, toRelay))
}

func TestSetAddress_FallbackEndpoint(t *testing.T) {
	c, s, _, endpoints := setup(t)
	require.NoError(t, s.SetNetworks(map[string]model.NetworkEntry{
		"base": {ChainID: 8453, RPCURLs: model.RPCList{"https://base.example"}},
	}))

	_, err := c.SetAddress(context.Background(), "vitalik.eth", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://fallback.example"}, *endpoints)
}

func TestSetAddress_Rejected(t *testing.T) {
	c, s, toRelay, _ := setup(t)

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "  ", types.ErrInvalidParams},
		{"garbage", "not-an-address", types.ErrInvalidParams},
		{"short hex", "0x1234", types.ErrInvalidParams},
		{"unknown name", "nobody.eth", types.ErrResolutionFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SetAddress(context.Background(), tt.input, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, s.Snapshot().Address, "rejected input is not persisted")
	assert.Equal(t, 0, toRelay.Len())
}

func TestSelectNetwork(t *testing.T) {
	c, s, toRelay, _ := setup(t)

	network, err := c.SelectNetwork(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, int64(8453), network.ChainID)
	assert.Equal(t, "base", s.Snapshot().ChainName)
	assert.Equal(t, types.UISetNetwork{ChainName: "base"}, receive(t, toRelay))

	_, err = c.SelectNetwork(context.Background(), "gnosis")
	assert.ErrorIs(t, err, types.ErrResolutionFailure)
	assert.Equal(t, "base", s.Snapshot().ChainName)
}

func TestInfo_AnsweredByRelay(t *testing.T) {
	c, _, toRelay, _ := setup(t)
	go func() {
		msg := <-toRelay.Receive()
		msg.(types.UIGetInfo).Reply <- types.InfoReply{Info: types.Info{Address: vitalik, ChainName: "mainnet"}, Injected: true}
	}()

	view := c.Info(context.Background())
	assert.True(t, view.Injected)
	assert.Equal(t, "mainnet", view.ChainName)
	assert.Equal(t, vitalik, view.Address)
}

func TestInfo_NotInjectedWhenStoreDisabled(t *testing.T) {
	c, s, toRelay, _ := setup(t)
	require.NoError(t, s.SetEnabled(false))

	r := relay.New(s, directory.New(s), toRelay,
		bus.NewChannel[types.RelayMessage](1), bus.NewChannel[types.PageMessage](8))
	injected, err := r.Bootstrap(context.Background())
	require.NoError(t, err)
	require.False(t, injected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err = c.SelectNetwork(context.Background(), "mainnet")
	require.NoError(t, err)

	view := c.Info(context.Background())
	assert.Equal(t, "mainnet", view.ChainName)
	assert.False(t, view.Injected, "a page without init has no provider")
	assert.False(t, r.Injected())
}

func TestInfo_FallsBackToStore(t *testing.T) {
	c, s, _, _ := setup(t)
	require.NoError(t, s.SetIdentity(model.Identity{Address: vitalik, DisplayAddress: "v"}))
	require.NoError(t, s.SetChainName("base"))

	// Nobody consumes the relay channel
	view := c.Info(context.Background())
	assert.False(t, view.Injected)
	assert.Equal(t, types.Info{Address: vitalik, DisplayAddress: "v", ChainName: "base"}, view.Info)
}

func TestWatch_ResendsSelectedNetwork(t *testing.T) {
	c, s, toRelay, _ := setup(t)
	require.NoError(t, s.SetChainName("base"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the subscription a moment to register
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.PutNetwork("base", model.NetworkEntry{ChainID: 8453, RPCURLs: model.RPCList{"https://base-new.example"}}))
	assert.Equal(t, types.UISetNetwork{ChainName: "base"}, receive(t, toRelay))

	require.NoError(t, s.SetEnabled(false))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, toRelay.Len(), "other keys do not trigger a refresh")
}
