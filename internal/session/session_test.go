package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/impersonator/internal/directory"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/provider"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/types"
)

const testAddress = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"

type ethService struct{}

func (ethService) BlockNumber() hexutil.Uint64 { return 0x10 }

func newChain(t *testing.T) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", ethService{}))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts.URL
}

func testOptions(t *testing.T) (Options, *store.Store) {
	t.Helper()
	url := newChain(t)
	s := store.NewMemory()
	require.NoError(t, s.SetNetworks(map[string]model.NetworkEntry{
		"mainnet":  {ChainID: 1, RPCURLs: model.RPCList{url}},
		"optimism": {ChainID: 10, RPCURLs: model.RPCList{url}},
	}))
	return Options{
		Store:      s,
		Directory:  directory.New(s),
		Provider:   provider.Options{SwitchTimeout: time.Second},
		InjectWait: time.Second,
	}, s
}

func openSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), "test", opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestOpen_InjectsAndServesRequests(t *testing.T) {
	opts, _ := testOptions(t)
	s := openSession(t, opts)
	require.True(t, s.Injected())
	assert.NoError(t, s.BootstrapError())

	ctx := context.Background()
	accounts, err := s.Request(ctx, provider.Request{Method: "eth_accounts"})
	require.NoError(t, err)
	assert.Equal(t, []string{model.ZeroAddress}, accounts)

	block, err := s.Request(ctx, provider.Request{Method: "eth_blockNumber"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(block.(json.RawMessage)))
}

func TestOpen_UnresolvedNetworkLeavesPageBare(t *testing.T) {
	opts, st := testOptions(t)
	require.NoError(t, st.SetChainName("gnosis"))

	s := openSession(t, opts)
	assert.False(t, s.Injected())
	assert.ErrorIs(t, s.BootstrapError(), types.ErrResolutionFailure)

	_, err := s.Request(context.Background(), provider.Request{Method: "eth_accounts"})
	assert.ErrorIs(t, err, types.ErrNotInjected)
}

func TestOpen_Disabled(t *testing.T) {
	opts, st := testOptions(t)
	require.NoError(t, st.SetEnabled(false))

	s := openSession(t, opts)
	assert.False(t, s.Injected())
	assert.NoError(t, s.BootstrapError())
}

func TestSession_AddressUpdateReachesPage(t *testing.T) {
	opts, _ := testOptions(t)
	s := openSession(t, opts)
	events, stop := s.Subscribe()
	defer stop()

	_, err := s.Controller().SetAddress(context.Background(), testAddress, "")
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, provider.EventAccountsChanged, ev.Name)
	assert.Equal(t, []string{testAddress}, ev.Data)
	assert.Equal(t, testAddress, s.Provider().Address())
}

func TestSession_PageSwitchRoundTrip(t *testing.T) {
	opts, st := testOptions(t)
	s := openSession(t, opts)
	events, stop := s.Subscribe()
	defer stop()

	result, err := s.Request(context.Background(), provider.Request{
		Method: "wallet_switchEthereumChain",
		Params: []json.RawMessage{json.RawMessage(`{"chainId":"0xa"}`)},
	})
	require.NoError(t, err)
	assert.Nil(t, result)

	ev := nextEvent(t, events)
	assert.Equal(t, provider.EventChainChanged, ev.Name)
	assert.Equal(t, "0xa", ev.Data)
	assert.Equal(t, int64(10), s.Provider().ChainID())
	assert.Eventually(t, func() bool {
		return st.Snapshot().ChainName == "optimism" && s.Relay().Info().ChainName == "optimism"
	}, time.Second, 10*time.Millisecond)
}

func TestSession_CloseReleasesSubscribers(t *testing.T) {
	opts, _ := testOptions(t)
	s, err := Open(context.Background(), "closing", opts)
	require.NoError(t, err)
	events, _ := s.Subscribe()

	s.Close()
	s.Close()

	_, open := <-events
	assert.False(t, open)

	late, _ := s.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed stream")
}

func TestSession_RateLimit(t *testing.T) {
	opts, _ := testOptions(t)
	opts.RateLimit = 1
	opts.RateBurst = 2
	s := openSession(t, opts)

	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	assert.False(t, s.Allow())
}

func TestRegistry(t *testing.T) {
	opts, _ := testOptions(t)
	reg := NewRegistry(opts, 0)
	defer reg.CloseAll()

	s, err := reg.Open(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, reg.Count())

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.True(t, reg.Close(s.ID))
	assert.False(t, reg.Close(s.ID))
	_, ok = reg.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_IdleSessionsExpire(t *testing.T) {
	opts, _ := testOptions(t)
	reg := NewRegistry(opts, 50*time.Millisecond)
	defer reg.CloseAll()

	s, err := reg.Open(context.Background())
	require.NoError(t, err)
	events, _ := s.Subscribe()

	assert.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, 20*time.Millisecond)
	select {
	case _, open := <-events:
		assert.False(t, open, "expired session is closed")
	case <-time.After(time.Second):
		t.Fatal("expired session was not closed")
	}
}
