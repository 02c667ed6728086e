package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/impersonator/internal/bus"
	"github.com/yourorg/impersonator/internal/types"
)

func startHost(t *testing.T) (*Host, *bus.Channel[types.PageMessage], *bus.Channel[types.RelayMessage], *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	inbox := bus.NewChannel[types.PageMessage](8)
	outbound := bus.NewChannel[types.RelayMessage](8)
	host := NewHost(inbox, outbound, Options{Dial: backend.dial, SwitchTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = host.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return host, inbox, outbound, backend
}

func waitReady(t *testing.T, host *Host) *Provider {
	t.Helper()
	select {
	case <-host.Ready():
	case <-time.After(time.Second):
		t.Fatal("provider was not injected")
	}
	return host.Provider()
}

func TestHost_InjectsOnInitAndAppliesUpdates(t *testing.T) {
	host, inbox, _, _ := startHost(t)
	ctx := context.Background()
	assert.Nil(t, host.Provider())

	accounts := make(chan []string, 4)
	host.OnInject(func(p *Provider) {
		p.On(EventAccountsChanged, func(payload interface{}) { accounts <- payload.([]string) })
	})

	// Updates before init are dropped
	require.NoError(t, inbox.Send(ctx, types.SetAddress{Address: "0x9999999999999999999999999999999999999999"}))
	require.NoError(t, inbox.Send(ctx, types.Init{Address: testAddress, ChainID: 1, RPCURL: "https://eth.example"}))
	p := waitReady(t, host)
	assert.Equal(t, testAddress, p.Address())

	require.NoError(t, inbox.Send(ctx, types.SetAddress{Address: "0x3333333333333333333333333333333333333333"}))
	select {
	case got := <-accounts:
		assert.Equal(t, []string{"0x3333333333333333333333333333333333333333"}, got)
	case <-time.After(time.Second):
		t.Fatal("accountsChanged not emitted")
	}

	require.NoError(t, inbox.Send(ctx, types.SetChainID{ChainName: "optimism", ChainID: 10, RPCURL: "https://op.example"}))
	assert.Eventually(t, func() bool { return p.ChainID() == 10 }, time.Second, 10*time.Millisecond)

	// A repeated init must not replace the provider
	require.NoError(t, inbox.Send(ctx, types.Init{Address: "0x4444444444444444444444444444444444444444", ChainID: 5, RPCURL: "https://x.example"}))
	require.NoError(t, inbox.Send(ctx, types.SetChainID{ChainName: "mainnet", ChainID: 1, RPCURL: "https://eth.example"}))
	assert.Eventually(t, func() bool { return p.ChainID() == 1 }, time.Second, 10*time.Millisecond)
	assert.Same(t, p, host.Provider())
	assert.Equal(t, "0x3333333333333333333333333333333333333333", p.Address())
}

func TestHost_RoutesSwitchReplies(t *testing.T) {
	host, inbox, outbound, _ := startHost(t)
	ctx := context.Background()

	require.NoError(t, inbox.Send(ctx, types.Init{Address: testAddress, ChainID: 1, RPCURL: "https://eth.example"}))
	p := waitReady(t, host)

	result := requestSwitch(p, ctx, "0xa")
	req := receiveRequest(t, outbound)
	require.NoError(t, inbox.Send(ctx, types.SwitchChainReply{CorrelationID: req.CorrelationID + 100, ChainID: 5, RPCURL: "https://stray.example"}))
	require.NoError(t, inbox.Send(ctx, types.SwitchChainReply{CorrelationID: req.CorrelationID, ChainID: 10, RPCURL: "https://op.example"}))

	select {
	case res := <-result:
		require.NoError(t, res.err)
	case <-time.After(time.Second):
		t.Fatal("switch did not complete")
	}
	assert.Equal(t, int64(10), p.ChainID())
	assert.Equal(t, "https://op.example", p.RPCURL())
}

func TestHost_StopsWhenInboxCloses(t *testing.T) {
	inbox := bus.NewChannel[types.PageMessage](1)
	host := NewHost(inbox, bus.NewChannel[types.RelayMessage](1), Options{Dial: newFakeBackend().dial})

	done := make(chan error, 1)
	go func() { done <- host.Run(context.Background()) }()
	inbox.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("host did not stop")
	}
}
