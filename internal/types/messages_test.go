package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_UsesWireNames(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Init{Address: "0xabc", ChainID: 1, RPCURL: "https://rpc"}, "init"},
		{SetAddress{Address: "0xabc"}, "setAddress"},
		{SetChainID{ChainName: "mainnet", ChainID: 1}, "setChainId"},
		{SwitchChainRequest{CorrelationID: 7, ChainID: 10}, "i_switchEthereumChain"},
		{SwitchChainReply{CorrelationID: 7, ChainID: 10}, "switchEthereumChain"},
		{UIGetInfo{}, "getInfo"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			env, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type)
		})
	}
}

func TestDecodePage(t *testing.T) {
	env := Envelope{Type: TypeSetChainID, Msg: json.RawMessage(`{"chainName":"optimism","chainId":10,"rpcUrl":"https://op"}`)}
	msg, err := DecodePage(env)
	require.NoError(t, err)

	set, ok := msg.(SetChainID)
	require.True(t, ok, "expected a SetChainID value, got %T", msg)
	assert.Equal(t, int64(10), set.ChainID)
	assert.Equal(t, "https://op", set.RPCURL)

	reply, err := DecodePage(Envelope{Type: TypeSwitchReply, Msg: json.RawMessage(`{"id":3,"chainId":137,"rpcUrl":"https://polygon"}`)})
	require.NoError(t, err)
	assert.Equal(t, SwitchChainReply{CorrelationID: 3, ChainID: 137, RPCURL: "https://polygon"}, reply)
}

func TestDecodePage_Rejects(t *testing.T) {
	_, err := DecodePage(Envelope{Type: "bogus"})
	assert.Error(t, err)

	_, err = DecodePage(Envelope{Type: TypeInit})
	assert.Error(t, err, "init without a body is rejected")

	_, err = DecodePage(Envelope{Type: TypeSwitchRequest, Msg: json.RawMessage(`{}`)})
	assert.Error(t, err, "page-bound decoder must not accept page-originated messages")
}

func TestDecodeRelayAndUI(t *testing.T) {
	req, err := DecodeRelay(Envelope{Type: TypeSwitchRequest, Msg: json.RawMessage(`{"id":1,"chainId":5}`)})
	require.NoError(t, err)
	assert.Equal(t, SwitchChainRequest{CorrelationID: 1, ChainID: 5}, req)

	ui, err := DecodeUI(Envelope{Type: TypeSetChainID, Msg: json.RawMessage(`{"chainName":"mainnet"}`)})
	require.NoError(t, err)
	assert.Equal(t, UISetNetwork{ChainName: "mainnet"}, ui)

	ui, err = DecodeUI(Envelope{Type: TypeGetInfo})
	require.NoError(t, err)
	assert.IsType(t, UIGetInfo{}, ui)

	_, err = DecodeUI(Envelope{Type: TypeInit, Msg: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestErrors_Matching(t *testing.T) {
	unsupported := &UnsupportedOperationError{Method: "eth_sign"}
	assert.True(t, errors.Is(unsupported, ErrUnsupportedOperation))
	assert.Contains(t, unsupported.Error(), "eth_sign")

	cause := errors.New("connection refused")
	upstream := fmt.Errorf("call: %w", &UpstreamError{Method: "eth_call", Err: cause})
	assert.True(t, errors.Is(upstream, ErrUpstreamFailure))
	assert.True(t, errors.Is(upstream, cause), "upstream error should unwrap to its cause")

	sim := &UpstreamError{Method: "eth_sendTransaction", Err: &SimulationError{Status: 500, Body: "boom"}}
	assert.True(t, errors.Is(sim, ErrSimulationFailure))
	assert.True(t, errors.Is(sim, ErrUpstreamFailure))

	var resolution *ResolutionError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", &ResolutionError{Kind: "network", Key: "x"}), &resolution))
	assert.True(t, errors.Is(resolution, ErrResolutionFailure))
}
