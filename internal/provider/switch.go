package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/types"
)

type switchParams struct {
	ChainID json.RawMessage `json:"chainId"`
}

// switchChain sends a correlated switch request to the relay and waits for
// the matching reply. The relay drops requests for unknown chains, so the
// wait is bounded by the switch timeout and by ctx.
func (p *Provider) switchChain(ctx context.Context, req Request) (interface{}, error) {
	chainID, err := parseSwitchParams(req.Params)
	if err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	done := make(chan error, 1)
	p.pendingMu.Lock()
	p.pending[id] = done
	p.pendingMu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"method":         req.Method,
		"correlation_id": id,
		"chain_id":       chainID,
	})

	if err := p.outbound.Send(ctx, types.SwitchChainRequest{CorrelationID: id, ChainID: chainID}); err != nil {
		p.dropPending(id)
		return nil, fmt.Errorf("send switch request: %w", err)
	}
	log.Debug("Switch request sent to relay")

	var timeout <-chan time.Time
	if p.switchTimeout > 0 {
		timer := time.NewTimer(p.switchTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return nil, nil
	case <-timeout:
		if p.dropPending(id) {
			log.Warn("Switch request timed out, no network configured for chain id")
			return nil, types.ErrSwitchTimeout
		}
		// The reply won the race with the timer
		return nil, <-done
	case <-ctx.Done():
		if p.dropPending(id) {
			return nil, ctx.Err()
		}
		return nil, <-done
	}
}

// DeliverSwitchReply completes the pending switch with the reply's
// correlation id. The entry is removed before the network is applied, so a
// duplicate reply finds nothing. It reports whether a switch was pending.
func (p *Provider) DeliverSwitchReply(ctx context.Context, reply types.SwitchChainReply) bool {
	p.pendingMu.Lock()
	done, ok := p.pending[reply.CorrelationID]
	if ok {
		delete(p.pending, reply.CorrelationID)
	}
	p.pendingMu.Unlock()

	if !ok {
		logrus.WithField("correlation_id", reply.CorrelationID).Debug("Ignoring switch reply with no pending request")
		return false
	}

	done <- p.SetChainID(ctx, reply.ChainID, reply.RPCURL)
	return true
}

// Pending returns the number of switches waiting for a reply.
func (p *Provider) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

func (p *Provider) dropPending(id uint64) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	return true
}

func parseSwitchParams(params []json.RawMessage) (int64, error) {
	if len(params) == 0 {
		return 0, fmt.Errorf("%w: expected [{chainId}]", types.ErrInvalidParams)
	}
	var arg switchParams
	if err := json.Unmarshal(params[0], &arg); err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrInvalidParams, err)
	}
	if len(arg.ChainID) == 0 {
		return 0, fmt.Errorf("%w: missing chainId", types.ErrInvalidParams)
	}
	return parseChainID(arg.ChainID)
}

// parseChainID accepts "0x89", "137" or 137. Strings without a 0x prefix
// are decimal.
func parseChainID(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: chainId %s", types.ErrInvalidParams, string(raw))
		}
		return n, nil
	}
	s = strings.TrimSpace(s)
	var (
		id  int64
		err error
	)
	if has0xPrefix(s) {
		id, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		id, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: chainId %q", types.ErrInvalidParams, s)
	}
	return id, nil
}
