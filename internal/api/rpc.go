package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/otel"
	"github.com/yourorg/impersonator/internal/provider"
	"github.com/yourorg/impersonator/internal/session"
	"github.com/yourorg/impersonator/internal/types"
)

// JSON-RPC and EIP-1193 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeLimitExceeded  = -32005
	codeUnsupported    = 4200
	codeDisconnected   = 4900
	codeUnrecognized   = 4902
)

const maxBodyBytes = 1 << 20

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *rpcError       `json:"error"`
}

// handleRPC serves the page's request() surface. Batches are answered in order.
func (s *Server) handleRPC(c *gin.Context, sess *session.Session) {
	if !sess.Allow() {
		c.JSON(http.StatusTooManyRequests, errorResponse(nil, &rpcError{Code: codeLimitExceeded, Message: "rate limit exceeded"}))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(nil, &rpcError{Code: codeParseError, Message: err.Error()}))
		return
	}

	ctx := c.Request.Context()
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []rpcRequest
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			c.JSON(http.StatusOK, errorResponse(nil, &rpcError{Code: codeParseError, Message: err.Error()}))
			return
		}
		out := make([]interface{}, 0, len(batch))
		for _, req := range batch {
			out = append(out, s.call(ctx, sess, req))
		}
		c.JSON(http.StatusOK, out)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, &rpcError{Code: codeParseError, Message: err.Error()}))
		return
	}
	c.JSON(http.StatusOK, s.call(ctx, sess, req))
}

func (s *Server) call(ctx context.Context, sess *session.Session, req rpcRequest) interface{} {
	if req.Method == "" {
		return errorResponse(req.ID, &rpcError{Code: codeInvalidRequest, Message: "missing method"})
	}
	params, err := splitParams(req.Params)
	if err != nil {
		return errorResponse(req.ID, &rpcError{Code: codeInvalidParams, Message: err.Error()})
	}

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	var chainID int64
	if p := sess.Provider(); p != nil {
		chainID = p.ChainID()
	}
	ctx, span := otel.StartRequest(ctx, sess.ID, req.Method, chainID)
	defer span.End()

	start := time.Now()
	result, err := sess.Request(ctx, provider.Request{Method: req.Method, Params: params})
	status := "success"
	if err != nil {
		status = "error"
		otel.RecordError(ctx, err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.observeRequest(req.Method, status, time.Since(start))
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session": sess.ID,
			"method":  req.Method,
		}).WithError(err).Debug("Provider request failed")
		return errorResponse(req.ID, toRPCError(err))
	}
	return rpcResponse{JSONRPC: "2.0", ID: idOrNull(req.ID), Result: result}
}

// splitParams accepts a positional array, a single object, or nothing.
func splitParams(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var params []json.RawMessage
		if err := json.Unmarshal(trimmed, &params); err != nil {
			return nil, err
		}
		return params, nil
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

// toRPCError maps provider errors to EIP-1193 and JSON-RPC codes.
func toRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, types.ErrUnsupportedOperation):
		return &rpcError{Code: codeUnsupported, Message: err.Error()}
	case errors.Is(err, types.ErrInvalidParams):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, types.ErrSwitchTimeout):
		return &rpcError{Code: codeUnrecognized, Message: err.Error()}
	case errors.Is(err, types.ErrNotInjected):
		return &rpcError{Code: codeDisconnected, Message: err.Error()}
	}

	out := &rpcError{Code: codeInternal, Message: err.Error()}
	var upstream rpc.Error
	if errors.As(err, &upstream) {
		out.Code = upstream.ErrorCode()
		out.Message = upstream.Error()
	}
	var withData rpc.DataError
	if errors.As(err, &withData) {
		out.Data = withData.ErrorData()
	}
	return out
}

func errorResponse(id json.RawMessage, e *rpcError) rpcErrorResponse {
	return rpcErrorResponse{JSONRPC: "2.0", ID: idOrNull(id), Error: e}
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
