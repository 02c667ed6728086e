// Package simulation sends transactions to a hosted simulation service
// instead of broadcasting them, and hands back a link to the report.
package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/circuitbreaker"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/types"
)

// DefaultGas is used when the transaction carries no gas limit.
const DefaultGas uint64 = 8000000

const maxReports = 50

// Opener presents a finished report to the user.
type Opener interface {
	Open(ctx context.Context, reportURL string) error
}

// LogOpener announces report links in the log.
type LogOpener struct{}

// Open logs the report URL.
func (LogOpener) Open(ctx context.Context, reportURL string) error {
	logrus.WithField("url", reportURL).Info("Simulation report ready")
	return nil
}

// Report is a completed simulation.
type Report struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	ChainID int64     `json:"chainId"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
}

// Options configure a Service.
type Options struct {
	// APIURL is the service base, e.g. https://api.tenderly.co
	APIURL string

	// DashboardURL is the base of report links
	DashboardURL string

	// RetryMax bounds retries of transport errors and 5xx responses
	RetryMax int
}

// Service holds what every session shares: the HTTP client, the circuit
// breaker and the report history. Credentials are bound per dispatcher.
type Service struct {
	apiURL       string
	dashboardURL string
	client       *retryablehttp.Client
	breaker      *circuitbreaker.CircuitBreaker
	opener       Opener
	observe      func(outcome string, elapsed time.Duration)

	mu      sync.Mutex
	reports []Report
}

// NewService creates a simulation service.
func NewService(opts Options) *Service {
	return &Service{
		apiURL:       strings.TrimRight(opts.APIURL, "/"),
		dashboardURL: strings.TrimRight(opts.DashboardURL, "/"),
		client:       newRetryClient(opts.RetryMax),
		opener:       LogOpener{},
	}
}

// WithBreaker guards the service with a circuit breaker.
func (s *Service) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Service {
	s.breaker = cb
	return s
}

// WithOpener replaces the report opener.
func (s *Service) WithOpener(o Opener) *Service {
	s.opener = o
	return s
}

// WithObserver registers a callback receiving the outcome of every call.
func (s *Service) WithObserver(fn func(outcome string, elapsed time.Duration)) *Service {
	s.observe = fn
	return s
}

// Breaker returns the circuit breaker, or nil.
func (s *Service) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Reports returns recent simulations, newest last.
func (s *Service) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// Dispatcher binds credentials to the service.
func (s *Service) Dispatcher(info model.SimulationInfo) *Dispatcher {
	return &Dispatcher{svc: s, info: info}
}

// Dispatcher simulates transactions for one set of credentials.
type Dispatcher struct {
	svc  *Service
	info model.SimulationInfo
}

// Request is the body posted to the simulation endpoint.
type Request struct {
	NetworkID   string `json:"network_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Input       string `json:"input"`
	Gas         uint64 `json:"gas"`
	GasPrice    string `json:"gas_price"`
	Value       string `json:"value"`
	Save        bool   `json:"save"`
	SaveIfFails bool   `json:"save_if_fails"`
}

type simulateResponse struct {
	Simulation struct {
		ID string `json:"id"`
	} `json:"simulation"`
}

// BuildRequest converts a page transaction into the service payload.
func BuildRequest(tx model.TxParams, activeAddress string, chainID int64) (Request, error) {
	body := Request{
		NetworkID:   strconv.FormatInt(chainID, 10),
		From:        tx.From,
		To:          tx.To,
		Input:       tx.Calldata(),
		Gas:         DefaultGas,
		GasPrice:    "0",
		Value:       "0",
		Save:        true,
		SaveIfFails: true,
	}
	if body.From == "" {
		body.From = activeAddress
	}
	if body.Input == "" {
		body.Input = "0x"
	}
	if gasHex := trimHex(tx.Gas); gasHex != "" {
		gas, err := strconv.ParseUint(gasHex, 16, 64)
		if err != nil {
			return Request{}, fmt.Errorf("%w: gas %q", types.ErrInvalidParams, tx.Gas)
		}
		body.Gas = gas
	}
	if valueHex := trimHex(tx.Value); valueHex != "" {
		value, ok := new(big.Int).SetString(valueHex, 16)
		if !ok {
			return Request{}, fmt.Errorf("%w: value %q", types.ErrInvalidParams, tx.Value)
		}
		body.Value = value.String()
	}
	return body, nil
}

// Simulate submits tx and returns the report URL. No transaction is
// broadcast and no hash exists.
func (d *Dispatcher) Simulate(ctx context.Context, tx model.TxParams, activeAddress string, chainID int64) (string, error) {
	start := time.Now()
	reportURL, err := d.simulate(ctx, tx, activeAddress, chainID)
	if d.svc.observe != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		d.svc.observe(outcome, time.Since(start))
	}
	return reportURL, err
}

func (d *Dispatcher) simulate(ctx context.Context, tx model.TxParams, activeAddress string, chainID int64) (string, error) {
	body, err := BuildRequest(tx, activeAddress, chainID)
	if err != nil {
		return "", err
	}

	if cb := d.svc.breaker; cb != nil {
		if err := cb.Allow(); err != nil {
			return "", &types.SimulationError{Err: err}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &types.SimulationError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/api/v1/account/%s/project/%s/simulate",
		d.svc.apiURL, url.PathEscape(d.info.AccountSlug), url.PathEscape(d.info.ProjectSlug))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &types.SimulationError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", d.info.AccessKey)

	logrus.WithFields(logrus.Fields{
		"network_id": body.NetworkID,
		"from":       body.From,
		"to":         body.To,
	}).Debug("Submitting simulation")

	resp, err := d.svc.client.Do(req)
	if err != nil {
		d.recordFailure(err.Error())
		return "", &types.SimulationError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			d.recordFailure(fmt.Sprintf("status %d", resp.StatusCode))
		}
		return "", &types.SimulationError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out simulateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		d.recordFailure("undecodable response")
		return "", &types.SimulationError{Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if out.Simulation.ID == "" {
		d.recordFailure("response without simulation id")
		return "", &types.SimulationError{Status: resp.StatusCode, Err: fmt.Errorf("response carries no simulation id")}
	}
	if cb := d.svc.breaker; cb != nil {
		cb.RecordSuccess()
	}

	reportURL := d.ReportURL(out.Simulation.ID)
	d.svc.addReport(Report{
		ID:      out.Simulation.ID,
		URL:     reportURL,
		ChainID: chainID,
		From:    body.From,
		To:      body.To,
		At:      time.Now(),
	})
	if err := d.svc.opener.Open(ctx, reportURL); err != nil {
		logrus.WithError(err).Warn("Failed to open simulation report")
	}
	return reportURL, nil
}

// ReportURL builds the dashboard link of a simulation.
func (d *Dispatcher) ReportURL(id string) string {
	return fmt.Sprintf("%s/%s/%s/simulator/%s", d.svc.dashboardURL, d.info.AccountSlug, d.info.ProjectSlug, id)
}

func (d *Dispatcher) recordFailure(reason string) {
	if cb := d.svc.breaker; cb != nil {
		cb.RecordFailure(reason)
	}
}

func (s *Service) addReport(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	if len(s.reports) > maxReports {
		s.reports = s.reports[len(s.reports)-maxReports:]
	}
}

func trimHex(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
