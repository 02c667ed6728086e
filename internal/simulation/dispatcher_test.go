package simulation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/impersonator/internal/circuitbreaker"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/types"
)

const activeAddress = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"

var testInfo = model.SimulationInfo{AccountSlug: "acme", ProjectSlug: "wallet", AccessKey: "secret-key"}

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *recordingOpener) Open(ctx context.Context, reportURL string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, reportURL)
	return nil
}

func TestBuildRequest_Defaults(t *testing.T) {
	body, err := BuildRequest(model.TxParams{To: "0x1111111111111111111111111111111111111111"}, activeAddress, 1)
	require.NoError(t, err)

	assert.Equal(t, activeAddress, body.From, "from defaults to the active address")
	assert.Equal(t, "0x", body.Input)
	assert.Equal(t, DefaultGas, body.Gas)
	assert.Equal(t, "0", body.GasPrice)
	assert.Equal(t, "0", body.Value)
	assert.Equal(t, "1", body.NetworkID)
	assert.True(t, body.Save)
	assert.True(t, body.SaveIfFails)
}

func TestBuildRequest_Conversions(t *testing.T) {
	tx := model.TxParams{
		From:  "0x2222222222222222222222222222222222222222",
		To:    "0x1111111111111111111111111111111111111111",
		Data:  "0xa9059cbb",
		Gas:   "0x5208",
		Value: "0xde0b6b3a7640000",
	}
	body, err := BuildRequest(tx, activeAddress, 137)
	require.NoError(t, err)

	assert.Equal(t, tx.From, body.From, "explicit from wins")
	assert.Equal(t, "0xa9059cbb", body.Input)
	assert.Equal(t, uint64(21000), body.Gas)
	assert.Equal(t, "1000000000000000000", body.Value)
	assert.Equal(t, "137", body.NetworkID)

	body, err = BuildRequest(model.TxParams{Input: "0xdeadbeef", Value: "0x1"}, activeAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", body.Input, "input is used when data is absent")
	assert.Equal(t, "1", body.Value)
}

func TestBuildRequest_RejectsBadQuantities(t *testing.T) {
	_, err := BuildRequest(model.TxParams{Gas: "0xzz"}, activeAddress, 1)
	assert.ErrorIs(t, err, types.ErrInvalidParams)

	_, err = BuildRequest(model.TxParams{Value: "lots"}, activeAddress, 1)
	assert.ErrorIs(t, err, types.ErrInvalidParams)
}

func TestSimulate_PostsAndBuildsReportURL(t *testing.T) {
	var got Request
	var gotKey, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Access-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"simulation":{"id":"sim-123","status":true}}`))
	}))
	defer server.Close()

	opener := &recordingOpener{}
	svc := NewService(Options{APIURL: server.URL, DashboardURL: "https://dashboard.tenderly.co"}).WithOpener(opener)

	reportURL, err := svc.Dispatcher(testInfo).Simulate(context.Background(), model.TxParams{
		To:    "0x1111111111111111111111111111111111111111",
		Value: "0x1",
	}, activeAddress, 1)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/account/acme/project/wallet/simulate", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "1", got.Value)
	assert.Equal(t, "1", got.NetworkID)
	assert.Equal(t, activeAddress, got.From)
	assert.Equal(t, "https://dashboard.tenderly.co/acme/wallet/simulator/sim-123", reportURL)
	assert.Equal(t, []string{reportURL}, opener.urls)

	reports := svc.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "sim-123", reports[0].ID)
}

func TestSimulate_ErrorStatusIsSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid access key"}}`))
	}))
	defer server.Close()

	svc := NewService(Options{APIURL: server.URL, DashboardURL: "https://dashboard.example"})
	_, err := svc.Dispatcher(testInfo).Simulate(context.Background(), model.TxParams{}, activeAddress, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSimulationFailure)

	var simErr *types.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, http.StatusUnauthorized, simErr.Status)
	assert.Contains(t, simErr.Body, "invalid access key")
	assert.Empty(t, svc.Reports())
}

func TestSimulate_MissingIDIsAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"simulation":{}}`))
	}))
	defer server.Close()

	svc := NewService(Options{APIURL: server.URL})
	_, err := svc.Dispatcher(testInfo).Simulate(context.Background(), model.TxParams{}, activeAddress, 1)
	assert.ErrorIs(t, err, types.ErrSimulationFailure)
}

func TestSimulate_BreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var outcomes []string
	svc := NewService(Options{APIURL: server.URL, RetryMax: 0}).
		WithBreaker(circuitbreaker.New(circuitbreaker.Thresholds{MaxConsecutiveFailures: 2}).WithResetDelay(time.Minute)).
		WithObserver(func(outcome string, _ time.Duration) { outcomes = append(outcomes, outcome) })
	d := svc.Dispatcher(testInfo)

	for i := 0; i < 2; i++ {
		_, err := d.Simulate(context.Background(), model.TxParams{}, activeAddress, 1)
		assert.ErrorIs(t, err, types.ErrSimulationFailure)
	}
	assert.Equal(t, circuitbreaker.StateOpen, svc.Breaker().GetState())

	_, err := d.Simulate(context.Background(), model.TxParams{}, activeAddress, 1)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not reach the service")
	assert.Equal(t, []string{"error", "error", "error"}, outcomes)
}

func TestSimulate_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"simulation":{"id":"retry-ok"}}`))
	}))
	defer server.Close()

	svc := NewService(Options{APIURL: server.URL, DashboardURL: "https://dash.example", RetryMax: 1})
	reportURL, err := svc.Dispatcher(testInfo).Simulate(context.Background(), model.TxParams{}, activeAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://dash.example/acme/wallet/simulator/retry-ok", reportURL)
	assert.Equal(t, int32(2), hits.Load())
}
