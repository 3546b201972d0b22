package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakuro-ai/mesh/internal/adapter/httpserver"
	"github.com/zakuro-ai/mesh/internal/adapter/ledger/memory"
	"github.com/zakuro-ai/mesh/internal/app"
	"github.com/zakuro-ai/mesh/internal/config"
	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/affinity"
	"github.com/zakuro-ai/mesh/internal/service/registry"
	"github.com/zakuro-ai/mesh/internal/service/selector"
	"github.com/zakuro-ai/mesh/internal/usecase"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type scriptedClient struct {
	delay    time.Duration
	response []byte
	err      error
	called   int
}

func (c *scriptedClient) Info(domain.Context, string) (domain.Worker, time.Duration, error) {
	return domain.Worker{}, 0, domain.ErrWorkerUnreachable
}

func (c *scriptedClient) Execute(domain.Context, string, []byte) ([]byte, error) {
	c.called++
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.response, c.err
}

type harness struct {
	handler http.Handler
	ledger  *memory.Ledger
	reg     *registry.Registry
	aff     *affinity.Table
	client  *scriptedClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{RateLimitPerMin: 600, CORSAllowOrigins: "*"}
	ledger := memory.New()
	reg := registry.New(5 * time.Minute)
	aff := affinity.NewTable(30 * time.Minute)
	client := &scriptedClient{response: []byte(`{"value":42}`)}

	dispatch := usecase.NewDispatchService(ledger, reg, selector.New(), aff, client, nil, nil, 5*time.Second)
	srv := httpserver.NewServer(dispatch, usecase.NewCreditsService(ledger), usecase.NewPricingService(reg), reg, "test", true)
	return &harness{
		handler: app.BuildRouter(cfg, srv),
		ledger:  ledger,
		reg:     reg,
		aff:     aff,
		client:  client,
	}
}

func (h *harness) addWorker(name string, cpuPrice string) {
	h.reg.ObserveSuccess("http://"+name+":3960", domain.Worker{
		Name: name,
		Resources: domain.Resources{
			CPUsTotal:       4,
			CPUsAvailable:   4,
			MemoryTotal:     8 * domain.GiB,
			MemoryAvailable: 8 * domain.GiB,
		},
		Pricing: domain.Pricing{
			CPUPerSec:    dec(cpuPrice),
			MemGiBPerSec: decimal.Zero,
			GPUPerSec:    decimal.Zero,
			MinCharge:    dec("0.0001"),
		},
	}, time.Millisecond)
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestExecuteHappyPathHeaders(t *testing.T) {
	h := newHarness(t)
	h.addWorker("w1", "0.04")
	h.client.delay = 120 * time.Millisecond
	_, err := h.ledger.Add(context.Background(), "u1", dec("10"), "seed")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/execute", bytes.NewReader([]byte(`{"func":"answer"}`)))
	req.Header.Set("X-Zakuro-User", "u1")
	req.Header.Set("X-Zakuro-Requirements", `{"cpus":1,"estimated_duration_secs":0.05}`)
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `{"value":42}`, rec.Body.String())
	assert.Equal(t, "0.002", rec.Header().Get("X-Zakuro-Cost"))
	assert.Equal(t, "9.998", rec.Header().Get("X-Zakuro-Credits-Remaining"))
	assert.Equal(t, "w1", rec.Header().Get("X-Zakuro-Worker"))
	assert.NotEmpty(t, rec.Header().Get("X-Zakuro-Duration-Ms"))
}

func TestExecuteInsufficientCredits402(t *testing.T) {
	h := newHarness(t)
	h.addWorker("w1", "0.04")
	_, err := h.ledger.Add(context.Background(), "u2", dec("0.001"), "seed")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/execute", strings.NewReader(`{}`))
	req.Header.Set("X-Zakuro-User", "u2")
	req.Header.Set("X-Zakuro-Requirements", `{"cpus":1,"estimated_duration_secs":0.05}`)
	rec := h.do(req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "INSUFFICIENT_CREDITS")
	assert.Equal(t, 0, h.client.called, "worker must never be contacted")
}

func TestExecuteNoWorkers503(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Add(context.Background(), "u1", dec("10"), "seed")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/execute", strings.NewReader(`{}`))
	req.Header.Set("X-Zakuro-User", "u1")
	rec := h.do(req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_WORKERS_AVAILABLE")
}

func TestExecuteAffinityLost410NoCharge(t *testing.T) {
	h := newHarness(t)
	h.addWorker("w2", "0.001")
	h.aff.Put("inst_A", "http://w1:3960", "u1")
	_, err := h.ledger.Add(context.Background(), "u1", dec("10"), "seed")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/execute", strings.NewReader(`{}`))
	req.Header.Set("X-Zakuro-User", "u1")
	req.Header.Set("X-Zakuro-Instance-Action", "call_method")
	req.Header.Set("X-Zakuro-Instance-Id", "inst_A")
	rec := h.do(req)

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "AFFINITY_LOST")

	bal, _ := h.ledger.Balance(context.Background(), "u1")
	assert.True(t, bal.Equal(dec("10")))
}

func TestExecuteBadRequirements400(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("POST", "/execute", strings.NewReader(`{}`))
	req.Header.Set("X-Zakuro-Requirements", `{"strategy":"warp_speed"}`)
	rec := h.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteBadAction400(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("POST", "/execute", strings.NewReader(`{}`))
	req.Header.Set("X-Zakuro-Instance-Action", "destroy_instance")
	rec := h.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkersListing(t *testing.T) {
	h := newHarness(t)
	h.addWorker("w1", "0.001")
	h.addWorker("w2", "0.002")

	rec := h.do(httptest.NewRequest("GET", "/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total   int `json:"total"`
		Workers []struct {
			Name           string          `json:"name"`
			Status         string          `json:"status"`
			PricePerCPUSec decimal.Decimal `json:"price_per_cpu_sec"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Workers, 2)
	assert.Equal(t, "healthy", body.Workers[0].Status)
}

func TestCreditsGetAndAdd(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest("POST", "/credits/u1/add", strings.NewReader(`{"amount":"5","description":"top-up"}`))
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(httptest.NewRequest("GET", "/credits/u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		UserID  string          `json:"user_id"`
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.UserID)
	assert.True(t, body.Balance.Equal(dec("5")))
}

func TestCreditsAddRejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("POST", "/credits/u1/add", strings.NewReader(`{"amount":"-5"}`))
	rec := h.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditsHistory(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Add(context.Background(), "u1", dec("1"), "first")
	require.NoError(t, err)
	_, err = h.ledger.Add(context.Background(), "u1", dec("2"), "second")
	require.NoError(t, err)

	rec := h.do(httptest.NewRequest("GET", "/credits/u1/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "second", body.Entries[0].Reason)
}

func TestPriceQuote(t *testing.T) {
	h := newHarness(t)
	h.addWorker("w1", "0.001")
	h.addWorker("w2", "0.002")

	req := httptest.NewRequest("POST", "/price", strings.NewReader(`{"cpus":1,"estimated_duration_secs":2}`))
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var q struct {
		MinCost  decimal.Decimal `json:"min_cost"`
		MaxCost  decimal.Decimal `json:"max_cost"`
		Matching int             `json:"matching_workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, 2, q.Matching)
	assert.True(t, q.MinCost.Equal(dec("0.002")), "min=%s", q.MinCost)
	assert.True(t, q.MaxCost.Equal(dec("0.004")), "max=%s", q.MaxCost)
}

func TestMeLocalMode(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer zk_alice_r4nd")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UserID          string `json:"user_id"`
		LedgerConnected bool   `json:"ledger_connected"`
		LocalMode       bool   `json:"local_mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body.UserID)
	assert.False(t, body.LedgerConnected)
	assert.True(t, body.LocalMode)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestBannerEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zakuro-broker")
}
