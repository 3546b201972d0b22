package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/registry"
	"github.com/zakuro-ai/mesh/internal/usecase"
)

// maxExecuteBody caps the opaque task blob at 32 MiB.
const maxExecuteBody = 32 << 20

// Server bundles the broker's HTTP dependencies.
type Server struct {
	Dispatch usecase.DispatchService
	Credits  usecase.CreditsService
	Pricing  usecase.PricingService
	Registry *registry.Registry
	Version  string
	// LocalMode is true when the ledger is in-memory rather than Postgres.
	LocalMode bool

	validate *validator.Validate
}

// NewServer constructs the HTTP server facade.
func NewServer(dispatch usecase.DispatchService, credits usecase.CreditsService, pricing usecase.PricingService, reg *registry.Registry, version string, localMode bool) *Server {
	return &Server{
		Dispatch:  dispatch,
		Credits:   credits,
		Pricing:   pricing,
		Registry:  reg,
		Version:   version,
		LocalMode: localMode,
		validate:  validator.New(),
	}
}

// Banner handles GET / with a short service identifier.
func (s *Server) Banner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "zakuro-broker",
		"version": s.Version,
	})
}

// Health handles GET /health. Cheap on purpose; readiness probes hit it
// every few seconds.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Execute handles POST /execute: the full dispatch pipeline. The body rides
// through opaque; only headers carry broker-level inputs and outputs.
func (s *Server) Execute(w http.ResponseWriter, r *http.Request) {
	userID := UserFromRequest(r)

	reqs, err := s.parseRequirements(r.Header.Get("X-Zakuro-Requirements"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	action := strings.TrimSpace(r.Header.Get("X-Zakuro-Instance-Action"))
	if action == "" {
		action = domain.ActionExecute
	}
	switch action {
	case domain.ActionExecute, domain.ActionCreateInstance, domain.ActionCallMethod:
	default:
		writeError(w, r, fmt.Errorf("unknown instance action %q: %w", action, domain.ErrInvalidArgument), nil)
		return
	}
	instanceID := strings.TrimSpace(r.Header.Get("X-Zakuro-Instance-Id"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxExecuteBody+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("reading body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if len(body) > maxExecuteBody {
		writeError(w, r, fmt.Errorf("body exceeds %d bytes: %w", maxExecuteBody, domain.ErrInvalidArgument), nil)
		return
	}

	res, err := s.Dispatch.Execute(r.Context(), userID, reqs, action, instanceID, body)
	if err != nil {
		LoggerFrom(r).Warn("dispatch failed",
			"user_id", userID, "action", action, "error", err)
		writeError(w, r, err, nil)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Zakuro-Cost", res.Cost.String())
	w.Header().Set("X-Zakuro-Credits-Remaining", res.Remaining.String())
	w.Header().Set("X-Zakuro-Worker", res.WorkerName)
	w.Header().Set("X-Zakuro-Duration-Ms", strconv.FormatInt(res.Duration.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func (s *Server) parseRequirements(header string) (domain.Requirements, error) {
	reqs := domain.DefaultRequirements()
	if strings.TrimSpace(header) == "" {
		return reqs, nil
	}
	// Partial JSON overlays the defaults field by field.
	var raw struct {
		CPUs                  *float64 `json:"cpus"`
		MemoryBytes           *int64   `json:"memory_bytes"`
		GPUs                  *int     `json:"gpus"`
		EstimatedDurationSecs *float64 `json:"estimated_duration_secs"`
		Strategy              string   `json:"strategy"`
		Tags                  []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(header), &raw); err != nil {
		return reqs, fmt.Errorf("X-Zakuro-Requirements: %w: %v", domain.ErrInvalidArgument, err)
	}
	if raw.CPUs != nil {
		reqs.CPUs = *raw.CPUs
	}
	if raw.MemoryBytes != nil {
		reqs.MemoryBytes = *raw.MemoryBytes
	}
	if raw.GPUs != nil {
		reqs.GPUs = *raw.GPUs
	}
	if raw.EstimatedDurationSecs != nil {
		reqs.EstimatedDurationSecs = *raw.EstimatedDurationSecs
	}
	strategy, err := domain.ParseStrategy(raw.Strategy)
	if err != nil {
		return reqs, fmt.Errorf("X-Zakuro-Requirements strategy=%q: %w", raw.Strategy, err)
	}
	reqs.Strategy = strategy
	reqs.Tags = raw.Tags
	if err := s.validate.Struct(reqs); err != nil {
		return reqs, fmt.Errorf("X-Zakuro-Requirements: %w: %v", domain.ErrInvalidArgument, err)
	}
	return reqs, nil
}

type workerView struct {
	Name           string          `json:"name"`
	Endpoint       string          `json:"endpoint"`
	WorkerType     string          `json:"worker_type"`
	Version        string          `json:"version,omitempty"`
	Status         string          `json:"status"`
	Tags           []string        `json:"tags,omitempty"`
	PricePerCPUSec decimal.Decimal `json:"price_per_cpu_sec"`
	Pricing        domain.Pricing  `json:"pricing"`
	Resources      domain.Resources `json:"resources"`
	LatencyMS      float64         `json:"latency_ms"`
	InFlight       int64           `json:"in_flight"`
	LastSeen       time.Time       `json:"last_seen"`
}

// Workers handles GET /workers with the current registry snapshot.
func (s *Server) Workers(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.Registry.Snapshot()
	views := make([]workerView, 0, len(snapshot))
	for _, wk := range snapshot {
		views = append(views, workerView{
			Name:           wk.Name,
			Endpoint:       wk.Endpoint,
			WorkerType:     wk.WorkerType,
			Version:        wk.Version,
			Status:         string(wk.Status),
			Tags:           wk.Tags,
			PricePerCPUSec: wk.Pricing.CPUPerSec,
			Pricing:        wk.Pricing,
			Resources:      wk.Resources,
			LatencyMS:      wk.LatencyMS,
			InFlight:       wk.InFlight,
			LastSeen:       wk.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(views),
		"workers": views,
	})
}

// CreditsGet handles GET /credits/{user_id}.
func (s *Server) CreditsGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	u, err := s.Credits.Account(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     u.UserID,
		"balance":     u.Balance,
		"total_spent": u.TotalSpent,
		"rate_limit":  u.RateLimitRPS,
	})
}

type addCreditsRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// CreditsAdd handles POST /credits/{user_id}/add.
func (s *Server) CreditsAdd(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req addCreditsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("decoding body: %w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	entry, err := s.Credits.Add(r.Context(), userID, req.Amount, req.Description)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	u, err := s.Credits.Account(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"added":       entry.Delta,
		"description": entry.Reason,
		"balance":     u.Balance,
	})
}

// CreditsHistory handles GET /credits/{user_id}/history.
func (s *Server) CreditsHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("limit=%q: %w", v, domain.ErrInvalidArgument), nil)
			return
		}
		limit = n
	}
	entries, err := s.Credits.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": entries,
	})
}

// Price handles POST /price: an advisory quote against the current market.
func (s *Server) Price(w http.ResponseWriter, r *http.Request) {
	var raw domain.Requirements
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&raw); err != nil {
		writeError(w, r, fmt.Errorf("decoding body: %w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	reqs := domain.DefaultRequirements()
	if raw.CPUs > 0 {
		reqs.CPUs = raw.CPUs
	}
	if raw.MemoryBytes > 0 {
		reqs.MemoryBytes = raw.MemoryBytes
	}
	if raw.GPUs > 0 {
		reqs.GPUs = raw.GPUs
	}
	if raw.EstimatedDurationSecs > 0 {
		reqs.EstimatedDurationSecs = raw.EstimatedDurationSecs
	}
	reqs.Tags = raw.Tags
	writeJSON(w, http.StatusOK, s.Pricing.Estimate(reqs))
}

// Me handles GET /me for the calling identity.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	userID := UserFromRequest(r)
	u, err := s.Credits.Account(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	ledgerConnected := s.Credits.Ledger.Ping(r.Context()) == nil && !s.LocalMode
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          u.UserID,
		"balance":          u.Balance,
		"ledger_connected": ledgerConnected,
		"local_mode":       s.LocalMode,
	})
}
