package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// maxTaskBody caps inbound task blobs at 32 MiB, matching the broker.
const maxTaskBody = 32 << 20

// Identity is the static part of the worker's /info payload.
type Identity struct {
	Name        string
	WorkerType  string
	Version     string
	Tags        []string
	Hardware    map[string]string
	Pricing     domain.Pricing
	CPUsTotal   float64
	MemoryTotal int64
	GPUsTotal   int
}

// DefaultName derives a worker name from the hostname when none is
// configured.
func DefaultName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "zakuro-worker"
	}
	return h
}

// Server is the worker node's HTTP surface.
type Server struct {
	Identity  Identity
	Pool      *Pool
	Executor  *Executor
	Instances *InstanceStore
}

// NewServer wires the worker HTTP surface.
func NewServer(id Identity, pool *Pool, exec *Executor, store *InstanceStore) *Server {
	return &Server{Identity: id, Pool: pool, Executor: exec, Instances: store}
}

// Routes builds the worker's router. The surface is four endpoints and stays
// that small on purpose.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.banner)
	r.Get("/health", s.health)
	r.Get("/info", s.info)
	r.Post("/execute", s.execute)
	return r
}

func (s *Server) banner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "zakuro-worker",
		"name":    s.Identity.Name,
		"version": s.Identity.Version,
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type infoResponse struct {
	Name       string            `json:"name"`
	WorkerType string            `json:"worker_type"`
	Version    string            `json:"version"`
	Resources  domain.Resources  `json:"resources"`
	Pricing    pricingView       `json:"pricing"`
	Tags       []string          `json:"tags"`
	Hardware   map[string]string `json:"hardware,omitempty"`
}

type pricingView struct {
	CPUPrice    decimal.Decimal `json:"cpu_price"`
	MemoryPrice decimal.Decimal `json:"memory_price"`
	GPUPrice    decimal.Decimal `json:"gpu_price"`
	MinCharge   decimal.Decimal `json:"min_charge"`
}

// info reports identity plus live availability: the *_available fields move
// with pool occupancy, everything else is fixed at startup.
func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	busy := float64(0)
	if s.Pool != nil {
		busy = float64(s.Pool.Busy())
	}
	avail := s.Identity.CPUsTotal - busy
	if avail < 0 {
		avail = 0
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Name:       s.Identity.Name,
		WorkerType: s.Identity.WorkerType,
		Version:    s.Identity.Version,
		Resources: domain.Resources{
			CPUsTotal:       s.Identity.CPUsTotal,
			CPUsAvailable:   avail,
			MemoryTotal:     s.Identity.MemoryTotal,
			MemoryAvailable: s.Identity.MemoryTotal,
			GPUsTotal:       s.Identity.GPUsTotal,
			GPUsAvailable:   s.Identity.GPUsTotal,
		},
		Pricing: pricingView{
			CPUPrice:    s.Identity.Pricing.CPUPerSec,
			MemoryPrice: s.Identity.Pricing.MemGiBPerSec,
			GPUPrice:    s.Identity.Pricing.GPUPerSec,
			MinCharge:   s.Identity.Pricing.MinCharge,
		},
		Tags:     s.Identity.Tags,
		Hardware: s.Identity.Hardware,
	})
}

// execute runs one task blob. Status codes carry transport state only: a
// failing task still answers 200 with the error inside the body, so the
// broker charges for compute that ran and the client can tell the two
// failure kinds apart.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil || s.Executor == nil {
		httpError(w, http.StatusServiceUnavailable, "worker pool not initialized")
		return
	}
	if !s.Pool.TryAcquire() {
		httpError(w, http.StatusServiceUnavailable, "worker pool saturated")
		return
	}
	defer s.Pool.Release()

	blob, err := io.ReadAll(io.LimitReader(r.Body, maxTaskBody+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, "reading body")
		return
	}
	if len(blob) > maxTaskBody {
		httpError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxTaskBody))
		return
	}

	out, err := s.Executor.Run(blob)
	if err != nil {
		slog.Warn("task blob rejected", slog.Any("error", err))
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		httpError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// RunInstanceSweeper drops idle instances until ctx is canceled.
func (s *Server) RunInstanceSweeper(ctx domain.Context, interval time.Duration) {
	if s.Instances == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Instances.SweepIdle(); n > 0 {
				slog.Info("idle instances dropped", slog.Int("count", n))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
