// Package httpserver is the broker's HTTP facade: request parsing, identity,
// and the error envelope. Business decisions live in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zakuro-ai/mesh/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrInsufficientCredits):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_CREDITS"
	case errors.Is(err, domain.ErrNoWorkersAvailable):
		code = http.StatusServiceUnavailable
		codeStr = "NO_WORKERS_AVAILABLE"
	case errors.Is(err, domain.ErrWorkerUnreachable):
		code = http.StatusBadGateway
		codeStr = "WORKER_UNREACHABLE"
	case errors.Is(err, domain.ErrAffinityLost):
		code = http.StatusGone
		codeStr = "AFFINITY_LOST"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
