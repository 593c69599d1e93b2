package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/market-analytics-engine/internal/dag"
	"github.com/market-analytics-engine/internal/replay"
	"github.com/market-analytics-engine/internal/timeseries"
)

// APIError is an error with an HTTP status and a machine-readable kind.
// It renders as {"error": "<Kind>", "message": "<human readable>"}.
type APIError struct {
	Status  int    `json:"-"`
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

func assetNotFound(asset string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Kind:    "AssetNotFound",
		Message: "Asset '" + asset + "' not found in database",
	}
}

func invalidParameter(msg string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Kind:    "InvalidParameter",
		Message: msg,
	}
}

func invalidDateRange(msg string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Kind:    "InvalidDateRange",
		Message: msg,
	}
}

func computationFailed(msg string) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Kind:    "ComputationFailed",
		Message: msg,
	}
}

func sessionNotFound(id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Kind:    "SessionNotFound",
		Message: "Replay session '" + id + "' not found",
	}
}

func sessionLimitReached() *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Kind:    "SessionLimitReached",
		Message: "Maximum number of concurrent sessions reached",
	}
}

func internalError(msg string) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Kind:    "InternalError",
		Message: msg,
	}
}

// mapError converts core errors onto API errors.
func mapError(err error, asset string) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, timeseries.ErrAssetNotFound):
		return assetNotFound(asset)
	case errors.Is(err, timeseries.ErrInvalidDateRange), errors.Is(err, replay.ErrInvalidDateRange):
		return invalidDateRange("start date must not be after end date")
	case errors.Is(err, replay.ErrNoDataFound):
		return &APIError{
			Status:  http.StatusNotFound,
			Kind:    "NoDataFound",
			Message: "No data found for specified assets/range",
		}
	case errors.Is(err, dag.ErrNodeNotFound):
		return invalidParameter(err.Error())
	default:
		return computationFailed(err.Error())
	}
}

// writeError writes an APIError as a JSON response.
func writeError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(err)
}

// writeJSON writes a payload with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
