package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// errorEnvelope is the provider-compatible error body.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// apiError carries everything needed to render an error response:
// HTTP status, provider error type, message, and optional headers
// (rate-limit rejections attach their snapshot).
type apiError struct {
	status  int
	errType string
	message string
	headers [][2]string
}

func (e *apiError) Error() string { return e.message }

func badRequest(message string) *apiError {
	return &apiError{status: http.StatusBadRequest, errType: "invalid_request_error", message: message}
}

func unauthorized(message string) *apiError {
	return &apiError{status: http.StatusUnauthorized, errType: "authentication_error", message: message}
}

func rateLimited(message string, headers [][2]string) *apiError {
	return &apiError{status: http.StatusTooManyRequests, errType: "rate_limit_error", message: message, headers: headers}
}

func backendError(message string) *apiError {
	return &apiError{status: http.StatusBadGateway, errType: "backend_error", message: message}
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeAPIError(w http.ResponseWriter, err *apiError) {
	for _, pair := range err.headers {
		w.Header().Set(pair[0], pair[1])
	}
	writeJSON(w, err.status, errorEnvelope{Error: errorDetail{
		Message: err.message,
		Type:    err.errType,
	}})
}
