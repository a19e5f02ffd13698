package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"docqa/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindBusy:
		return http.StatusConflict
	case apperr.KindNotReady:
		return http.StatusServiceUnavailable
	case apperr.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindEmbedding, apperr.KindGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds is sent with not-ready and timeout responses.
const retryAfterSeconds = 5

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	logger := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", string(kind)).Int("status", status).Msg("Request failed")
	} else {
		logger.Warn().Err(err).Str("kind", string(kind)).Int("status", status).Msg("Request rejected")
	}

	if kind == apperr.KindUpstreamTimeout || kind == apperr.KindNotReady {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	message := apperr.MessageOf(err)
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{
		Error:   string(kind),
		Message: message,
		Details: apperr.DetailsOf(err),
	})
}
