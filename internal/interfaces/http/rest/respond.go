package rest

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
)

// HTTPErrorResponse is the body of every failed API call.
type HTTPErrorResponse struct {
	Error     HTTPErrorDetails `json:"error"`
	RequestID string           `json:"request_id,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// HTTPErrorDetails contains the error details
type HTTPErrorDetails struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	ue := apperrors.As(err)
	status := ue.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", ue.Code),
			zap.Error(err),
		)
	}

	resp := HTTPErrorResponse{
		Error: HTTPErrorDetails{
			Type:      string(ue.Type),
			Code:      ue.Code,
			Message:   ue.Message,
			Details:   ue.Details,
			Resource:  ue.Resource,
			Retryable: ue.Retryable,
		},
		RequestID: chimiddleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if ue.RetryAfter > 0 {
		secs := int(math.Ceil(ue.RetryAfter.Seconds()))
		resp.Error.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	respondJSON(w, status, resp)
}

// decodeBody reads a JSON body into v and checks its validate tags.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation(apperrors.CodeMalformedMessage.String(), "invalid request body").
			WithDetails(err.Error()).
			Build()
	}
	if err := events.ValidateStruct(v); err != nil {
		return apperrors.Validation(apperrors.CodeValidationFailed.String(), "invalid request body").
			WithDetails(err.Error()).
			Build()
	}
	return nil
}
