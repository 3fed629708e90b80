// Package response provides standardized HTTP response structures and
// utilities for the timeline engine API layer.
package response

import (
	"encoding/json"
	"net/http"
	"time"

	"lerian-timeline-engine/internal/apperrors"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	Timestamp string       `json:"timestamp"`
}

// ErrorDetails contains detailed error information
type ErrorDetails struct {
	Code    apperrors.Kind `json:"code"`
	Message string         `json:"message"`
}

// SuccessResponse represents a standardized success response
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, statusCode int, code apperrors.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error:     ErrorDetails{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// WriteAppError maps an application error to its HTTP status and writes it
func WriteAppError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	WriteError(w, apperrors.HTTPStatus(kind), kind, err.Error())
}

// WriteBadRequest writes a 400 with the BAD_INPUT code
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, apperrors.KindBadInput, message)
}

// WriteSuccess writes a standardized success response
func WriteSuccess(w http.ResponseWriter, data interface{}, message ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := SuccessResponse{
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(message) > 0 {
		resp.Message = message[0]
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		WriteError(w, http.StatusInternalServerError, apperrors.KindInternal, "failed to encode response")
	}
}
