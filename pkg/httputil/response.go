// Package httputil carries the response envelope of the service: every
// reply names one of the five statuses, so callers can distinguish a
// denied decision (an OK response with allowed=false) from a denied call.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Status is the call-level outcome taxonomy.
type Status string

const (
	StatusOK            Status = "OK"
	StatusAccessDenied  Status = "AccessDenied"
	StatusInvalidInput  Status = "InvalidInput"
	StatusNotFound      Status = "NotFound"
	StatusConflict      Status = "Conflict"
	StatusTimeout       Status = "Timeout"
	StatusInternalError Status = "InternalError"
)

// HTTPCode maps a status to its HTTP status code.
func (s Status) HTTPCode() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusAccessDenied:
		return http.StatusForbidden
	case StatusInvalidInput:
		return http.StatusBadRequest
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Response is the error-side envelope. Success payloads carry their own
// status field.
type Response struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given HTTP status code.
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

// WriteStatus writes a bare status envelope with its mapped HTTP code.
func WriteStatus(w http.ResponseWriter, s Status, message string) {
	WriteJSON(w, s.HTTPCode(), Response{Status: s, Message: message})
}

// WriteOK writes the payload with HTTP 200.
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}
