// Package api holds the JSON envelope every HTTP response is wrapped in and
// the helpers handlers use to write it.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/itamittech/documentsearch/pkg/errors"
)

// Response is the envelope around every payload.
type Response struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
	Path    string `json:"path,omitempty"`
}

// WriteJSON writes a successful envelope with data.
func WriteJSON(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Response{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError maps err to a status and a client-safe envelope. Internal
// details never reach the client; callers log them before calling this.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	body := &ErrorBody{Code: apperrors.Code(err)}
	if r != nil {
		body.Path = r.URL.Path
	}
	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		body.Details = verr.Fields
	}
	write(w, apperrors.HTTPStatusCode(err), Response{
		Success:   false,
		Message:   apperrors.PublicMessage(err),
		Error:     body,
		Timestamp: time.Now().UTC(),
	})
}

func write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
