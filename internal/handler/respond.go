package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

type errorBody struct {
	Code    appErrors.Code `json:"code"`
	Message string         `json:"message"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch appErrors.KindOf(err) {
	case appErrors.KindValidation:
		return http.StatusBadRequest
	case appErrors.KindNotFound:
		return http.StatusNotFound
	case appErrors.KindStateConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WriteError writes the error envelope. Internal errors are logged and
// their message hidden.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	body := errorBody{Code: appErrors.CodeOf(err), Message: err.Error()}
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		body = errorBody{Code: "INTERNAL", Message: "internal server error"}
	}
	WriteJSON(w, status, map[string]errorBody{"error": body})
}

// Decode reads a JSON body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return appErrors.New(appErrors.CodeInvalidRequest, "request body is required")
		}
		return appErrors.New(appErrors.CodeInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
