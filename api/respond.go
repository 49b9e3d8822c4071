package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/garnizeh/terrace/internal/marketplace"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string            `json:"error"`
	Kind    string            `json:"kind"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("encode response", slog.Any("err", err))
		http.Error(w, `{"error":"encode_error","kind":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func statusFor(kind string) int {
	switch kind {
	case marketplace.KindUnauthenticated:
		return http.StatusUnauthorized
	case marketplace.KindForbidden:
		return http.StatusForbidden
	case marketplace.KindNotFound:
		return http.StatusNotFound
	case marketplace.KindValidation, marketplace.KindInvalidState:
		return http.StatusBadRequest
	case marketplace.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain error to its HTTP status and JSON envelope.
// Internal errors are logged and hidden from the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := marketplace.Kind(err)
	resp := errorResponse{Error: err.Error(), Kind: kind, Details: marketplace.ValidationFields(err)}
	if kind == marketplace.KindValidation {
		resp.Error = "validation failed"
	}
	if kind == marketplace.KindInternal {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		resp.Error = "internal server error"
	}
	writeJSON(w, statusFor(kind), resp)
}

// decodeJSON reads a single JSON object from the body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &marketplace.ValidationError{Fields: map[string]string{"body": "request body is empty"}}
		}
		return &marketplace.ValidationError{Fields: map[string]string{"body": fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return nil
}

// pageParams reads limit and offset. Missing or malformed values fall back to zero.
func pageParams(r *http.Request) (int, int) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return limit, offset
}
