package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mistakeknot/interlock/internal/core"
)

var kindStatus = map[string]int{
	"validation_error": http.StatusBadRequest,
	"unauthorized":     http.StatusForbidden,
	"not_found":        http.StatusNotFound,
	"not_holder":       http.StatusForbidden,
	"conflict":         http.StatusConflict,
	"pool_exhausted":   http.StatusConflict,
	"expired":          http.StatusGone,
	"unknown_agent":    http.StatusNotFound,
	"retry_exhausted":  http.StatusServiceUnavailable,
}

func statusFor(kind string) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.Kind(err)
	code := statusFor(kind)
	body := errorBody{Error: kind, Message: err.Error()}

	var (
		ve *core.ValidationError
		ce *core.ConflictError
		pe *core.PoolExhaustedError
	)
	switch {
	case errors.As(err, &ve):
		body.Field = ve.Field
	case errors.As(err, &ce):
		body.Blocking = toLeases(ce.Blocking)
	case errors.As(err, &pe):
		body.Capacity, body.Active = pe.Capacity, pe.Active
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if kind == "internal" {
			body.Message = "internal error"
		}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.Invalid("body", "%v", err)
	}
	return nil
}
