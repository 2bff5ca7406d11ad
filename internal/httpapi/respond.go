package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authlink.org/internal/audit"
	"authlink.org/internal/claims"
	"authlink.org/internal/codes"
	"authlink.org/internal/identity"
	"authlink.org/internal/obs"
	"authlink.org/internal/session"
)

// Error codes that are not identity kinds.
const (
	errInvalidRequest   = "invalid_request"
	errUnknownType      = "unknown_type"
	errUnauthorized     = "unauthorized"
	errNotFound         = "not_found"
	errMethodNotAllowed = "method_not_allowed"
	errRateLimited      = "rate_limited"
	errInternal         = "internal"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
var RequestIDFromContext = audit.RequestIDFromContext

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error":   code,
		"message": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, errMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// statusForKind maps identity error kinds to HTTP statuses.
func statusForKind(kind identity.Kind) int {
	switch kind {
	case identity.KindMergeWarning:
		return http.StatusConflict
	case identity.KindIncorrectPassword:
		return http.StatusForbidden
	case identity.KindInvalidAuthToken:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var warn *identity.MergeWarning
	if errors.As(err, &warn) {
		lost := warn.Lost
		if lost == nil {
			lost = []identity.LostIdentity{}
		}
		payload := map[string]any{
			"error":   string(identity.KindMergeWarning),
			"message": "confirm the merge to continue",
			"lost":    lost,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}

	var timeout *codes.TimeoutError
	if errors.As(err, &timeout) {
		w.Header().Set("Retry-After", retryAfter(timeout.Remaining))
	}
	if kind := identity.KindOf(err); kind != "" {
		writeError(w, r, statusForKind(kind), string(kind), err.Error())
		return
	}

	switch {
	case errors.Is(err, session.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "invalid or expired session")
	case errors.Is(err, claims.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, err.Error())
	case errors.Is(err, identity.ErrUnknownType):
		writeError(w, r, http.StatusBadRequest, errUnknownType, err.Error())
	default:
		obs.Error("request_failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, errInternal, "internal error")
	}
}

func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
