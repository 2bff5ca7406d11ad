package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authlink.org/internal/codes"
	"authlink.org/internal/identity"
)

func TestWriteDomainErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{identity.ErrUserExist, http.StatusBadRequest, "user_exist"},
		{fmt.Errorf("wrapped: %w", identity.ErrIncorrectPassword), http.StatusForbidden, "incorrect_password"},
		{identity.ErrInvalidAuthToken, http.StatusUnauthorized, "invalid_auth_token"},
		{&codes.TimeoutError{Remaining: 1500 * time.Millisecond}, http.StatusBadRequest, "code_timeout"},
		{fmt.Errorf("%w: fax", identity.ErrUnknownType), http.StatusBadRequest, errUnknownType},
		{errors.New("db down"), http.StatusInternalServerError, errInternal},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeDomainError(rr, httptest.NewRequest(http.MethodPost, "/v1/identities/init", nil), tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["error"] != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.err, tc.code, body["error"])
		}
	}
}

func TestWriteDomainErrorMergeWarning(t *testing.T) {
	rr := httptest.NewRecorder()
	writeDomainError(rr, httptest.NewRequest(http.MethodPost, "/v1/identities/confirm", nil), &identity.MergeWarning{DonorAccountID: "z"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body struct {
		Error string            `json:"error"`
		Lost  []json.RawMessage `json:"lost"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "merge_warning" || body.Lost == nil {
		t.Fatalf("lost must be an empty list, got %s", rr.Body.String())
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	for d, want := range map[time.Duration]string{
		0:                       "1",
		1500 * time.Millisecond: "2",
		time.Minute:             "60",
	} {
		if got := retryAfter(d); got != want {
			t.Fatalf("retryAfter(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestMergeWarningLostUsesReasonKey(t *testing.T) {
	rr := httptest.NewRecorder()
	warn := &identity.MergeWarning{DonorAccountID: "z", Lost: []identity.LostIdentity{{
		Type:   identity.TypePassword,
		UID:    "z@example.com",
		Reason: identity.ReasonAuthMethodExists,
	}}}
	writeDomainError(rr, httptest.NewRequest(http.MethodPost, "/v1/identities/confirm", nil), warn)

	var body struct {
		Lost []map[string]any `json:"lost"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Lost) != 1 {
		t.Fatalf("expected one lost entry, got %s", rr.Body.String())
	}
	if body.Lost[0]["reason"] != "auth method already exists" {
		t.Fatalf("lost entry must carry reason, got %v", body.Lost[0])
	}
	if _, ok := body.Lost[0]["error"]; ok {
		t.Fatalf("lost entry must not carry an error key, got %v", body.Lost[0])
	}
}
