package httpapi

import (
	"net/http"

	"authlink.org/internal/auth"
	"authlink.org/internal/claims"
	"authlink.org/internal/identity"
	"authlink.org/internal/session"
)

type loginRequest struct {
	Type     string `json:"type"`
	UID      string `json:"uid"`
	Password string `json:"password"`
}

type identityRequest struct {
	Type         string `json:"type"`
	UID          string `json:"uid"`
	Password     string `json:"password,omitempty"`
	Token        string `json:"token,omitempty"`
	Code         string `json:"code,omitempty"`
	ConfirmMerge bool   `json:"confirm_merge,omitempty"`
}

type initResponse struct {
	Type                string `json:"type"`
	UID                 string `json:"uid"`
	Action              string `json:"action"`
	ConfirmCodeRequired bool   `json:"confirm_code_required"`
}

type confirmResponse struct {
	AccountID  string                                 `json:"account_id"`
	Action     string                                 `json:"action"`
	Identities map[identity.Type]session.IdentityView `json:"identities"`
	Lost       []identity.LostIdentity                `json:"lost"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, err := a.sessions.Bootstrap(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	sess, err := a.sessions.Login(r.Context(), identity.Type(req.Type), req.UID, req.Password)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	accountID, _ := auth.AccountIDFromContext(r.Context())
	prof, err := a.sessions.Profile(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (a *API) handleInit(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readIdentityRequest(w, r)
	if !ok {
		return
	}
	res, err := a.claims.Init(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, initResponse{
		Type:                string(res.Key.Type),
		UID:                 res.Key.UID,
		Action:              string(res.Action),
		ConfirmCodeRequired: res.ConfirmCodeRequired,
	})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := a.readIdentityRequest(w, r)
	if !ok {
		return
	}
	res, err := a.claims.Confirm(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	prof, err := a.sessions.Profile(r.Context(), res.AccountID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := confirmResponse{
		AccountID:  res.AccountID,
		Action:     string(res.Action),
		Identities: prof.Identities,
		Lost:       []identity.LostIdentity{},
	}
	if res.Outcome != nil && len(res.Outcome.Lost) > 0 {
		out.Lost = res.Outcome.Lost
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) readIdentityRequest(w http.ResponseWriter, r *http.Request) (claims.Request, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return claims.Request{}, false
	}
	var body identityRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, err.Error())
		return claims.Request{}, false
	}
	accountID, _ := auth.AccountIDFromContext(r.Context())
	return claims.Request{
		AccountID:     accountID,
		Type:          identity.Type(body.Type),
		UID:           body.UID,
		Secret:        body.Password,
		Code:          body.Code,
		ProviderToken: body.Token,
		ConfirmMerge:  body.ConfirmMerge,
	}, true
}
