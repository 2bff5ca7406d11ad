package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// smoke drives a guest through link, confirm and login against a running
// server started with AUTHLINK_CODE_FIXED.
func main() {
	base := os.Getenv("AUTHLINK_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	code := os.Getenv("AUTHLINK_CODE_FIXED")
	if code == "" {
		log.Fatal("AUTHLINK_CODE_FIXED must match the server's fixed code")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	var guest struct {
		Token     string `json:"token"`
		AccountID string `json:"account_id"`
	}
	if err := c.do(ctx, "/v1/sessions", nil, http.StatusCreated, &guest); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	c.token = guest.Token

	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString())
	password := uuid.NewString()
	req := map[string]any{"type": "password", "uid": email, "password": password}
	if err := c.do(ctx, "/v1/identities/init", req, http.StatusOK, nil); err != nil {
		log.Fatalf("init: %v", err)
	}
	var confirmed struct {
		AccountID string `json:"account_id"`
	}
	if err := c.do(ctx, "/v1/identities/confirm", map[string]any{"type": "password", "uid": email, "code": code}, http.StatusOK, &confirmed); err != nil {
		log.Fatalf("confirm: %v", err)
	}
	if confirmed.AccountID != guest.AccountID {
		log.Fatalf("confirm moved the identity to %s, want %s", confirmed.AccountID, guest.AccountID)
	}

	c.token = ""
	var login struct {
		AccountID string `json:"account_id"`
		IsGuest   bool   `json:"is_guest"`
	}
	if err := c.do(ctx, "/v1/sessions/login", req, http.StatusOK, &login); err != nil {
		log.Fatalf("login: %v", err)
	}
	if login.AccountID != guest.AccountID || login.IsGuest {
		log.Fatalf("unexpected login: %+v", login)
	}

	fmt.Printf("✅ authlink smoke test passed: account=%s uid=%s\n", guest.AccountID, email)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, path string, body any, want int, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: status %d: %s %s", path, resp.StatusCode, e.Error, e.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
