package codes

import (
	"context"

	"authlink.org/internal/identity"
	"authlink.org/internal/obs"
)

// Sender delivers a plaintext code to the uid of key (email, SMS).
type Sender interface {
	Send(ctx context.Context, key identity.Key, code string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, key identity.Key, code string) error

func (f SenderFunc) Send(ctx context.Context, key identity.Key, code string) error {
	return f(ctx, key, code)
}

// LogSender stands in for a real delivery channel by logging each issuance.
// The code itself is written only when Reveal is set (local development).
type LogSender struct {
	Reveal bool
}

func (s LogSender) Send(_ context.Context, key identity.Key, code string) error {
	fields := map[string]any{
		"type": string(key.Type),
		"uid":  key.UID,
	}
	if !s.Reveal {
		obs.Info("code_sent", fields)
		return nil
	}
	fields["code"] = code
	obs.Info("confirmation_code", fields)
	return nil
}

type discardSender struct{}

func (discardSender) Send(context.Context, identity.Key, string) error { return nil }
