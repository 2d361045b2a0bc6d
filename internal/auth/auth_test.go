package auth

import (
	"errors"
	"net/http"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	registry := NewRegistry("alpha-key,beta-key", Policy{RequestsPerMinute: 10})

	headers := http.Header{}
	if _, err := registry.Authenticate(headers); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("no header: got %v, want ErrMissingAPIKey", err)
	}

	headers.Set(HeaderAPIKey, "nope")
	if _, err := registry.Authenticate(headers); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key: got %v, want ErrInvalidAPIKey", err)
	}

	headers.Set(HeaderAPIKey, "beta-key")
	ctx, err := registry.Authenticate(headers)
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if ctx.APIKey != "beta-key" {
		t.Errorf("api key = %q", ctx.APIKey)
	}
	if ctx.UserID != "key_beta-key" {
		t.Errorf("user id = %q", ctx.UserID)
	}
	if ctx.Policy.RequestsPerMinute != 10 {
		t.Errorf("policy not attached")
	}
}

func TestUserIDTruncation(t *testing.T) {
	registry := NewRegistry("supersecretlongkey", Policy{})
	headers := http.Header{}
	headers.Set(HeaderAPIKey, "supersecretlongkey")

	ctx, err := registry.Authenticate(headers)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if ctx.UserID != "key_supersec" {
		t.Errorf("user id = %q, want key_supersec", ctx.UserID)
	}
}

func TestEmptyKeyListFallsBackToDevKey(t *testing.T) {
	registry := NewRegistry(" , ,", Policy{})
	headers := http.Header{}
	headers.Set(HeaderAPIKey, "dev-key")

	if _, err := registry.Authenticate(headers); err != nil {
		t.Errorf("dev-key fallback rejected: %v", err)
	}
}
