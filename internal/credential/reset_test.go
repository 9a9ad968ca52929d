package credential

import (
	"context"
	"log/slog"
	"testing"
	"time"

	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store/memory"
)

func newResetFixture(t *testing.T) (*ResetService, *Verifier, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	logger := slog.New(slog.DiscardHandler)
	svc := NewResetService(st.Users(), st.ResetTokens(), st.Sessions(), 30*time.Minute, logger)
	return svc, NewVerifier(st.Users(), st.Passwords(), logger), st
}

func TestResetRequestUnknownEmail(t *testing.T) {
	svc, _, _ := newResetFixture(t)

	token, err := svc.Request(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("Request errored for unknown email: %v", err)
	}
	if token != "" {
		t.Error("token issued for unknown email")
	}
}

func TestResetRoundTrip(t *testing.T) {
	svc, verifier, st := newResetFixture(t)
	ctx := context.Background()
	seedUser(t, st, "alice@example.com", "original password", true)

	token, err := svc.Request(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if token == "" {
		t.Fatal("no token issued")
	}

	if err := svc.Redeem(ctx, token, "brand new password"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}

	if _, err := verifier.Authenticate(ctx, "alice@example.com", "brand new password"); err != nil {
		t.Errorf("new password does not authenticate: %v", err)
	}
	if _, err := verifier.Authenticate(ctx, "alice@example.com", "original password"); err == nil {
		t.Error("old password still authenticates")
	}
}

func TestResetTokenSingleUse(t *testing.T) {
	svc, _, st := newResetFixture(t)
	ctx := context.Background()
	seedUser(t, st, "alice@example.com", "original password", true)

	token, err := svc.Request(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if err := svc.Redeem(ctx, token, "first new password"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}

	err = svc.Redeem(ctx, token, "second new password")
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Errorf("second redemption: err = %v, want invalid_grant", err)
	}
}

func TestResetRequestReplacesActiveToken(t *testing.T) {
	svc, _, st := newResetFixture(t)
	ctx := context.Background()
	seedUser(t, st, "alice@example.com", "original password", true)

	first, err := svc.Request(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("first Request failed: %v", err)
	}
	second, err := svc.Request(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("second Request failed: %v", err)
	}

	if err := svc.Redeem(ctx, first, "should not work 123"); err == nil {
		t.Error("superseded token still redeemable")
	}
	if err := svc.Redeem(ctx, second, "latest token works"); err != nil {
		t.Errorf("latest token failed to redeem: %v", err)
	}
}

func TestResetRejectsBogusToken(t *testing.T) {
	svc, _, st := newResetFixture(t)
	seedUser(t, st, "alice@example.com", "original password", true)

	err := svc.Redeem(context.Background(), "not-a-token", "whatever password")
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Errorf("err = %v, want invalid_grant", err)
	}
}
