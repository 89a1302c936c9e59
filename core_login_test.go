package trustkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuthenticateWithoutTwoFactorMintsSession(t *testing.T) {
	core, storage, _ := newTestCore(t, nil)
	user := createTestUser(t, core, storage, "alice@example.com", "correct horse battery")

	result, err := core.Authenticate(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if result.TwoFactorRequired || result.PendingTicket != "" {
		t.Fatal("expected no second factor for plain account")
	}
	if result.Session == nil || result.Token == "" {
		t.Fatal("expected session and bearer token")
	}
	if result.Session.UserID != user.ID || !result.Session.IsCurrent {
		t.Fatalf("unexpected session: %+v", result.Session)
	}
	if result.Session.Token != "" {
		t.Fatal("session struct must not carry the raw token")
	}

	validated, err := core.ValidateSession(context.Background(), result.Token)
	if err != nil {
		t.Fatalf("ValidateSession error: %v", err)
	}
	if validated.ID != result.Session.ID {
		t.Fatalf("validated wrong session: %+v", validated)
	}
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	core, storage, _ := newTestCore(t, nil)
	user := createTestUser(t, core, storage, "alice@example.com", "correct horse battery")

	if _, err := storage.CreateUser(context.Background(), "bob@example.com", user.PasswordHash); err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}

	federated, err := storage.CreateUser(context.Background(), "carol@example.com", nil)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	now := time.Now().UTC()
	if err := storage.MarkEmailVerified(context.Background(), federated.ID, now); err != nil {
		t.Fatalf("MarkEmailVerified error: %v", err)
	}

	deleting := createTestUser(t, core, storage, "dave@example.com", "correct horse battery")
	if err := storage.ScheduleDeletion(context.Background(), deleting.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleDeletion error: %v", err)
	}

	cases := map[string][2]string{
		"unknown email":      {"ghost@example.com", "whatever-password"},
		"wrong password":     {"alice@example.com", "not the password"},
		"unverified email":   {"bob@example.com", "correct horse battery"},
		"federated only":     {"carol@example.com", "correct horse battery"},
		"deletion scheduled": {"dave@example.com", "correct horse battery"},
	}
	for name, creds := range cases {
		if _, err := core.Authenticate(context.Background(), creds[0], creds[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	core, storage, _ := newTestCore(t, func(cfg *Config) {
		cfg.RateLimit.Rules[ActionLogin] = RateRule{MaxAttempts: 2, Window: time.Minute}
	})
	createTestUser(t, core, storage, "alice@example.com", "correct horse battery")

	for i := 0; i < 2; i++ {
		if _, err := core.Authenticate(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := core.Authenticate(context.Background(), "alice@example.com", "correct horse battery"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after budget, got %v", err)
	}
}

func TestAuthenticateFailsClosedWhenLimiterDown(t *testing.T) {
	core, storage, mr := newTestCore(t, nil)
	createTestUser(t, core, storage, "alice@example.com", "correct horse battery")
	mr.Close()

	if _, err := core.Authenticate(context.Background(), "alice@example.com", "correct horse battery"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited with limiter down, got %v", err)
	}
}

func TestAuthenticateRejectsEmptyInput(t *testing.T) {
	core, _, _ := newTestCore(t, nil)

	if _, err := core.Authenticate(context.Background(), "", "pass"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := core.Authenticate(context.Background(), "a@example.com", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAuthenticateWithTwoFactorReturnsTicket(t *testing.T) {
	core, storage, _ := newTestCore(t, nil)
	user := createTestUser(t, core, storage, "alice@example.com", "correct horse battery")
	enableTestTwoFactor(t, core, user.ID)

	result, err := core.Authenticate(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if !result.TwoFactorRequired || result.PendingTicket == "" {
		t.Fatal("expected pending ticket for 2FA account")
	}
	if result.Session != nil || result.Token != "" {
		t.Fatal("expected no session before the second factor")
	}
}

func TestAuthenticateRehashesWeakHash(t *testing.T) {
	core, storage, _ := newTestCore(t, nil)

	weakHasher := core.hasher
	hash, err := weakHasher.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	// Store a hash produced under weaker parameters than the running config.
	strong, _, _ := newTestCore(t, func(cfg *Config) {
		cfg.Password.Memory = 16 * 1024
	})

	user, err := storage.CreateUser(context.Background(), "alice@example.com", &hash)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	now := time.Now().UTC()
	if err := storage.MarkEmailVerified(context.Background(), user.ID, now); err != nil {
		t.Fatalf("MarkEmailVerified error: %v", err)
	}

	strong.storage = storage
	if _, err := strong.Authenticate(context.Background(), "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	updated, err := storage.UserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("UserByID error: %v", err)
	}
	if *updated.PasswordHash == hash {
		t.Fatal("expected stored hash to be upgraded")
	}
	needs, err := strong.hasher.NeedsRehash(*updated.PasswordHash)
	if err != nil {
		t.Fatalf("NeedsRehash error: %v", err)
	}
	if needs {
		t.Fatal("expected upgraded hash to satisfy current parameters")
	}
}
