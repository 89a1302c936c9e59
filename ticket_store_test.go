package trustkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTicketStore(t *testing.T) (*ticketStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newTicketStore(client, "tkt"), mr
}

func liveTicket(userID string, ttl time.Duration) *pendingTicket {
	return &pendingTicket{
		UserID:    userID,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
}

func TestTicketSaveGetRoundTrip(t *testing.T) {
	store, _ := newTestTicketStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ticket-1", liveTicket("user-1", 5*time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	record, err := store.Get(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if record.UserID != "user-1" || record.Attempts != 0 {
		t.Fatalf("unexpected record %+v", record)
	}

	if _, err := store.Get(ctx, "no-such-ticket"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid, got %v", err)
	}
}

func TestTicketConsumeSingleWinner(t *testing.T) {
	store, _ := newTestTicketStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ticket-1", liveTicket("user-1", 5*time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	won, err := store.Consume(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if !won {
		t.Fatal("first consume must win")
	}
	won, err = store.Consume(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if won {
		t.Fatal("second consume must lose")
	}
}

func TestTicketRecordFailureBudget(t *testing.T) {
	store, _ := newTestTicketStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ticket-1", liveTicket("user-1", 5*time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	exceeded, err := store.RecordFailure(ctx, "ticket-1", 3)
	if err != nil || exceeded {
		t.Fatalf("attempt 1: exceeded=%v err=%v", exceeded, err)
	}
	record, err := store.Get(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if record.Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", record.Attempts)
	}

	exceeded, err = store.RecordFailure(ctx, "ticket-1", 3)
	if err != nil || exceeded {
		t.Fatalf("attempt 2: exceeded=%v err=%v", exceeded, err)
	}
	exceeded, err = store.RecordFailure(ctx, "ticket-1", 3)
	if err != nil {
		t.Fatalf("attempt 3: %v", err)
	}
	if !exceeded {
		t.Fatal("third failure must burn the budget")
	}

	// Burning the budget destroys the ticket.
	if _, err := store.Get(ctx, "ticket-1"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid after budget, got %v", err)
	}
}

func TestTicketExpiry(t *testing.T) {
	store, _ := newTestTicketStore(t)
	ctx := context.Background()

	// The redis key is still alive but the record itself has lapsed.
	expired := &pendingTicket{UserID: "user-1", ExpiresAt: time.Now().Add(-time.Minute).Unix()}
	if err := store.Save(ctx, "ticket-1", expired, 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if _, err := store.Get(ctx, "ticket-1"); !errors.Is(err, ErrTicketExpired) {
		t.Fatalf("expected ErrTicketExpired, got %v", err)
	}
	// The lapse deleted the key, so further reads see it as gone.
	if _, err := store.Get(ctx, "ticket-1"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid after cleanup, got %v", err)
	}
}

func TestTicketRecordFailureExpired(t *testing.T) {
	store, _ := newTestTicketStore(t)
	ctx := context.Background()

	expired := &pendingTicket{UserID: "user-1", ExpiresAt: time.Now().Add(-time.Minute).Unix()}
	if err := store.Save(ctx, "ticket-1", expired, 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := store.RecordFailure(ctx, "ticket-1", 3); !errors.Is(err, ErrTicketExpired) {
		t.Fatalf("expected ErrTicketExpired, got %v", err)
	}
}

func TestTicketKeyLapsesWithRedisTTL(t *testing.T) {
	store, mr := newTestTicketStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ticket-1", liveTicket("user-1", time.Minute), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "ticket-1"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid after TTL, got %v", err)
	}
}

func TestTicketBackendDown(t *testing.T) {
	store, mr := newTestTicketStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "ticket-1", liveTicket("user-1", time.Minute), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	mr.Close()

	if _, err := store.Get(ctx, "ticket-1"); !errors.Is(err, errTicketBackend) {
		t.Fatalf("expected backend error on Get, got %v", err)
	}
	if _, err := store.Consume(ctx, "ticket-1"); !errors.Is(err, errTicketBackend) {
		t.Fatalf("expected backend error on Consume, got %v", err)
	}
	if err := store.Save(ctx, "ticket-2", liveTicket("user-1", time.Minute), time.Minute); !errors.Is(err, errTicketBackend) {
		t.Fatalf("expected backend error on Save, got %v", err)
	}
}

func TestTicketCodecRejectsGarbage(t *testing.T) {
	if _, err := decodeTicket(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := decodeTicket([]byte{0xFF, 0x00}); err == nil {
		t.Fatal("expected error for unknown version")
	}
	if _, err := decodeTicket([]byte{ticketRecordVersion1, 0x00}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
