package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShouldNotify(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(testNow)
	notes := &memNotes{}
	d := NewDeduplicator(notes, clock, DefaultDedupWindow)

	ctx := context.Background()
	sig := TitleSignature("Ship release")

	ok, err := d.ShouldNotify(ctx, "r1", sig)
	if err != nil || !ok {
		t.Fatalf("first check = (%v, %v), want (true, nil)", ok, err)
	}

	notes.Create(ctx, NotificationRecord{
		ID:          "n1",
		RecipientID: "r1",
		Message:     riskMessage(TierHigh, "Ship release"),
		CreatedAt:   clock.Now(),
	})

	ok, err = d.ShouldNotify(ctx, "r1", sig)
	if err != nil || ok {
		t.Fatalf("repeat inside window = (%v, %v), want (false, nil)", ok, err)
	}

	// A different recipient is unaffected.
	ok, err = d.ShouldNotify(ctx, "r2", sig)
	if err != nil || !ok {
		t.Fatalf("other recipient = (%v, %v), want (true, nil)", ok, err)
	}

	// Past the window the signature clears.
	clock.Advance(DefaultDedupWindow + time.Minute)
	ok, err = d.ShouldNotify(ctx, "r1", sig)
	if err != nil || !ok {
		t.Fatalf("after window = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestShouldNotifyEmptySignature(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(&memNotes{}, newFakeClock(testNow), 0)
	ok, err := d.ShouldNotify(context.Background(), "r1", "")
	if err != nil || !ok {
		t.Fatalf("empty signature = (%v, %v), want (true, nil)", ok, err)
	}
	if d.Window() != DefaultDedupWindow {
		t.Fatalf("Window() = %v, want default %v", d.Window(), DefaultDedupWindow)
	}
}

func TestShouldNotifyStoreFailureIsTransient(t *testing.T) {
	t.Parallel()

	notes := &memNotes{queryErr: errors.New("db locked")}
	d := NewDeduplicator(notes, newFakeClock(testNow), DefaultDedupWindow)

	ok, err := d.ShouldNotify(context.Background(), "r1", TitleSignature("x"))
	if ok {
		t.Fatal("store failure must not allow the notification")
	}
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
