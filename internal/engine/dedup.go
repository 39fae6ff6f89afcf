package engine

import (
	"context"
	"time"
)

// DefaultDedupWindow is the cooldown inside which a repeat notification
// for the same signature is suppressed.
const DefaultDedupWindow = 24 * time.Hour

// Deduplicator gates notification creation on a time-windowed query over
// persisted notification records. There is no separate state store: the
// quiet/notified lifecycle of an item is fully re-derivable from record
// timestamps.
//
// Matching is by text signature, not a strict key. Two distinct items that
// render the same signature will collide; that looseness is accepted, but
// the exact-signature guarantee holds: no duplicate record for the same
// signature is created inside the window.
type Deduplicator struct {
	store  NotificationStore
	clock  Clock
	window time.Duration
}

func NewDeduplicator(store NotificationStore, clock Clock, window time.Duration) *Deduplicator {
	if clock == nil {
		clock = NewClock()
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduplicator{store: store, clock: clock, window: window}
}

// Window reports the active cooldown.
func (d *Deduplicator) Window() time.Duration { return d.window }

// ShouldNotify reports whether the recipient may be notified about the
// given signature now. A store failure is returned as transient so the
// caller retries rather than risking a duplicate.
func (d *Deduplicator) ShouldNotify(ctx context.Context, recipientID, signature string) (bool, error) {
	if signature == "" {
		return true, nil
	}
	since := d.clock.Now().Add(-d.window)
	exists, err := d.store.RecentMatching(ctx, recipientID, signature, since)
	if err != nil {
		return false, Transient(err)
	}
	return !exists, nil
}
