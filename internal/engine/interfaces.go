package engine

import (
	"context"
	"time"
)

// WorkItemRepository is the engine's narrow view of entity persistence.
// Implementations return fully-materialized snapshots; the engine never
// walks lazy relations.
type WorkItemRepository interface {
	GetItem(ctx context.Context, id string) (WorkItem, error)

	// ActiveItemsForRecipient returns non-completed items owned by the
	// recipient that carry a deadline.
	ActiveItemsForRecipient(ctx context.Context, recipientID string) ([]WorkItem, error)

	// ActiveItemsDueWithin returns non-completed project items whose
	// deadline falls inside the next N days.
	ActiveItemsDueWithin(ctx context.Context, days int) ([]WorkItem, error)

	// ApplyProgress clamps percent to 0-100, stamps the progress time and
	// applies the status transitions (>=100 completes, >0 starts a pending
	// item). It returns the updated snapshot.
	ApplyProgress(ctx context.Context, id string, percent int) (WorkItem, error)

	// SavePriorityScore caches a computed score on the item. Best-effort;
	// the score is always recomputable.
	SavePriorityScore(ctx context.Context, id string, score float64) error
}

// RecipientStore resolves notification targets.
type RecipientStore interface {
	Get(ctx context.Context, id string) (Recipient, error)
	ListActive(ctx context.Context) ([]Recipient, error)
	MembersOfProject(ctx context.Context, projectID string) ([]Recipient, error)
}

// NotificationStore persists notification records and answers the
// Deduplicator's time-windowed queries.
type NotificationStore interface {
	// RecentMatching reports whether a record for the recipient whose
	// message contains signature exists at or after since.
	RecentMatching(ctx context.Context, recipientID, signature string, since time.Time) (bool, error)
	Create(ctx context.Context, rec NotificationRecord) error
}

// JobQueue is the delayed-dispatch primitive the engine schedules against.
// Submit with an existing key replaces the previous job (upsert). Revoke of
// an unknown key is a no-op, not an error.
type JobQueue interface {
	Submit(ctx context.Context, key string, fireAt time.Time, payload []byte) error
	Revoke(ctx context.Context, key string) error
}

// NotifierGateway requests email delivery. Delivery is best-effort and
// asynchronous; the returned error only reports enqueue failures.
type NotifierGateway interface {
	DeliverEmail(ctx context.Context, to Recipient, subject, body string, severity RiskTier) error
}
