package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

// Dispatcher turns fired reminder payloads into notifications. It re-reads
// the entity at fire time so reminders scheduled days ago never act on a
// stale snapshot: completed or deleted items drop the reminder silently,
// and project reminders re-verify membership before notifying.
type Dispatcher struct {
	items      WorkItemRepository
	recipients RecipientStore
	notes      NotificationStore
	dedup      *Deduplicator
	gateway    NotifierGateway
	clock      Clock
	log        logx.Logger
	bus        eventbus.Bus
}

func NewDispatcher(
	items WorkItemRepository,
	recipients RecipientStore,
	notes NotificationStore,
	dedup *Deduplicator,
	gateway NotifierGateway,
	clock Clock,
	log logx.Logger,
	bus eventbus.Bus,
) *Dispatcher {
	if clock == nil {
		clock = NewClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		items:      items,
		recipients: recipients,
		notes:      notes,
		dedup:      dedup,
		gateway:    gateway,
		clock:      clock,
		log:        log,
		bus:        bus,
	}
}

// HandleRaw decodes and dispatches a fired job payload. Malformed payloads
// are dropped with an error so the queue does not retry them forever.
func (d *Dispatcher) HandleRaw(ctx context.Context, payload []byte) error {
	var p ReminderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode reminder payload: %w", err)
	}
	return d.Dispatch(ctx, p)
}

// Dispatch routes a reminder payload to the item or project path.
func (d *Dispatcher) Dispatch(ctx context.Context, p ReminderPayload) error {
	d.publish(eventbus.TypeReminderFired, map[string]any{
		"kind":       string(p.Kind),
		"item_id":    p.ItemID,
		"project_id": p.ProjectID,
	})
	if p.ProjectID != "" {
		return d.dispatchProject(ctx, p)
	}
	return d.dispatchItem(ctx, p)
}

func (d *Dispatcher) dispatchItem(ctx context.Context, p ReminderPayload) error {
	item, err := d.items.GetItem(ctx, p.ItemID)
	if errors.Is(err, ErrNotFound) {
		d.log.Debug("reminder for deleted item dropped", logx.String("item_id", p.ItemID))
		return nil
	}
	if err != nil {
		return Transient(fmt.Errorf("load item %s: %w", p.ItemID, err))
	}
	if item.Status == StatusCompleted {
		d.log.Debug("reminder for completed item dropped", logx.String("item_id", item.ID))
		return nil
	}
	due, ok := item.Due()
	if !ok {
		// Deadline was cleared after scheduling.
		return nil
	}

	rcpt, err := d.recipients.Get(ctx, item.RecipientID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return Transient(fmt.Errorf("load recipient %s: %w", item.RecipientID, err))
	}

	msg := itemReminderMessage(item.Title, due, d.clock.Now())
	subject := fmt.Sprintf("Deadline Reminder - %s", item.Title)
	return d.notify(ctx, rcpt, item.ID, msg, msg, subject, TierMedium)
}

func (d *Dispatcher) dispatchProject(ctx context.Context, p ReminderPayload) error {
	project, err := d.items.GetItem(ctx, p.ProjectID)
	if errors.Is(err, ErrNotFound) {
		d.log.Debug("reminder for deleted project dropped", logx.String("project_id", p.ProjectID))
		return nil
	}
	if err != nil {
		return Transient(fmt.Errorf("load project %s: %w", p.ProjectID, err))
	}
	if project.Status == StatusCompleted {
		return nil
	}
	due, ok := project.Due()
	if !ok {
		return nil
	}

	member, err := d.projectMember(ctx, p.ProjectID, p.RecipientID)
	if err != nil {
		return err
	}
	if member == nil {
		d.log.Debug("reminder for departed member dropped",
			logx.String("project_id", p.ProjectID),
			logx.String("recipient_id", p.RecipientID))
		return nil
	}

	msg, urgency := projectReminderMessage(p.Kind, project.Title, due, d.clock.Now())
	subject := projectEmailSubject(urgency, project.Title)
	return d.notify(ctx, *member, project.ID, msg, msg, subject, tierForUrgency(urgency))
}

// projectMember returns the member if the recipient still belongs to the
// project, nil otherwise.
func (d *Dispatcher) projectMember(ctx context.Context, projectID, recipientID string) (*Recipient, error) {
	members, err := d.recipients.MembersOfProject(ctx, projectID)
	if err != nil {
		return nil, Transient(fmt.Errorf("load members of %s: %w", projectID, err))
	}
	for i := range members {
		if members[i].ID == recipientID {
			return &members[i], nil
		}
	}
	return nil, nil
}

// notify runs the dedup gate, records the notification and requests email
// delivery when the recipient opted in. The signature for
// fired reminders is the full message text, so only exact repeats inside
// the window are suppressed and distinct reminder rungs all get through.
func (d *Dispatcher) notify(ctx context.Context, rcpt Recipient, itemID, signature, msg, subject string, severity RiskTier) error {
	ok, err := d.dedup.ShouldNotify(ctx, rcpt.ID, signature)
	if err != nil {
		return err
	}
	if !ok {
		d.publish(eventbus.TypeNotifyDeduped, map[string]any{"recipient_id": rcpt.ID})
		d.log.Debug("notification deduplicated",
			logx.String("recipient_id", rcpt.ID),
			logx.String("item_id", itemID))
		return nil
	}

	// Written for every recipient, not just in-app ones: the record is the
	// dedup gate's memory, so an email-only recipient still needs it to
	// avoid exact redeliveries inside the window.
	rec := NotificationRecord{
		ID:          uuid.NewString(),
		RecipientID: rcpt.ID,
		WorkItemID:  itemID,
		Message:     msg,
		CreatedAt:   d.clock.Now(),
	}
	if err := d.notes.Create(ctx, rec); err != nil {
		return Transient(fmt.Errorf("create notification: %w", err))
	}

	if rcpt.EmailEnabled && rcpt.Email != "" && d.gateway != nil {
		if err := d.gateway.DeliverEmail(ctx, rcpt, subject, msg, severity); err != nil {
			// The in-app record exists; a failed email enqueue is logged
			// and not retried to avoid a duplicate record on redelivery.
			d.log.Warn("email delivery request failed",
				logx.String("recipient_id", rcpt.ID),
				logx.Err(err))
		}
	}

	d.publish(eventbus.TypeNotifySent, map[string]any{
		"recipient_id": rcpt.ID,
		"item_id":      itemID,
	})
	return nil
}

func (d *Dispatcher) publish(typ string, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
