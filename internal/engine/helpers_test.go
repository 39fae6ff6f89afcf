package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// fakeClock is a manually advanced clock for deterministic time math.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at.UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memItems is an in-memory WorkItemRepository.
type memItems struct {
	mu     sync.Mutex
	items  map[string]WorkItem
	clock  Clock
	getErr error
}

func newMemItems(clock Clock, items ...WorkItem) *memItems {
	m := &memItems{items: make(map[string]WorkItem), clock: clock}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

func (m *memItems) GetItem(_ context.Context, id string) (WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return WorkItem{}, m.getErr
	}
	it, ok := m.items[id]
	if !ok {
		return WorkItem{}, ErrNotFound
	}
	return it, nil
}

func (m *memItems) ActiveItemsForRecipient(_ context.Context, recipientID string) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkItem
	for _, it := range m.items {
		if it.RecipientID == recipientID && it.Status != StatusCompleted && it.DueAt != nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memItems) ActiveItemsDueWithin(_ context.Context, days int) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().AddDate(0, 0, days)
	var out []WorkItem
	for _, it := range m.items {
		if it.Kind != KindProject || it.Status == StatusCompleted || it.DueAt == nil {
			continue
		}
		if due := it.DueAt.UTC(); !due.After(cutoff) && due.After(m.clock.Now()) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memItems) ApplyProgress(_ context.Context, id string, percent int) (WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return WorkItem{}, ErrNotFound
	}
	it.PercentComplete = clampPercent(percent)
	it.LastProgressUpdateAt = m.clock.Now()
	if it.PercentComplete >= 100 {
		it.Status = StatusCompleted
	} else if it.PercentComplete > 0 && it.Status == StatusPending {
		it.Status = StatusInProgress
	}
	m.items[id] = it
	return it, nil
}

func (m *memItems) SavePriorityScore(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.PriorityScore = score
	m.items[id] = it
	return nil
}

// memRecipients is an in-memory RecipientStore.
type memRecipients struct {
	mu         sync.Mutex
	recipients map[string]Recipient
	members    map[string][]string // projectID -> recipient IDs
}

func newMemRecipients(rs ...Recipient) *memRecipients {
	m := &memRecipients{recipients: make(map[string]Recipient), members: make(map[string][]string)}
	for _, r := range rs {
		m.recipients[r.ID] = r
	}
	return m
}

func (m *memRecipients) Get(_ context.Context, id string) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return Recipient{}, ErrNotFound
	}
	return r, nil
}

func (m *memRecipients) ListActive(_ context.Context) ([]Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recipient, 0, len(m.recipients))
	for _, r := range m.recipients {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRecipients) MembersOfProject(_ context.Context, projectID string) ([]Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Recipient
	for _, id := range m.members[projectID] {
		if r, ok := m.recipients[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRecipients) addMember(projectID, recipientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[projectID] = append(m.members[projectID], recipientID)
}

// memNotes is an in-memory NotificationStore with error injection.
type memNotes struct {
	mu       sync.Mutex
	records  []NotificationRecord
	queryErr error
}

func (m *memNotes) RecentMatching(_ context.Context, recipientID, signature string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return false, m.queryErr
	}
	for _, rec := range m.records {
		if rec.RecipientID == recipientID && strings.Contains(rec.Message, signature) && !rec.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memNotes) Create(_ context.Context, rec NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memNotes) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type queuedJob struct {
	fireAt  time.Time
	payload []byte
}

// memQueue is an in-memory JobQueue honoring the upsert/no-op contract.
type memQueue struct {
	mu        sync.Mutex
	jobs      map[string]queuedJob
	submitErr error
}

func newMemQueue() *memQueue { return &memQueue{jobs: make(map[string]queuedJob)} }

func (q *memQueue) Submit(_ context.Context, key string, fireAt time.Time, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitErr != nil {
		return q.submitErr
	}
	q.jobs[key] = queuedJob{fireAt: fireAt, payload: payload}
	return nil
}

func (q *memQueue) Revoke(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, key)
	return nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *memQueue) has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[key]
	return ok
}

func (q *memQueue) keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.jobs))
	for k := range q.jobs {
		out = append(out, k)
	}
	return out
}

type sentEmail struct {
	to       Recipient
	subject  string
	body     string
	severity RiskTier
}

// memGateway records email delivery requests.
type memGateway struct {
	mu      sync.Mutex
	sent    []sentEmail
	sendErr error
}

func (g *memGateway) DeliverEmail(_ context.Context, to Recipient, subject, body string, severity RiskTier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, sentEmail{to: to, subject: subject, body: body, severity: severity})
	return nil
}

func (g *memGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func timePtr(t time.Time) *time.Time { return &t }
