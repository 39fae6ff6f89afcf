package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"duewatch/internal/engine"
	"duewatch/internal/jobqueue"
	logx "duewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed persistence layer. One Store value serves the
// engine's item, recipient and notification interfaces plus the job queue's
// row store.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the database at cfg.Path and applies the
// embedded schema.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- work items ---

const itemColumns = `id, kind, title, project_id, recipient_id, created_at, due_at,
	percent_complete, estimated_effort_hours, status, subtask_count, is_subtask,
	last_progress_update_at, priority_score`

// PutItem inserts or fully replaces the item row.
func (s *Store) PutItem(ctx context.Context, it engine.WorkItem) error {
	if strings.TrimSpace(it.ID) == "" {
		return errors.New("item id required")
	}
	if it.Kind == "" {
		it.Kind = engine.KindTask
	}
	if it.Status == "" {
		it.Status = engine.StatusPending
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items(`+itemColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, title=excluded.title, project_id=excluded.project_id,
			recipient_id=excluded.recipient_id, created_at=excluded.created_at,
			due_at=excluded.due_at, percent_complete=excluded.percent_complete,
			estimated_effort_hours=excluded.estimated_effort_hours, status=excluded.status,
			subtask_count=excluded.subtask_count, is_subtask=excluded.is_subtask,
			last_progress_update_at=excluded.last_progress_update_at,
			priority_score=excluded.priority_score`,
		it.ID, string(it.Kind), it.Title, nullStr(it.ProjectID), nullStr(it.RecipientID),
		formatTime(it.CreatedAt), nullTime(it.DueAt), it.PercentComplete,
		it.EstimatedEffortHours, string(it.Status), it.SubtaskCount, boolInt(it.IsSubtask),
		nullTimeV(it.LastProgressUpdateAt), it.PriorityScore,
	)
	return err
}

func (s *Store) GetItem(ctx context.Context, id string) (engine.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.WorkItem{}, fmt.Errorf("item %s: %w", id, engine.ErrNotFound)
	}
	return it, err
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	return err
}

func (s *Store) ActiveItemsForRecipient(ctx context.Context, recipientID string) ([]engine.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE recipient_id = ? AND status != 'completed' AND due_at IS NOT NULL
		ORDER BY due_at`, recipientID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *Store) ActiveItemsDueWithin(ctx context.Context, days int) ([]engine.WorkItem, error) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE kind = 'project' AND status != 'completed'
		  AND due_at IS NOT NULL AND due_at > ? AND due_at <= ?
		ORDER BY due_at`,
		formatTime(now), formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// ApplyProgress clamps percent, stamps the update time and applies the
// status transitions inside one transaction: reaching 100 completes the
// item, the first nonzero progress starts a pending one.
func (s *Store) ApplyProgress(ctx context.Context, id string, percent int) (engine.WorkItem, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.WorkItem{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.WorkItem{}, fmt.Errorf("item %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return engine.WorkItem{}, err
	}

	it.PercentComplete = percent
	it.LastProgressUpdateAt = time.Now().UTC()
	switch {
	case percent >= 100:
		it.Status = engine.StatusCompleted
	case percent > 0 && it.Status == engine.StatusPending:
		it.Status = engine.StatusInProgress
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE work_items
		SET percent_complete = ?, status = ?, last_progress_update_at = ?
		WHERE id = ?`,
		it.PercentComplete, string(it.Status), formatTime(it.LastProgressUpdateAt), id)
	if err != nil {
		return engine.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return engine.WorkItem{}, err
	}
	return it, nil
}

func (s *Store) SavePriorityScore(ctx context.Context, id string, score float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE work_items SET priority_score = ? WHERE id = ?`, score, id)
	return err
}

// SetDeadline replaces the item's deadline; a nil due clears it.
func (s *Store) SetDeadline(ctx context.Context, id string, due *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE work_items SET due_at = ? WHERE id = ?`, nullTime(due), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, engine.ErrNotFound)
	}
	return nil
}

// --- recipients ---

func (s *Store) PutRecipient(ctx context.Context, r engine.Recipient) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("recipient id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients(id, name, email, email_enabled, in_app_enabled, reminder_lead_hours, active)
		VALUES(?,?,?,?,?,?,1)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, email=excluded.email,
			email_enabled=excluded.email_enabled, in_app_enabled=excluded.in_app_enabled,
			reminder_lead_hours=excluded.reminder_lead_hours`,
		r.ID, r.Name, r.Email, boolInt(r.EmailEnabled), boolInt(r.InAppEnabled), r.ReminderLeadHours)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (engine.Recipient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, email_enabled, in_app_enabled, reminder_lead_hours
		FROM recipients WHERE id = ?`, id)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Recipient{}, fmt.Errorf("recipient %s: %w", id, engine.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListActive(ctx context.Context) ([]engine.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, email_enabled, in_app_enabled, reminder_lead_hours
		FROM recipients WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectRecipients(rows)
}

func (s *Store) MembersOfProject(ctx context.Context, projectID string) ([]engine.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.email, r.email_enabled, r.in_app_enabled, r.reminder_lead_hours
		FROM recipients r
		JOIN project_members pm ON pm.recipient_id = r.id
		WHERE pm.project_id = ? AND r.active = 1
		ORDER BY r.id`, projectID)
	if err != nil {
		return nil, err
	}
	return collectRecipients(rows)
}

func (s *Store) AddProjectMember(ctx context.Context, projectID, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members(project_id, recipient_id) VALUES(?,?)
		ON CONFLICT(project_id, recipient_id) DO NOTHING`,
		projectID, recipientID)
	return err
}

func (s *Store) RemoveProjectMember(ctx context.Context, projectID, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id = ? AND recipient_id = ?`,
		projectID, recipientID)
	return err
}

// --- notifications ---

func (s *Store) Create(ctx context.Context, rec engine.NotificationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications(id, recipient_id, work_item_id, message, created_at)
		VALUES(?,?,?,?,?)`,
		rec.ID, rec.RecipientID, nullStr(rec.WorkItemID), rec.Message, formatTime(rec.CreatedAt))
	return err
}

// RecentMatching reports whether the recipient already has a notification
// containing signature at or after since. instr avoids LIKE wildcard
// surprises in titles.
func (s *Store) RecentMatching(ctx context.Context, recipientID, signature string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM notifications
		WHERE recipient_id = ? AND created_at >= ? AND instr(message, ?) > 0
		LIMIT 1`,
		recipientID, formatTime(since.UTC()), signature).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListNotifications returns the recipient's newest notifications.
func (s *Store) ListNotifications(ctx context.Context, recipientID string, limit int) ([]engine.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, work_item_id, message, created_at
		FROM notifications WHERE recipient_id = ?
		ORDER BY created_at DESC LIMIT ?`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.NotificationRecord
	for rows.Next() {
		var rec engine.NotificationRecord
		var itemID sql.NullString
		var created string
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &itemID, &rec.Message, &created); err != nil {
			return nil, err
		}
		rec.WorkItemID = itemID.String
		rec.CreatedAt, _ = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneNotifications deletes records older than before. The dedup window
// only ever looks back a bounded interval, so old rows are dead weight.
func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, formatTime(before.UTC()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- queue jobs ---

func (s *Store) UpsertJob(ctx context.Context, job jobqueue.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs(key, fire_at, payload, created_at)
		VALUES(?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			fire_at=excluded.fire_at, payload=excluded.payload, created_at=excluded.created_at`,
		job.Key, job.FireAt.UTC().UnixMilli(), job.Payload, job.CreatedAt.UnixMilli())
	return err
}

func (s *Store) DeleteJob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE key = ?`, key)
	return err
}

func (s *Store) PendingJobs(ctx context.Context) ([]jobqueue.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, fire_at, payload, created_at FROM queue_jobs ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobqueue.Job
	for rows.Next() {
		var j jobqueue.Job
		var fireMS, createdMS int64
		if err := rows.Scan(&j.Key, &fireMS, &j.Payload, &createdMS); err != nil {
			return nil, err
		}
		j.FireAt = time.UnixMilli(fireMS).UTC()
		j.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (engine.WorkItem, error) {
	var it engine.WorkItem
	var kind, status, created string
	var projectID, recipientID, dueAt, lastProgress sql.NullString
	var isSubtask int
	err := row.Scan(&it.ID, &kind, &it.Title, &projectID, &recipientID, &created, &dueAt,
		&it.PercentComplete, &it.EstimatedEffortHours, &status, &it.SubtaskCount,
		&isSubtask, &lastProgress, &it.PriorityScore)
	if err != nil {
		return engine.WorkItem{}, err
	}
	it.Kind = engine.ItemKind(kind)
	it.Status = engine.Status(status)
	it.ProjectID = projectID.String
	it.RecipientID = recipientID.String
	it.IsSubtask = isSubtask != 0
	it.CreatedAt, _ = parseTime(created)
	if dueAt.Valid {
		if t, err := parseTime(dueAt.String); err == nil {
			it.DueAt = &t
		}
	}
	if lastProgress.Valid {
		it.LastProgressUpdateAt, _ = parseTime(lastProgress.String)
	}
	return it, nil
}

func collectItems(rows *sql.Rows) ([]engine.WorkItem, error) {
	defer rows.Close()
	var out []engine.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanRecipient(row rowScanner) (engine.Recipient, error) {
	var r engine.Recipient
	var emailEnabled, inAppEnabled int
	err := row.Scan(&r.ID, &r.Name, &r.Email, &emailEnabled, &inAppEnabled, &r.ReminderLeadHours)
	if err != nil {
		return engine.Recipient{}, err
	}
	r.EmailEnabled = emailEnabled != 0
	r.InAppEnabled = inAppEnabled != 0
	return r, nil
}

func collectRecipients(rows *sql.Rows) ([]engine.Recipient, error) {
	defer rows.Close()
	var out []engine.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// formatTime renders a fixed-width UTC timestamp. Fixed width keeps string
// comparison in SQL consistent with time order.
func formatTime(t time.Time) string { return t.UTC().Truncate(time.Second).Format(time.RFC3339) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullTimeV(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
