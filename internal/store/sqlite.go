package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"telecast/internal/domain"
	logx "telecast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
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

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func (s *sqliteStore) CreateTask(ctx context.Context, t *domain.Task) error {
	return s.SaveTask(ctx, t)
}

func (s *sqliteStore) SaveTask(ctx context.Context, t *domain.Task) error {
	content, err := json.Marshal(t.Content)
	if err != nil {
		return err
	}
	folderIDs, _ := json.Marshal(t.FolderIDs)
	results, _ := json.Marshal(t.Results)
	receipts, err := json.Marshal(t.SentMessages)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(task_id, user_id, name, type, content, folder_ids, recipient_count,
		                   scheduled_at, expiry_hours, status, results, sent_messages, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   status=excluded.status, results=excluded.results,
			   recipient_count=excluded.recipient_count,
		   sent_messages=excluded.sent_messages, completed_at=excluded.completed_at`,
		t.TaskID, t.UserID, t.Name, string(t.Type), string(content), string(folderIDs), t.RecipientCount,
		fmtTimePtr(t.ScheduledAt), t.ExpiryHours, string(t.Status), string(results), string(receipts),
		t.CreatedAt.Format(time.RFC3339Nano), fmtTimePtr(t.CompletedAt),
	)
	return err
}

const taskColumns = `task_id, user_id, name, type, content, folder_ids, recipient_count,
	scheduled_at, expiry_hours, status, results, sent_messages, created_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var (
		t                                 domain.Task
		typ, status                       string
		content, folderIDs, results, rcps string
		scheduledAt, completedAt          sql.NullString
		createdAt                         string
	)
	err := row.Scan(&t.TaskID, &t.UserID, &t.Name, &typ, &content, &folderIDs, &t.RecipientCount,
		&scheduledAt, &t.ExpiryHours, &status, &results, &rcps, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Type = domain.TaskType(typ)
	t.Status = domain.TaskStatus(status)
	if err := json.Unmarshal([]byte(content), &t.Content); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(folderIDs), &t.FolderIDs)
	_ = json.Unmarshal([]byte(results), &t.Results)
	if err := json.Unmarshal([]byte(rcps), &t.SentMessages); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if t.ScheduledAt, err = timePtr(scheduledAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = timePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) TaskByID(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

func (s *sqliteStore) UpdateReceiptMetrics(ctx context.Context, taskID, recipientID string, messageID int, m domain.Metrics) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT sent_messages FROM tasks WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	var receipts []domain.DeliveryReceipt
	if err := json.Unmarshal([]byte(raw), &receipts); err != nil {
		return false, err
	}
	found := false
	for i := range receipts {
		if receipts[i].RecipientID == recipientID && receipts[i].MessageID == messageID {
			receipts[i].Metrics = m
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	b, err := json.Marshal(receipts)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sent_messages = ? WHERE task_id = ?`, string(b), taskID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) ListTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ExpiryCandidates(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	// Coarse SQL filter; the exact completedAt+expiryHours comparison happens
	// in Go so both drivers share one definition of "expired".
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('completed','partially_completed')
		   AND expiry_hours > 0 AND completed_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if expired(t, now) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveFolder(ctx context.Context, f *domain.Folder) error {
	ids, err := json.Marshal(f.EntityIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO folders(id, user_id, name, description, entity_ids, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   entity_ids=excluded.entity_ids, updated_at=excluded.updated_at`,
		f.ID, f.UserID, f.Name, f.Description, string(ids),
		f.CreatedAt.Format(time.RFC3339Nano), f.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func scanFolder(row interface{ Scan(...any) error }) (domain.Folder, error) {
	var (
		f                    domain.Folder
		ids                  string
		createdAt, updatedAt string
	)
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.Description, &ids, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(ids), &f.EntityIDs); err != nil {
		return f, err
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return f, nil
}

func (s *sqliteStore) FoldersByIDs(ctx context.Context, userID string, ids []string) ([]domain.Folder, error) {
	out := make([]domain.Folder, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, name, description, entity_ids, created_at, updated_at
			 FROM folders WHERE id = ?`, id)
		f, err := scanFolder(row)
		if err != nil {
			return nil, err
		}
		if userID != "" && f.UserID != userID {
			return nil, ErrNotFound
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *sqliteStore) ListFolders(ctx context.Context, userID string) ([]domain.Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, entity_ids, created_at, updated_at
		 FROM folders WHERE (? = '' OR user_id = ?) ORDER BY name`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertEntities(ctx context.Context, es []domain.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range es {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entities(user_id, external_id, display_name, username, kind, synced_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(user_id, external_id) DO UPDATE SET
			   display_name=excluded.display_name, username=excluded.username,
			   kind=excluded.kind, synced_at=excluded.synced_at`,
			e.UserID, e.ExternalID, e.DisplayName, nullStr(e.Username), string(e.Kind),
			e.SyncedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) EntitiesByIDs(ctx context.Context, userID string, ids []string) (map[string]domain.Entity, error) {
	out := make(map[string]domain.Entity, len(ids))
	for _, id := range ids {
		var (
			e        domain.Entity
			username sql.NullString
			syncedAt string
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT user_id, external_id, display_name, username, kind, synced_at
			 FROM entities WHERE user_id = ? AND external_id = ?`, userID, id).
			Scan(&e.UserID, &e.ExternalID, &e.DisplayName, &username, (*string)(&e.Kind), &syncedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.Username = username.String
		e.SyncedAt, _ = time.Parse(time.RFC3339Nano, syncedAt)
		out[id] = e
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
