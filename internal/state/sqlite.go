package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		out = append(out, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = m.version
	}
	return tx.Commit()
}

// SQLiteStore persists execution states in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, dragonscale.NewStoreError("open", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dragonscale.NewStoreError("open", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, dragonscale.NewStoreError("migrate", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Create replaces any stored run with the same plan id.
func (s *SQLiteStore) Create(ctx context.Context, st *dragonscale.ExecutionState) error {
	snap := st.Snapshot()
	order, err := json.Marshal(snap.Order)
	if err != nil {
		return dragonscale.NewStoreError("create", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dragonscale.NewStoreError("create", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM action_states WHERE plan_id=?`, snap.PlanID); err != nil {
		return dragonscale.NewStoreError("create", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO plans(plan_id, status, action_order, started_at, finished_at, created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(plan_id) DO UPDATE SET status=excluded.status, action_order=excluded.action_order,
started_at=excluded.started_at, finished_at=excluded.finished_at, created_at=excluded.created_at`,
		snap.PlanID, string(snap.Status), string(order), formatTime(snap.StartedAt), formatTime(snap.FinishedAt),
		formatTime(time.Now()))
	if err != nil {
		return dragonscale.NewStoreError("create", err)
	}
	for _, id := range snap.Order {
		if err := upsertAction(ctx, tx, snap.PlanID, *snap.Actions[id]); err != nil {
			return dragonscale.NewStoreError("create", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dragonscale.NewStoreError("create", err)
	}
	return nil
}

func upsertAction(ctx context.Context, tx *sql.Tx, planID string, a dragonscale.ActionState) error {
	result, err := encodeJSON(a.Result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", a.ActionID, err)
	}
	meta, err := encodeJSON(a.ApprovalMetadata)
	if err != nil {
		return fmt.Errorf("encode approval metadata of %s: %w", a.ActionID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO action_states(plan_id, action_id, status, attempt, started_at, finished_at, result, error, approval_metadata)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(plan_id, action_id) DO UPDATE SET status=excluded.status, attempt=excluded.attempt,
started_at=excluded.started_at, finished_at=excluded.finished_at, result=excluded.result,
error=excluded.error, approval_metadata=excluded.approval_metadata`,
		planID, a.ActionID, string(a.Status), a.Attempt, formatTime(a.StartedAt), formatTime(a.FinishedAt),
		result, a.Error, meta)
	return err
}

func (s *SQLiteStore) UpdatePlanStatus(ctx context.Context, planID string, status dragonscale.PlanStatus) error {
	now := formatTime(time.Now())
	var (
		res sql.Result
		err error
	)
	switch status {
	case dragonscale.PlanStatusRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE plans SET status=?, started_at=CASE WHEN started_at='' THEN ? ELSE started_at END WHERE plan_id=?`,
			string(status), now, planID)
	case dragonscale.PlanStatusCompleted, dragonscale.PlanStatusFailed:
		res, err = s.db.ExecContext(ctx, `UPDATE plans SET status=?, finished_at=? WHERE plan_id=?`,
			string(status), now, planID)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE plans SET status=? WHERE plan_id=?`, string(status), planID)
	}
	if err != nil {
		return dragonscale.NewStoreError("update_plan_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dragonscale.NewPlanNotFoundError(planID)
	}
	return nil
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, planID string, action dragonscale.ActionState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dragonscale.NewStoreError("update_action", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM plans WHERE plan_id=?`, planID).Scan(&exists); err != nil {
		return dragonscale.NewStoreError("update_action", err)
	}
	if exists == 0 {
		return dragonscale.NewPlanNotFoundError(planID)
	}
	if err := upsertAction(ctx, tx, planID, action); err != nil {
		return dragonscale.NewStoreError("update_action", err)
	}
	if err := tx.Commit(); err != nil {
		return dragonscale.NewStoreError("update_action", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, planID string) (*dragonscale.ExecutionState, error) {
	var status, order, started, finished string
	err := s.db.QueryRowContext(ctx, `SELECT status, action_order, started_at, finished_at FROM plans WHERE plan_id=?`, planID).
		Scan(&status, &order, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dragonscale.NewPlanNotFoundError(planID)
	}
	if err != nil {
		return nil, dragonscale.NewStoreError("get", err)
	}
	st := &dragonscale.ExecutionState{
		PlanID:     planID,
		Status:     dragonscale.PlanStatus(status),
		Actions:    make(map[string]*dragonscale.ActionState),
		StartedAt:  parseTime(started),
		FinishedAt: parseTime(finished),
	}
	if err := json.Unmarshal([]byte(order), &st.Order); err != nil {
		return nil, dragonscale.NewStoreError("get", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT action_id, status, attempt, started_at, finished_at, result, error, approval_metadata
FROM action_states WHERE plan_id=?`, planID)
	if err != nil {
		return nil, dragonscale.NewStoreError("get", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                            dragonscale.ActionState
			aStatus, aStarted, aFinished string
			result, meta                 string
		)
		if err := rows.Scan(&a.ActionID, &aStatus, &a.Attempt, &aStarted, &aFinished, &result, &a.Error, &meta); err != nil {
			return nil, dragonscale.NewStoreError("get", err)
		}
		a.Status = dragonscale.ActionStatus(aStatus)
		a.StartedAt = parseTime(aStarted)
		a.FinishedAt = parseTime(aFinished)
		if result != "" {
			if err := json.Unmarshal([]byte(result), &a.Result); err != nil {
				return nil, dragonscale.NewStoreError("get", err)
			}
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &a.ApprovalMetadata); err != nil {
				return nil, dragonscale.NewStoreError("get", err)
			}
		}
		st.Actions[a.ActionID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, dragonscale.NewStoreError("get", err)
	}
	return st, nil
}

// List returns every stored run, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*dragonscale.ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id FROM plans ORDER BY created_at, plan_id`)
	if err != nil {
		return nil, dragonscale.NewStoreError("list", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, dragonscale.NewStoreError("list", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dragonscale.NewStoreError("list", err)
	}

	out := make([]*dragonscale.ExecutionState, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Delete drops a stored run and its action rows.
func (s *SQLiteStore) Delete(ctx context.Context, planID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE plan_id=?`, planID); err != nil {
		return dragonscale.NewStoreError("delete", err)
	}
	return nil
}
