/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements report, case-update, notification and directory persistence
  using SQLite. In production the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  engine.Store:             Reports + append-only case updates
  engine.Directory:         User lookup for guards and fan-out
  notify.NotificationStore: In-app notification ledger

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch the case_updates table. The
  report row carries the current status; case_updates explains it.

KEY TABLES:
  reports:       Current report state, versioned for optimistic checks
  case_updates:  Immutable history of transitions and comments
  notifications: In-app deliveries, unique per (event, recipient)
  users:         Directory of principals and their roles

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block
  and a single writer at a time is enough for this workload.

USAGE:
  store, err := sqlite.New("./data/reports.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/notify"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Reports (current state, single writer: the state machine)
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		reporter_id TEXT NOT NULL DEFAULT '',
		anonymous BOOLEAN NOT NULL DEFAULT FALSE,
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		assignee TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
	CREATE INDEX IF NOT EXISTS idx_reports_category ON reports(category);
	CREATE INDEX IF NOT EXISTS idx_reports_assignee ON reports(assignee);
	CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);

	-- Case updates (append-only ledger: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS case_updates (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_case_updates_report
		ON case_updates(report_id, created_at);

	-- In-app notifications, idempotent per (event, recipient)
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		report_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		UNIQUE(event_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);

	-- Users (directory of principals)
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		zone TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REPORT STORE
// =============================================================================

func (s *Store) Create(ctx context.Context, r *engine.Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, reporter_id, anonymous, category, description,
			latitude, longitude, address, city, priority, status, assignee,
			version, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.ReporterID), r.Anonymous, r.Category, r.Description,
		r.Location.Latitude, r.Location.Longitude, r.Location.Address, r.Location.City,
		string(r.Priority), string(r.Status), string(r.Assignee),
		r.Version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), formatTimePtr(r.ClosedAt),
	)
	return err
}

func (s *Store) Get(ctx context.Context, id engine.ReportID) (*engine.Report, error) {
	row := s.db.QueryRowContext(ctx, selectReports+` WHERE id = ?`, string(id))
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrReportNotFound
	}
	return r, err
}

func (s *Store) Save(ctx context.Context, r *engine.Report) error {
	return s.save(ctx, s.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// save performs the optimistic write: the row must still carry the
// version the caller read.
func (s *Store) save(ctx context.Context, db execer, r *engine.Report) error {
	res, err := db.ExecContext(ctx, `
		UPDATE reports
		SET status = ?, assignee = ?, priority = ?, version = ?,
		    updated_at = ?, closed_at = ?
		WHERE id = ? AND version = ?`,
		string(r.Status), string(r.Assignee), string(r.Priority), r.Version,
		formatTime(r.UpdatedAt), formatTimePtr(r.ClosedAt),
		string(r.ID), r.Version-1,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a stale version.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reports WHERE id = ?)`, string(r.ID),
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return engine.ErrReportNotFound
		}
		return engine.ErrConcurrentModification
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, f engine.Filter) ([]*engine.Report, error) {
	query := selectReports + ` WHERE 1=1`
	var args []any

	if !f.Range.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(f.Range.To))
	}
	switch f.Status {
	case "", engine.FilterAll:
	case engine.FilterOpen:
		query += ` AND status IN ('pending', 'assigned', 'in_progress')`
	case engine.FilterClosed:
		query += ` AND status IN ('resolved', 'closed')`
	default:
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, string(f.Assignee))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*engine.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const selectReports = `
	SELECT id, reporter_id, anonymous, category, description,
	       latitude, longitude, address, city, priority, status, assignee,
	       version, created_at, updated_at, closed_at
	FROM reports`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*engine.Report, error) {
	var (
		r                  engine.Report
		created, updated   string
		closed             sql.NullString
		reporter, assignee string
	)
	err := row.Scan(&r.ID, &reporter, &r.Anonymous, &r.Category, &r.Description,
		&r.Location.Latitude, &r.Location.Longitude, &r.Location.Address, &r.Location.City,
		&r.Priority, &r.Status, &assignee, &r.Version, &created, &updated, &closed)
	if err != nil {
		return nil, err
	}
	r.ReporterID = engine.UserID(reporter)
	r.Assignee = engine.UserID(assignee)
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if closed.Valid {
		t, err := parseTime(closed.String)
		if err != nil {
			return nil, err
		}
		r.ClosedAt = &t
	}
	return &r, nil
}

// =============================================================================
// CASE UPDATES - Append-only
// =============================================================================

func (s *Store) AppendUpdate(ctx context.Context, u engine.CaseUpdate) error {
	return s.appendUpdate(ctx, s.db, u)
}

func (s *Store) appendUpdate(ctx context.Context, db execer, u engine.CaseUpdate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO case_updates (id, report_id, author_id, kind,
			previous_status, new_status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, string(u.ReportID), string(u.AuthorID), string(u.Kind),
		string(u.PreviousStatus), string(u.NewStatus), u.Note, formatTime(u.CreatedAt),
	)
	return err
}

func (s *Store) UpdatesFor(ctx context.Context, id engine.ReportID) ([]engine.CaseUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, author_id, kind, previous_status, new_status, note, created_at
		FROM case_updates
		WHERE report_id = ?
		ORDER BY created_at ASC, id ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []engine.CaseUpdate
	for rows.Next() {
		var (
			u       engine.CaseUpdate
			created string
		)
		if err := rows.Scan(&u.ID, &u.ReportID, &u.AuthorID, &u.Kind,
			&u.PreviousStatus, &u.NewStatus, &u.Note, &created); err != nil {
			return nil, err
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// SaveWithUpdate commits the report mutation and its ledger entry in one
// database transaction: no reader sees one without the other.
func (s *Store) SaveWithUpdate(ctx context.Context, r *engine.Report, u engine.CaseUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.save(ctx, tx, r); err != nil {
		return err
	}
	if err := s.appendUpdate(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// NOTIFICATIONS - In-app delivery ledger
// =============================================================================

// SaveNotification inserts the delivery, ignoring duplicates of the
// same (event, recipient) pair. At-least-once made safe.
func (s *Store) SaveNotification(ctx context.Context, n notify.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications
			(id, event_id, user_id, report_id, kind, title, message, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.EventID, string(n.UserID), string(n.ReportID), string(n.Kind),
		n.Title, n.Message, n.Read, formatTime(n.CreatedAt),
	)
	return err
}

func (s *Store) NotificationsFor(ctx context.Context, user engine.UserID) ([]notify.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, user_id, report_id, kind, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC`, string(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []notify.Notification
	for rows.Next() {
		var (
			n       notify.Notification
			created string
		)
		if err := rows.Scan(&n.ID, &n.EventID, &n.UserID, &n.ReportID, &n.Kind,
			&n.Title, &n.Message, &n.Read, &created); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, user engine.UserID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = ? AND user_id = ?`,
		id, string(user))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrReportNotFound
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, user engine.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = ?`, string(user))
	return err
}

// =============================================================================
// DIRECTORY
// =============================================================================

// SaveUser upserts a directory entry.
func (s *Store) SaveUser(ctx context.Context, h engine.Handler) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role, active, zone) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role = excluded.role,
			active = excluded.active, zone = excluded.zone`,
		string(h.ID), string(h.Role), h.Active, h.Zone,
	)
	return err
}

func (s *Store) Lookup(ctx context.Context, id engine.UserID) (engine.Handler, bool) {
	var h engine.Handler
	err := s.db.QueryRowContext(ctx,
		`SELECT id, role, active, zone FROM users WHERE id = ?`, string(id),
	).Scan(&h.ID, &h.Role, &h.Active, &h.Zone)
	if err != nil {
		return engine.Handler{}, false
	}
	return h, true
}

func (s *Store) Administrators(ctx context.Context) []engine.UserID {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE role = ? AND active ORDER BY id`,
		string(engine.RoleAdministrador))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var admins []engine.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return admins
		}
		admins = append(admins, engine.UserID(id))
	}
	return admins
}

// =============================================================================
// TIME ENCODING
// =============================================================================

// Fixed-width UTC layout so stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
