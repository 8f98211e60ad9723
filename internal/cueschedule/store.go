package cueschedule

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists cues and firings in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the cue schedule database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cueschedule: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cueschedule: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cues (
		id TEXT PRIMARY KEY,
		event_id INTEGER NOT NULL,
		data INTEGER,
		fire_at TEXT NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0,
		interval_ns INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS firings (
		id TEXT PRIMARY KEY,
		cue_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		fired_at TEXT,
		status TEXT NOT NULL,
		result TEXT,
		FOREIGN KEY (cue_id) REFERENCES cues(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_firings_cue_id ON firings(cue_id);
	CREATE INDEX IF NOT EXISTS idx_firings_status ON firings(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to v4 if the clock-based
// generator fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateCue persists a new cue, assigning an ID and timestamps if unset.
func (s *Store) CreateCue(c *Cue) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()

	var data any
	if c.Data != nil {
		data = *c.Data
	}

	_, err := s.db.Exec(`
		INSERT INTO cues (id, event_id, data, fire_at, recurring, interval_ns, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.EventID, data, c.FireAt.Format(time.RFC3339Nano), boolToInt(c.Recurring),
		int64(c.Interval.Duration), boolToInt(c.Enabled),
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// UpdateCue updates an existing cue's fields.
func (s *Store) UpdateCue(c *Cue) error {
	c.UpdatedAt = time.Now()

	var data any
	if c.Data != nil {
		data = *c.Data
	}

	_, err := s.db.Exec(`
		UPDATE cues SET event_id = ?, data = ?, fire_at = ?, recurring = ?, interval_ns = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, c.EventID, data, c.FireAt.Format(time.RFC3339Nano), boolToInt(c.Recurring),
		int64(c.Interval.Duration), boolToInt(c.Enabled), c.UpdatedAt.Format(time.RFC3339Nano), c.ID)
	return err
}

// DeleteCue removes a cue and its firing history.
func (s *Store) DeleteCue(id string) error {
	if _, err := s.db.Exec(`DELETE FROM firings WHERE cue_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM cues WHERE id = ?`, id)
	return err
}

// GetCue retrieves a cue by ID.
func (s *Store) GetCue(id string) (*Cue, error) {
	row := s.db.QueryRow(`
		SELECT id, event_id, data, fire_at, recurring, interval_ns, enabled, created_at, updated_at
		FROM cues WHERE id = ?
	`, id)
	return s.scanCue(row)
}

// NextCueForEvent returns the soonest-firing enabled cue for eventID,
// or nil when none is pending.
func (s *Store) NextCueForEvent(eventID uint32) (*Cue, error) {
	row := s.db.QueryRow(`
		SELECT id, event_id, data, fire_at, recurring, interval_ns, enabled, created_at, updated_at
		FROM cues WHERE event_id = ? AND enabled = 1 ORDER BY fire_at ASC LIMIT 1
	`, eventID)
	c, err := s.scanCue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListCues returns every cue, optionally filtered to enabled ones.
func (s *Store) ListCues(enabledOnly bool) ([]*Cue, error) {
	query := `SELECT id, event_id, data, fire_at, recurring, interval_ns, enabled, created_at, updated_at FROM cues`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY fire_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cues []*Cue
	for rows.Next() {
		c, err := s.scanCueRow(rows)
		if err != nil {
			return nil, err
		}
		cues = append(cues, c)
	}
	return cues, rows.Err()
}

// CreateFiring records that a cue is about to fire.
func (s *Store) CreateFiring(f *Firing) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO firings (id, cue_id, scheduled_at, status, result)
		VALUES (?, ?, ?, ?, ?)
	`, f.ID, f.CueID, f.ScheduledAt.Format(time.RFC3339Nano), f.Status, f.Result)
	return err
}

// UpdateFiring updates a firing record's outcome.
func (s *Store) UpdateFiring(f *Firing) error {
	var firedAt *string
	if f.FiredAt != nil {
		v := f.FiredAt.Format(time.RFC3339Nano)
		firedAt = &v
	}
	_, err := s.db.Exec(`
		UPDATE firings SET fired_at = ?, status = ?, result = ? WHERE id = ?
	`, firedAt, f.Status, f.Result, f.ID)
	return err
}

// GetPendingFirings returns firings that are still pending (e.g. after
// a restart).
func (s *Store) GetPendingFirings() ([]*Firing, error) {
	rows, err := s.db.Query(`
		SELECT id, cue_id, scheduled_at, fired_at, status, result
		FROM firings WHERE status = ? ORDER BY scheduled_at ASC
	`, FiringPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var firings []*Firing
	for rows.Next() {
		f, err := s.scanFiringRow(rows)
		if err != nil {
			return nil, err
		}
		firings = append(firings, f)
	}
	return firings, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) scanCue(row *sql.Row) (*Cue, error) {
	return scanCueFields(row.Scan)
}

func (s *Store) scanCueRow(rows *sql.Rows) (*Cue, error) {
	return scanCueFields(rows.Scan)
}

func scanCueFields(scan func(dest ...any) error) (*Cue, error) {
	var c Cue
	var data sql.NullInt64
	var fireAt, createdAt, updatedAt string
	var recurring, enabled int
	var intervalNS int64

	if err := scan(&c.ID, &c.EventID, &data, &fireAt, &recurring, &intervalNS, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if data.Valid {
		v := uint32(data.Int64)
		c.Data = &v
	}
	c.FireAt, _ = time.Parse(time.RFC3339Nano, fireAt)
	c.Recurring = recurring == 1
	c.Interval = Duration{time.Duration(intervalNS)}
	c.Enabled = enabled == 1
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &c, nil
}

func (s *Store) scanFiringRow(rows *sql.Rows) (*Firing, error) {
	var f Firing
	var scheduledAt string
	var firedAt, result sql.NullString

	if err := rows.Scan(&f.ID, &f.CueID, &scheduledAt, &firedAt, &f.Status, &result); err != nil {
		return nil, err
	}

	f.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	if firedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, firedAt.String)
		f.FiredAt = &t
	}
	if result.Valid {
		f.Result = result.String
	}
	return &f, nil
}
