package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding jobs, triggers, approvals, and the
// per-channel topic history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "factreel.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// --- Jobs ---

// SaveJob inserts or fully replaces a job record. Upsert keyed on id so a
// crash-restart reload sees exactly the last written state.
func (s *Store) SaveJob(j Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, channel, owner, state, stage, input_kind, input_text, payload_json, fingerprint, artifact_ref, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			stage = excluded.stage,
			payload_json = excluded.payload_json,
			artifact_ref = excluded.artifact_ref,
			failure = excluded.failure,
			updated_at = excluded.updated_at`,
		j.ID, j.Channel, j.Owner, j.State, j.Stage, j.InputKind, j.InputText,
		j.PayloadJSON, j.Fingerprint, j.ArtifactRef, j.Failure,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	return err
}

const jobColumns = `id, channel, owner, state, stage, input_kind, input_text, payload_json, fingerprint, artifact_ref, failure, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.Channel, &j.Owner, &j.State, &j.Stage, &j.InputKind,
		&j.InputText, &j.PayloadJSON, &j.Fingerprint, &j.ArtifactRef, &j.Failure,
		&createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobs(channel string, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobsInStates returns jobs whose state is any of the given names,
// oldest first. Used by startup recovery.
func (s *Store) ListJobsInStates(states ...string) ([]Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(states)-1)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state IN (?` + placeholders + `) ORDER BY created_at ASC`

	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Triggers ---

func (s *Store) SaveTrigger(t Trigger) error {
	_, err := s.db.Exec(`
		INSERT INTO triggers (id, channel, owner, schedule, idea_count, enabled, next_fire, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel = excluded.channel,
			owner = excluded.owner,
			schedule = excluded.schedule,
			idea_count = excluded.idea_count,
			enabled = excluded.enabled,
			next_fire = excluded.next_fire,
			updated_at = excluded.updated_at`,
		t.ID, t.Channel, t.Owner, t.Schedule, t.IdeaCount, boolInt(t.Enabled),
		fmtTime(t.NextFire), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *Store) GetTrigger(id string) (Trigger, error) {
	row := s.db.QueryRow(`
		SELECT id, channel, owner, schedule, idea_count, enabled, next_fire, created_at, updated_at
		FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return Trigger{}, ErrNotFound
	}
	return t, err
}

func (s *Store) ListTriggers() ([]Trigger, error) {
	rows, err := s.db.Query(`
		SELECT id, channel, owner, schedule, idea_count, enabled, next_fire, created_at, updated_at
		FROM triggers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *Store) DeleteTrigger(id string) error {
	res, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTriggerNextFire advances a trigger's next-fire time.
func (s *Store) UpdateTriggerNextFire(id string, next time.Time) error {
	res, err := s.db.Exec(`UPDATE triggers SET next_fire = ?, updated_at = ? WHERE id = ?`,
		fmtTime(next), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrigger(row interface{ Scan(...any) error }) (Trigger, error) {
	var t Trigger
	var enabled int
	var nextFire, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Channel, &t.Owner, &t.Schedule, &t.IdeaCount, &enabled,
		&nextFire, &createdAt, &updatedAt)
	if err != nil {
		return Trigger{}, err
	}
	t.Enabled = enabled != 0
	if t.NextFire, err = parseTime(nextFire); err != nil {
		return Trigger{}, fmt.Errorf("parsing next_fire for trigger %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Trigger{}, fmt.Errorf("parsing created_at for trigger %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Trigger{}, fmt.Errorf("parsing updated_at for trigger %s: %w", t.ID, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Approvals ---

func (s *Store) SaveApproval(a Approval) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (id, subject_id, kind, choices, status, choice, actor, resumed, expires_at, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		a.ID, a.SubjectID, a.Kind, a.Choices, a.Status, a.Choice, a.Actor,
		boolInt(a.Resumed), fmtTime(a.ExpiresAt), fmtTime(a.CreatedAt),
	)
	return err
}

func (s *Store) GetApproval(id string) (Approval, error) {
	row := s.db.QueryRow(`
		SELECT id, subject_id, kind, choices, status, choice, actor, resumed, expires_at, decided_at, created_at
		FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return Approval{}, ErrNotFound
	}
	return a, err
}

// ApplyDecision records the first decision for a pending approval. Returns
// false without side effects if the approval is no longer pending, which is
// what makes duplicate decision delivery a no-op.
func (s *Store) ApplyDecision(id, choice, actor string, decidedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, choice = ?, actor = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		ApprovalApplied, choice, actor, fmtTime(decidedAt), id, ApprovalPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireApproval marks a pending approval as expired. Conditional on status so
// a racing decision wins.
func (s *Store) ExpireApproval(id string, when time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		ApprovalExpired, fmtTime(when), id, ApprovalPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkApprovalResumed records that the dependent state transition ran.
func (s *Store) MarkApprovalResumed(id string) error {
	res, err := s.db.Exec(`UPDATE approvals SET resumed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnresumedApprovals returns applied or expired approvals whose resume
// transition has not run yet. Used to replay decisions after a crash.
func (s *Store) ListUnresumedApprovals() ([]Approval, error) {
	rows, err := s.db.Query(`
		SELECT id, subject_id, kind, choices, status, choice, actor, resumed, expires_at, decided_at, created_at
		FROM approvals WHERE resumed = 0 AND status != ? ORDER BY created_at ASC`, ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ListPendingApprovals returns all still-pending approvals, oldest first.
func (s *Store) ListPendingApprovals() ([]Approval, error) {
	rows, err := s.db.Query(`
		SELECT id, subject_id, kind, choices, status, choice, actor, resumed, expires_at, decided_at, created_at
		FROM approvals WHERE status = ? ORDER BY created_at ASC`, ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(row interface{ Scan(...any) error }) (Approval, error) {
	var a Approval
	var resumed int
	var expiresAt, createdAt string
	var decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.SubjectID, &a.Kind, &a.Choices, &a.Status, &a.Choice,
		&a.Actor, &resumed, &expiresAt, &decidedAt, &createdAt)
	if err != nil {
		return Approval{}, err
	}
	a.Resumed = resumed != 0
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Approval{}, fmt.Errorf("parsing expires_at for approval %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Approval{}, fmt.Errorf("parsing created_at for approval %s: %w", a.ID, err)
	}
	if decidedAt.Valid {
		if a.DecidedAt, err = parseTime(decidedAt.String); err != nil {
			return Approval{}, fmt.Errorf("parsing decided_at for approval %s: %w", a.ID, err)
		}
	}
	return a, nil
}

// --- History ---

// AppendHistory records a produced topic fingerprint for a channel. Inserting
// the same (channel, fingerprint) twice is a no-op.
func (s *Store) AppendHistory(e HistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO history (channel, fingerprint, topic, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel, fingerprint) DO NOTHING`,
		e.Channel, e.Fingerprint, e.Topic, fmtTime(e.CreatedAt),
	)
	return err
}

// HistoryContains reports whether the fingerprint was recorded for the channel
// at or after the cutoff.
func (s *Store) HistoryContains(channel, fingerprint string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM history
		WHERE channel = ? AND fingerprint = ? AND created_at >= ?`,
		channel, fingerprint, fmtTime(since),
	).Scan(&count)
	return count > 0, err
}

// ListHistory returns entries for a channel recorded at or after the cutoff,
// oldest first.
func (s *Store) ListHistory(channel string, since time.Time) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT channel, fingerprint, topic, created_at FROM history
		WHERE channel = ? AND created_at >= ? ORDER BY created_at ASC`,
		channel, fmtTime(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.Channel, &e.Fingerprint, &e.Topic, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at in history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompactHistory deletes entries for a channel older than the cutoff and
// returns how many were removed.
func (s *Store) CompactHistory(channel string, before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history WHERE channel = ? AND created_at < ?`,
		channel, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HistoryChannels returns the distinct channels present in history.
func (s *Store) HistoryChannels() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT channel FROM history`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
