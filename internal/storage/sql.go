package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore is the durable Repository. The same queries run against SQLite
// and Postgres; placeholders are written as '?' and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Repository = (*SQLStore)(nil)

// OpenSQLite opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func OpenSQLite(dataDir string) (*SQLStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "companion.db")
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

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// OpenPostgres connects through the pgx stdlib driver and runs pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
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
		if err := s.queryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			version, formatTime(time.Now())); err != nil {
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

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *SQLStore) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Users ---

const userColumns = `id, name, plan, persona, phone, reminders_opt_in, last_active_at, created_at`

func (s *SQLStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *SQLStore) SaveUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	_, err := s.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			plan = excluded.plan,
			persona = excluded.persona,
			phone = excluded.phone,
			reminders_opt_in = excluded.reminders_opt_in,
			last_active_at = excluded.last_active_at`,
		u.ID, u.Name, string(u.Plan), u.Persona, u.Phone, boolToInt(u.RemindersOptIn),
		nullTime(u.LastActiveAt), formatTime(u.CreatedAt),
	)
	return err
}

func (s *SQLStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE users SET last_active_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]User, error) {
	rows, err := s.query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE reminders_opt_in = 1 AND phone <> ''
		  AND (last_active_at IS NULL OR last_active_at < ?)
		ORDER BY id ASC`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var plan, createdAt string
	var optIn int
	var lastActive sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &plan, &u.Persona, &u.Phone, &optIn, &lastActive, &createdAt); err != nil {
		return User{}, err
	}
	u.Plan = Plan(plan)
	u.RemindersOptIn = optIn != 0
	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.LastActiveAt, err = parseNullTime(lastActive); err != nil {
		return User{}, fmt.Errorf("parsing last_active_at: %w", err)
	}
	return u, nil
}

// --- Sessions ---

func (s *SQLStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, user_id, type, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Type, formatTime(sess.StartedAt), nullTime(sess.EndedAt),
	)
	return err
}

func (s *SQLStore) LatestOpenSession(ctx context.Context, userID string) (Session, error) {
	sess, err := scanSession(s.queryRow(ctx, `
		SELECT id, user_id, type, started_at, ended_at FROM sessions
		WHERE user_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, userID))
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func (s *SQLStore) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.query(ctx, `
		SELECT id, user_id, type, started_at, ended_at FROM sessions
		WHERE user_id = ? ORDER BY started_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Type, &startedAt, &endedAt); err != nil {
		return Session{}, err
	}
	var err error
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return Session{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return Session{}, fmt.Errorf("parsing ended_at: %w", err)
	}
	return sess, nil
}

// --- Messages ---

func (s *SQLStore) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.exec(ctx, `
		INSERT INTO messages (id, session_id, user_id, role, tag, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.UserID, m.Role, m.Tag, m.Content, formatTime(m.CreatedAt),
	)
	return err
}

// ListMessages returns a session's messages in creation order. Message ids
// are time-ordered, so they break ties between equal timestamps.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT id, session_id, user_id, role, tag, content, created_at FROM messages
		WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
}

func (s *SQLStore) ListUserMessages(ctx context.Context, userID string) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT id, session_id, user_id, role, tag, content, created_at FROM messages
		WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
}

func (s *SQLStore) listMessages(ctx context.Context, query string, arg string) ([]Message, error) {
	rows, err := s.query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Tag, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountMessages(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// --- Usage ---

// GetUsage returns a zero counter for users that never sent a message.
func (s *SQLStore) GetUsage(ctx context.Context, userID string) (Usage, error) {
	u := Usage{UserID: userID}
	var updatedAt string
	err := s.queryRow(ctx, `SELECT message_count, call_seconds, updated_at FROM usage_counters WHERE user_id = ?`, userID).
		Scan(&u.MessageCount, &u.CallSeconds, &updatedAt)
	if err == sql.ErrNoRows {
		return u, nil
	}
	if err != nil {
		return Usage{}, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Usage{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return u, nil
}

func (s *SQLStore) SetUsage(ctx context.Context, userID string, count int) error {
	_, err := s.exec(ctx, `
		INSERT INTO usage_counters (user_id, message_count, call_seconds, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET message_count = excluded.message_count, updated_at = excluded.updated_at`,
		userID, count, formatTime(time.Now()),
	)
	return err
}

// --- Understanding profiles ---

func (s *SQLStore) GetProfile(ctx context.Context, userID string) (UnderstandingProfile, error) {
	var p UnderstandingProfile
	var traits, values, interests, topics, growth, analyzedAt string
	err := s.queryRow(ctx, `
		SELECT user_id, summary, personality_traits, communication_style, core_values, interests,
		       topics_to_explore, growth_areas, score, total_sessions, total_messages, last_analyzed_at
		FROM understanding_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Summary, &traits, &p.CommunicationStyle, &values, &interests,
		&topics, &growth, &p.Score, &p.TotalSessions, &p.TotalMessages, &analyzedAt)
	if err == sql.ErrNoRows {
		return UnderstandingProfile{}, ErrNotFound
	}
	if err != nil {
		return UnderstandingProfile{}, err
	}

	for _, f := range []struct {
		raw    string
		target *[]string
	}{
		{traits, &p.PersonalityTraits},
		{values, &p.CoreValues},
		{interests, &p.Interests},
		{topics, &p.TopicsToExplore},
		{growth, &p.GrowthAreas},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.target); err != nil {
			return UnderstandingProfile{}, fmt.Errorf("decoding profile list: %w", err)
		}
	}
	if p.LastAnalyzedAt, err = parseTime(analyzedAt); err != nil {
		return UnderstandingProfile{}, fmt.Errorf("parsing last_analyzed_at: %w", err)
	}
	return p, nil
}

// SaveProfile replaces the user's profile wholesale.
func (s *SQLStore) SaveProfile(ctx context.Context, p UnderstandingProfile) error {
	lists := make([]string, 0, 5)
	for _, l := range [][]string{p.PersonalityTraits, p.CoreValues, p.Interests, p.TopicsToExplore, p.GrowthAreas} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encoding profile list: %w", err)
		}
		lists = append(lists, string(b))
	}
	_, err := s.exec(ctx, `
		INSERT INTO understanding_profiles (user_id, summary, personality_traits, communication_style, core_values,
			interests, topics_to_explore, growth_areas, score, total_sessions, total_messages, last_analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			personality_traits = excluded.personality_traits,
			communication_style = excluded.communication_style,
			core_values = excluded.core_values,
			interests = excluded.interests,
			topics_to_explore = excluded.topics_to_explore,
			growth_areas = excluded.growth_areas,
			score = excluded.score,
			total_sessions = excluded.total_sessions,
			total_messages = excluded.total_messages,
			last_analyzed_at = excluded.last_analyzed_at`,
		p.UserID, p.Summary, lists[0], p.CommunicationStyle, lists[1], lists[2], lists[3], lists[4],
		p.Score, p.TotalSessions, p.TotalMessages, formatTime(p.LastAnalyzedAt),
	)
	return err
}

// --- Reminders ---

func (s *SQLStore) SaveReminder(ctx context.Context, r ReminderRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO reminders (id, user_id, type, status, scheduled_at, sent_at, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Type, r.Status, formatTime(r.ScheduledAt), nullTime(r.SentAt), r.Note,
	)
	return err
}

func (s *SQLStore) LastSentReminder(ctx context.Context, userID, reminderType string) (ReminderRecord, error) {
	var r ReminderRecord
	var scheduledAt string
	var sentAt sql.NullString
	err := s.queryRow(ctx, `
		SELECT id, user_id, type, status, scheduled_at, sent_at, note FROM reminders
		WHERE user_id = ? AND type = ? AND status = ? AND sent_at IS NOT NULL
		ORDER BY sent_at DESC LIMIT 1`, userID, reminderType, ReminderSent,
	).Scan(&r.ID, &r.UserID, &r.Type, &r.Status, &scheduledAt, &sentAt, &r.Note)
	if err == sql.ErrNoRows {
		return ReminderRecord{}, ErrNotFound
	}
	if err != nil {
		return ReminderRecord{}, err
	}
	if r.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return ReminderRecord{}, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if r.SentAt, err = parseNullTime(sentAt); err != nil {
		return ReminderRecord{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	return r, nil
}

// --- Jobs ---

func (s *SQLStore) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now),
	)
	return err
}

func (s *SQLStore) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := s.rebind(`SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`)

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`), now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`),
			attempts, errMsg, formatTime(now), id)
	} else {
		runAfter := now.Add(jobBackoff(attempts))
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`),
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func jobBackoff(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * time.Second
}

// --- helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
