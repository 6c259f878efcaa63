package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// SQL drivers, exactly as the teacher imports them for blank
	// side-effect registration.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/agentcore/internal/errs"
)

// DurableStore is the authoritative persistent repository for sessions and
// transcripts (spec §4.2.1 "Durable store").
type DurableStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update replaces the stored row for s.ID, writing s.UpdatedAt as given
	// (Manager.Update stamps it before calling). Callers are responsible
	// for holding the session lock around the
	// read-modify-write this wraps.
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error

	AppendTranscript(ctx context.Context, entry TranscriptEntry) error
	ListTranscript(ctx context.Context, sessionID string, after, limit int) ([]TranscriptEntry, error)
	// NextSeq returns the next dense sequence number to use for a new
	// transcript entry in sessionID (0 if the session has none yet).
	NextSeq(ctx context.Context, sessionID string) (int, error)

	// List pushes every filter down to the SQL layer; no fetch-all-then-
	// filter-in-memory is permitted (spec §4.2.2).
	List(ctx context.Context, ownerFP string, filters ListFilters, page Page) ([]*Session, int, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by Get/Update/Delete when the row is absent.
var ErrNotFound = fmt.Errorf("session: not found")

// ErrAlreadyExists is returned by Create on a primary-key collision.
var ErrAlreadyExists = fmt.Errorf("session: already exists")

// SQLStore implements DurableStore over database/sql, grounded on the
// three-dialect pattern from the teacher's session store: the same SQL is
// issued with '?' placeholders and rewritten to '$n' for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres" | "mysql" | "sqlite"
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id VARCHAR(64) PRIMARY KEY,
	mode VARCHAR(32) NOT NULL,
	status VARCHAR(32) NOT NULL,
	owner_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
	parent_id VARCHAR(64) NOT NULL DEFAULT '',
	model VARCHAR(128) NOT NULL DEFAULT '',
	total_turns INTEGER NOT NULL DEFAULT 0,
	total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP,
	session_metadata TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	title VARCHAR(512)
)`

const createSessionsOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_fingerprint)`

const createTranscriptSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_transcript (
	session_id VARCHAR(64) NOT NULL,
	seq INTEGER NOT NULL,
	role VARCHAR(16) NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
)`

const createTranscriptIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_transcript_session ON session_transcript(session_id, seq)`

// NewSQLStore validates the dialect, opens the schema, and returns a ready
// durable store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("session: database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("session: unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("session: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createSessionsSchemaSQL,
		createSessionsOwnerIndexSQL,
		createTranscriptSchemaSQL,
		createTranscriptIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Ping verifies durable-store connectivity, for the readiness endpoint.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rewrite converts '?' placeholders to '$1, $2, ...' for postgres; other
// dialects use '?' natively.
func (s *SQLStore) rewrite(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}
	tagsJSON, err := json.Marshal(sess.Tags)
	if err != nil {
		return fmt.Errorf("session: marshal tags: %w", err)
	}

	query := s.rewrite(`INSERT INTO sessions
		(id, mode, status, owner_fingerprint, parent_id, model, total_turns,
		 total_cost, created_at, updated_at, last_message_at, session_metadata, tags, title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Mode), string(sess.Status), sess.OwnerFingerprint,
		sess.ParentID, sess.Model, sess.TotalTurns, sess.TotalCost,
		sess.CreatedAt, sess.UpdatedAt, sess.LastMessageAt, string(metaJSON), string(tagsJSON), sess.Title)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if isConnFault(err) {
			return errs.Wrap(errs.Unavailable, "ERR_DURABLE_CREATE_UNAVAILABLE", err, "durable store unavailable")
		}
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	query := s.rewrite(`SELECT id, mode, status, owner_fingerprint, parent_id, model,
		total_turns, total_cost, created_at, updated_at, last_message_at,
		session_metadata, tags, title FROM sessions WHERE id = ?`)

	row := s.db.QueryRowContext(ctx, query, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		if isConnFault(err) {
			return nil, errs.Wrap(errs.Unavailable, "ERR_DURABLE_GET_UNAVAILABLE", err, "durable store unavailable")
		}
		return nil, fmt.Errorf("session: get: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var mode, status, metaJSON, tagsJSON string
	var lastMessageAt sql.NullTime
	var title sql.NullString

	if err := row.Scan(&sess.ID, &mode, &status, &sess.OwnerFingerprint, &sess.ParentID,
		&sess.Model, &sess.TotalTurns, &sess.TotalCost, &sess.CreatedAt, &sess.UpdatedAt,
		&lastMessageAt, &metaJSON, &tagsJSON, &title); err != nil {
		return nil, err
	}

	sess.Mode = Mode(mode)
	sess.Status = Status(status)
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		sess.LastMessageAt = &t
	}
	if title.Valid {
		sess.Title = &title.String
	}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &sess.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) Update(ctx context.Context, sess *Session) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}
	tagsJSON, err := json.Marshal(sess.Tags)
	if err != nil {
		return fmt.Errorf("session: marshal tags: %w", err)
	}

	query := s.rewrite(`UPDATE sessions SET status = ?, model = ?, total_turns = ?,
		total_cost = ?, updated_at = ?, last_message_at = ?, session_metadata = ?,
		tags = ?, title = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, string(sess.Status), sess.Model, sess.TotalTurns,
		sess.TotalCost, sess.UpdatedAt, sess.LastMessageAt, string(metaJSON), string(tagsJSON),
		sess.Title, sess.ID)
	if err != nil {
		if isConnFault(err) {
			return errs.Wrap(errs.Unavailable, "ERR_DURABLE_UPDATE_UNAVAILABLE", err, "durable store unavailable")
		}
		return fmt.Errorf("session: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rewrite(`DELETE FROM session_transcript WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("session: delete transcript: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rewrite(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) AppendTranscript(ctx context.Context, entry TranscriptEntry) error {
	query := s.rewrite(`INSERT INTO session_transcript (session_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, entry.SessionID, entry.Seq, string(entry.Role),
		string(entry.Content), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("session: append transcript: %w", err)
	}
	return nil
}

func (s *SQLStore) NextSeq(ctx context.Context, sessionID string) (int, error) {
	query := s.rewrite(`SELECT COALESCE(MAX(seq), -1) FROM session_transcript WHERE session_id = ?`)
	var maxSeq int
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("session: next seq: %w", err)
	}
	return maxSeq + 1, nil
}

func (s *SQLStore) ListTranscript(ctx context.Context, sessionID string, after, limit int) ([]TranscriptEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := s.rewrite(`SELECT session_id, seq, role, content, created_at FROM session_transcript
		WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var role, content string
		if err := rows.Scan(&e.SessionID, &e.Seq, &role, &content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("session: scan transcript: %w", err)
		}
		e.Role = Role(role)
		e.Content = []byte(content)
		out = append(out, e)
	}
	return out, rows.Err()
}

// List pushes mode/status/tag/text/metadata filters into the SQL WHERE
// clause and ordering/pagination into the query, per spec §4.2.2.
func (s *SQLStore) List(ctx context.Context, ownerFP string, f ListFilters, page Page) ([]*Session, int, error) {
	page = page.Normalize()

	where := []string{"owner_fingerprint = ?"}
	args := []any{ownerFP}

	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, f.Mode)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ProjectID != "" {
		where = append(where, s.jsonFieldEquals("project_id"))
		args = append(args, f.ProjectID)
	}
	if f.TagContains != "" {
		where = append(where, s.tagContains())
		args = append(args, "%\""+f.TagContains+"\"%")
	}
	if f.TextSearch != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+f.TextSearch+"%")
	}
	if f.MetadataPath != "" {
		where = append(where, s.jsonFieldEquals(f.MetadataPath))
		args = append(args, f.MetadataEquals)
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := s.rewrite(fmt.Sprintf(`SELECT COUNT(*) FROM sessions WHERE %s`, whereClause))
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("session: count: %w", err)
	}

	selectQuery := s.rewrite(fmt.Sprintf(`SELECT id, mode, status, owner_fingerprint, parent_id, model,
		total_turns, total_cost, created_at, updated_at, last_message_at, session_metadata, tags, title
		FROM sessions WHERE %s
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
		LIMIT ? OFFSET ?`, whereClause))
	if s.dialect == "mysql" {
		// MySQL lacks NULLS LAST; emulate by sorting on an is-null flag first.
		selectQuery = s.rewrite(fmt.Sprintf(`SELECT id, mode, status, owner_fingerprint, parent_id, model,
			total_turns, total_cost, created_at, updated_at, last_message_at, session_metadata, tags, title
			FROM sessions WHERE %s
			ORDER BY (last_message_at IS NULL) ASC, last_message_at DESC, created_at DESC
			LIMIT ? OFFSET ?`, whereClause))
	}

	listArgs := append(append([]any{}, args...), page.Size, (page.Number-1)*page.Size)
	rows, err := s.db.QueryContext(ctx, selectQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("session: scan list row: %w", err)
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

// jsonFieldEquals returns a dialect-appropriate WHERE fragment testing
// whether session_metadata[key] equals the next bound parameter.
func (s *SQLStore) jsonFieldEquals(key string) string {
	switch s.dialect {
	case "postgres":
		return fmt.Sprintf("session_metadata::json->>'%s' = ?", key)
	case "mysql":
		return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(session_metadata, '$.%s')) = ?", key)
	default: // sqlite
		return fmt.Sprintf("json_extract(session_metadata, '$.%s') = ?", key)
	}
}

// tagContains returns a dialect-portable substring test over the tags
// JSON array; all three dialects support LIKE over TEXT columns.
func (s *SQLStore) tagContains() string {
	return "tags LIKE ?"
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func isConnFault(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		err == sql.ErrConnDone
}
