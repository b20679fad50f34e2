// Package store is the durable record layer: note records, the append-only
// update log, and immutable version snapshots, all in sqlite. Binary payloads
// are held base64 encoded in text columns.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoteNotFound    = errors.New("note not found")
	ErrVersionNotFound = errors.New("version not found")
)

const (
	VersionKindSnapshot = "snapshot"
	VersionKindRestore  = "restore"
)

type Note struct {
	ID        string
	Title     string
	Base      []byte
	BaseSeq   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update is one log entry: an opaque mergeable fragment attributed to the
// submitting user (or the system sentinel for replayed history).
type Update struct {
	Seq       int64
	NoteID    string
	UserID    string
	Fragment  []byte
	CreatedAt time.Time
}

// Version is an immutable snapshot: a reference to the log prefix seq <= UpToSeq.
type Version struct {
	ID        string
	NoteID    string
	UserID    string
	UserName  string
	Kind      string
	UpToSeq   int64
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; a single pooled connection avoids busy errors.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS notes (
		id text not null primary key,
		title text not null,
		content text not null default '',
		base_seq integer not null default 0,
		created_at timestamp not null,
		updated_at timestamp not null
		)`,
		`CREATE TABLE IF NOT EXISTS note_updates (
		seq integer primary key autoincrement,
		note_id text not null,
		user_id text not null,
		fragment text not null,
		created_at timestamp not null
		)`,
		`CREATE INDEX IF NOT EXISTS note_updates_note_seq ON note_updates (note_id, seq)`,
		`CREATE TABLE IF NOT EXISTS note_versions (
		id text not null primary key,
		note_id text not null,
		user_id text not null,
		user_name text not null,
		kind text not null,
		up_to_seq integer not null,
		created_at timestamp not null
		)`,
		`CREATE INDEX IF NOT EXISTS note_versions_note ON note_versions (note_id)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	return nil
}

func (s *Store) CreateNote(ctx context.Context, title string) (Note, error) {
	n := Note{ID: uuid.NewString(), Title: title, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		n.ID, n.Title, n.CreatedAt, n.UpdatedAt,
	); err != nil {
		return Note{}, fmt.Errorf("failed to insert note: %w", err)
	}
	return n, nil
}

// EnsureNote inserts a note with a fixed id if it does not exist yet. Used for
// the development default note; real note creation belongs to the surrounding
// document service.
func (s *Store) EnsureNote(ctx context.Context, id, title string) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notes (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	); err != nil {
		return fmt.Errorf("failed to ensure note: %w", err)
	}
	return nil
}

func (s *Store) GetNote(ctx context.Context, id string) (Note, error) {
	var n Note
	var rawContent string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, title, content, base_seq, created_at, updated_at FROM notes WHERE id = ?`, id,
	).Scan(&n.ID, &n.Title, &rawContent, &n.BaseSeq, &n.CreatedAt, &n.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Note{}, ErrNoteNotFound
		}
		return Note{}, fmt.Errorf("failed to query note: %w", err)
	}
	if rawContent != "" {
		decoded, err := base64.StdEncoding.DecodeString(rawContent)
		if err != nil {
			return Note{}, fmt.Errorf("failed to decode note content: %w", err)
		}
		n.Base = decoded
	}
	return n, nil
}

func (s *Store) TouchNote(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE notes SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch note: %w", err)
	}
	return nil
}

// SaveBase writes back the compacted base state covering log entries up to
// baseSeq. Skips the write when the stored content already matches.
func (s *Store) SaveBase(ctx context.Context, id string, base []byte, baseSeq int64) (bool, error) {
	encoded := base64.StdEncoding.EncodeToString(base)
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET content = ?, base_seq = ?, updated_at = ? WHERE id = ? AND (content != ? OR base_seq != ?)`,
		encoded, baseSeq, time.Now().UTC(), id, encoded, baseSeq,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save base state: %w", err)
	}
	r, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected by base save: %w", err)
	}
	return r > 0, nil
}

// SetContent overwrites the note content verbatim. Only the last-writer-wins
// sync mode uses this; the crdt path never mutates content outside SaveBase.
func (s *Store) SetContent(ctx context.Context, id string, content []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET content = ?, updated_at = ? WHERE id = ?`,
		base64.StdEncoding.EncodeToString(content), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set content: %w", err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by content update: %w", err)
	} else if r == 0 {
		return ErrNoteNotFound
	}
	return nil
}

func (s *Store) AppendUpdate(ctx context.Context, noteID, userID string, fragment []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO note_updates (note_id, user_id, fragment, created_at) VALUES (?, ?, ?, ?)`,
		noteID, userID, base64.StdEncoding.EncodeToString(fragment), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append update: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned seq: %w", err)
	}
	return seq, nil
}

// UpdatesSince returns log entries with seq > afterSeq in log order.
func (s *Store) UpdatesSince(ctx context.Context, noteID string, afterSeq int64) ([]Update, error) {
	return s.queryUpdates(ctx,
		`SELECT seq, note_id, user_id, fragment, created_at FROM note_updates WHERE note_id = ? AND seq > ? ORDER BY seq ASC`,
		noteID, afterSeq)
}

// UpdatesThrough returns log entries with seq <= upToSeq in log order: the
// prefix a version snapshot refers to.
func (s *Store) UpdatesThrough(ctx context.Context, noteID string, upToSeq int64) ([]Update, error) {
	return s.queryUpdates(ctx,
		`SELECT seq, note_id, user_id, fragment, created_at FROM note_updates WHERE note_id = ? AND seq <= ? ORDER BY seq ASC`,
		noteID, upToSeq)
}

func (s *Store) queryUpdates(ctx context.Context, query string, args ...interface{}) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()
	var out []Update
	for rows.Next() {
		var u Update
		var rawFragment string
		if err := rows.Scan(&u.Seq, &u.NoteID, &u.UserID, &rawFragment, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		if u.Fragment, err = base64.StdEncoding.DecodeString(rawFragment); err != nil {
			return nil, fmt.Errorf("failed to decode update %d: %w", u.Seq, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate updates: %w", err)
	}
	return out, nil
}

func (s *Store) LastSeq(ctx context.Context, noteID string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM note_updates WHERE note_id = ?`, noteID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query last seq: %w", err)
	}
	return seq, nil
}

func (s *Store) InsertVersion(ctx context.Context, v Version) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO note_versions (id, note_id, user_id, user_name, kind, up_to_seq, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.NoteID, v.UserID, v.UserName, v.Kind, v.UpToSeq, v.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (s *Store) ListVersions(ctx context.Context, noteID string, limit int) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, note_id, user_id, user_name, kind, up_to_seq, created_at FROM note_versions WHERE note_id = ? ORDER BY rowid DESC LIMIT ?`,
		noteID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.NoteID, &v.UserID, &v.UserName, &v.Kind, &v.UpToSeq, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, id string) (Version, error) {
	var v Version
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, note_id, user_id, user_name, kind, up_to_seq, created_at FROM note_versions WHERE id = ?`, id,
	).Scan(&v.ID, &v.NoteID, &v.UserID, &v.UserName, &v.Kind, &v.UpToSeq, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrVersionNotFound
		}
		return Version{}, fmt.Errorf("failed to query version: %w", err)
	}
	return v, nil
}

// LatestVersion returns the most recently recorded version for the note, or
// ErrVersionNotFound if none exists yet.
func (s *Store) LatestVersion(ctx context.Context, noteID string) (Version, error) {
	var v Version
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, note_id, user_id, user_name, kind, up_to_seq, created_at FROM note_versions WHERE note_id = ? ORDER BY rowid DESC LIMIT 1`,
		noteID,
	).Scan(&v.ID, &v.NoteID, &v.UserID, &v.UserName, &v.Kind, &v.UpToSeq, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrVersionNotFound
		}
		return Version{}, fmt.Errorf("failed to query latest version: %w", err)
	}
	return v, nil
}
