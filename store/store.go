// Package store keeps a local sqlite copy of every turn so a crash or
// network outage never loses a response recorded during the exam.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"lukechampine.com/blake3"
)

const schema = `
create table if not exists turns (
	id            text primary key,
	session_id    text not null,
	question_id   text not null,
	part          integer not null,
	ordinal       integer not null,
	transcript    text not null,
	audio_hash    text not null,
	audio         blob not null,
	cap_forced    integer not null default 0,
	created_at    text not null,
	unique (session_id, question_id)
);
create index if not exists turns_session on turns (session_id);
`

// TurnRow is one locally persisted response turn.
type TurnRow struct {
	ID         string
	SessionID  string
	QuestionID string
	Part       int
	Order      int
	Transcript string
	AudioHash  string
	Audio      []byte
	CapForced  bool
	CreatedAt  time.Time
}

type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the turn database at path. Use ":memory:"
// for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening turn store: %w", err)
	}
	// sqlite handles one writer; a second pooled connection would also
	// see a different database entirely for ":memory:".
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating turn store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// AudioHash fingerprints a recording for local dedup.
func AudioHash(audio []byte) string {
	sum := blake3.Sum256(audio)
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, row TurnRow) error {
	if row.AudioHash == "" {
		row.AudioHash = AudioHash(row.Audio)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		insert into turns (id, session_id, question_id, part, ordinal, transcript, audio_hash, audio, cap_forced, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (session_id, question_id) do update set
			transcript = excluded.transcript,
			audio_hash = excluded.audio_hash,
			audio = excluded.audio,
			cap_forced = excluded.cap_forced
	`,
		row.ID, row.SessionID, row.QuestionID, row.Part, row.Order,
		row.Transcript, row.AudioHash, row.Audio, boolInt(row.CapForced),
		row.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persisting turn into sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, sessionID, questionID string) (TurnRow, error) {
	row := TurnRow{}
	var capForced int
	var createdAt string

	err := s.db.
		QueryRowContext(
			ctx,
			"select id, session_id, question_id, part, ordinal, transcript, audio_hash, audio, cap_forced, created_at from turns where session_id = $1 and question_id = $2",
			sessionID, questionID,
		).
		Scan(&row.ID, &row.SessionID, &row.QuestionID, &row.Part, &row.Order,
			&row.Transcript, &row.AudioHash, &row.Audio, &capForced, &createdAt)
	if err != nil {
		return row, fmt.Errorf("get turn by question: %w", err)
	}
	row.CapForced = capForced == 1
	row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return row, nil
}

// SessionTurns returns a session's turns in part then question order.
func (s *SQLiteStore) SessionTurns(ctx context.Context, sessionID string) ([]TurnRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, session_id, question_id, part, ordinal, transcript, audio_hash, audio, cap_forced, created_at
		from turns where session_id = $1
		order by part, ordinal
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var row TurnRow
		var capForced int
		var createdAt string
		if err := rows.Scan(&row.ID, &row.SessionID, &row.QuestionID, &row.Part, &row.Order,
			&row.Transcript, &row.AudioHash, &row.Audio, &capForced, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		row.CapForced = capForced == 1
		row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteSession clears a session's turns after the platform confirms
// they all landed.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "delete from turns where session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("deleting session turns: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
