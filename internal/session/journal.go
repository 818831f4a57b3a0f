package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ziadkadry99/partychat/internal/db"
	"github.com/ziadkadry99/partychat/internal/domain"
)

// Summary describes a finished session.
type Summary struct {
	ID         string
	Question   string
	PartyIDs   []string
	State      State
	ErrorKind  domain.ErrorKind
	Cached     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal records finished sessions.
type Journal interface {
	Record(ctx context.Context, s Summary) error
}

// SQLiteJournal writes summaries to the session_log table.
type SQLiteJournal struct {
	db *db.DB
}

func NewSQLiteJournal(d *db.DB) *SQLiteJournal {
	return &SQLiteJournal{db: d}
}

func (j *SQLiteJournal) Record(ctx context.Context, s Summary) error {
	cached := 0
	if s.Cached {
		cached = 1
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_log (id, question, party_ids, state, error_kind, cached, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Question, strings.Join(s.PartyIDs, ","), string(s.State), string(s.ErrorKind), cached,
		s.StartedAt.UnixMilli(), s.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording session %s: %w", s.ID, err)
	}
	return nil
}

// Recent returns the most recently finished sessions, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, question, party_ids, state, error_kind, cached, started_at, finished_at
		 FROM session_log ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session log: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var parties, state, kind string
		var cached int
		var started, finished int64
		if err := rows.Scan(&s.ID, &s.Question, &parties, &state, &kind, &cached, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning session log: %w", err)
		}
		if parties != "" {
			s.PartyIDs = strings.Split(parties, ",")
		}
		s.State = State(state)
		s.ErrorKind = domain.ErrorKind(kind)
		s.Cached = cached == 1
		s.StartedAt = time.UnixMilli(started)
		s.FinishedAt = time.UnixMilli(finished)
		out = append(out, s)
	}
	return out, rows.Err()
}
