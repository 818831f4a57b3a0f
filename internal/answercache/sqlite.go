package answercache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ziadkadry99/partychat/internal/db"
)

// SQLiteStore keeps entries in the answer_cache table. Entries older than
// the TTL are treated as missing.
type SQLiteStore struct {
	db  *db.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore returns a store over d. A non-positive ttl never expires.
func NewSQLiteStore(d *db.DB, ttl time.Duration) *SQLiteStore {
	return &SQLiteStore{db: d, ttl: ttl, now: time.Now}
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var payload string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, created_at FROM answer_cache WHERE key = ?`, key,
	).Scan(&payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached answer: %w", err)
	}

	createdAt := time.UnixMilli(created)
	if s.expired(createdAt) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM answer_cache WHERE key = ?`, key); err != nil {
			return nil, false, fmt.Errorf("deleting expired answer: %w", err)
		}
		return nil, false, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, false, fmt.Errorf("decoding cached answer: %w", err)
	}
	e.CreatedAt = createdAt
	return &e, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding answer: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO answer_cache (key, party_ids, payload, created_at) VALUES (?, ?, ?, ?)`,
		key, strings.Join(e.PartyIDs, ","), string(payload), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storing answer: %w", err)
	}
	return nil
}

// Purge deletes expired entries and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM answer_cache WHERE created_at < ?`, s.now().Add(-s.ttl).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging answers: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) expired(createdAt time.Time) bool {
	return s.ttl > 0 && s.now().Sub(createdAt) > s.ttl
}
