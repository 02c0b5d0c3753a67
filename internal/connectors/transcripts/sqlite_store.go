package transcripts

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Entry is one question/answer exchange for a subject.
type Entry struct {
	ID              int64     `json:"id"`
	SubjectID       string    `json:"subject_id"`
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// Stats summarises the store for the service status endpoint.
type Stats struct {
	Subjects  int64 `json:"subjects"`
	Exchanges int64 `json:"exchanges"`
}

// Store persists chat transcripts in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open transcript store")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping transcript store")
	}

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS chat_exchanges (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  subject_id TEXT NOT NULL,
  question TEXT NOT NULL,
  answer TEXT NOT NULL,
  confidence_score REAL NOT NULL DEFAULT 0,
  created_at_ms INTEGER NOT NULL
);
`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create chat_exchanges")
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_ce_subject_id ON chat_exchanges(subject_id, id);`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create chat_exchanges index")
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the SQLite file backing the store.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	subject := strings.TrimSpace(e.SubjectID)
	if subject == "" {
		return 0, errors.New("subject_id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO chat_exchanges (subject_id, question, answer, confidence_score, created_at_ms)
VALUES (?, ?, ?, ?, ?);
`, subject, e.Question, e.Answer, e.ConfidenceScore, e.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "insert chat exchange")
	}
	return res.LastInsertId()
}

// List returns the most recent limit exchanges for subject, oldest first.
func (s *Store) List(ctx context.Context, subject string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, question, answer, confidence_score, created_at_ms
FROM (
  SELECT id, subject_id, question, answer, confidence_score, created_at_ms
  FROM chat_exchanges
  WHERE subject_id = ?
  ORDER BY id DESC
  LIMIT ?
)
ORDER BY id ASC;
`, strings.TrimSpace(subject), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list chat exchanges")
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			item      Entry
			createdMS int64
		)
		if err := rows.Scan(&item.ID, &item.SubjectID, &item.Question, &item.Answer, &item.ConfidenceScore, &createdMS); err != nil {
			return nil, err
		}
		item.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Clear(ctx context.Context, subject string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_exchanges WHERE subject_id = ?`, strings.TrimSpace(subject))
	if err != nil {
		return 0, errors.Wrap(err, "clear chat exchanges")
	}
	return res.RowsAffected()
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT subject_id), COUNT(*) FROM chat_exchanges`).Scan(&st.Subjects, &st.Exchanges); err != nil {
		return nil, errors.Wrap(err, "transcript stats")
	}
	return &st, nil
}
