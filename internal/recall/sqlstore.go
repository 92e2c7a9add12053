package recall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const entryColumns = `id, original_input, input_type, parsed_question, topic, retrieved_context,
	final_answer, solution_steps, verifier_outcome, confidence, requires_human_review,
	user_feedback, feedback_comment, created_at, updated_at`

// SQLStore persists entries in the memory_entries table through sqlx.
// It works against sqlite3 and postgres; placeholders are rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore wraps an open database. driverName selects the placeholder style.
func NewSQLStore(db *sql.DB, driverName string, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     sqlx.NewDb(db, driverName),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenSQLStore opens the database, applies pool settings and creates the schema.
func OpenSQLStore(ctx context.Context, driverName, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driverName, err)
	}
	if driverName == "sqlite3" {
		// single writer; :memory: databases are per-connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	s := NewSQLStore(db.DB, driverName, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the table and indexes when they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.db.DriverName() == "postgres" {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			original_input TEXT NOT NULL,
			input_type TEXT NOT NULL,
			parsed_question TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			retrieved_context TEXT,
			final_answer TEXT NOT NULL DEFAULT '',
			solution_steps TEXT,
			verifier_outcome TEXT,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			requires_human_review BOOLEAN NOT NULL DEFAULT FALSE,
			user_feedback TEXT,
			feedback_comment TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_topic ON memory_entries (topic)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_created_at ON memory_entries (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate memory_entries: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Save(ctx context.Context, e *Entry) error {
	e.prepare(s.now())
	query := s.db.Rebind(`INSERT INTO memory_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			original_input = excluded.original_input,
			input_type = excluded.input_type,
			parsed_question = excluded.parsed_question,
			topic = excluded.topic,
			retrieved_context = excluded.retrieved_context,
			final_answer = excluded.final_answer,
			solution_steps = excluded.solution_steps,
			verifier_outcome = excluded.verifier_outcome,
			confidence = excluded.confidence,
			requires_human_review = excluded.requires_human_review,
			user_feedback = excluded.user_feedback,
			feedback_comment = excluded.feedback_comment,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.OriginalInput, e.InputType, e.ParsedQuestion, e.Topic, e.RetrievedContext,
		e.FinalAnswer, e.SolutionSteps, e.VerifierOutcome, e.Confidence, e.RequiresHumanReview,
		e.UserFeedback, e.FeedbackComment, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	query := s.db.Rebind(`SELECT ` + entryColumns + ` FROM memory_entries WHERE id = ?`)
	if err := s.db.GetContext(ctx, &e, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.selectEntries(ctx, "", limit)
}

func (s *SQLStore) ByTopic(ctx context.Context, topic string, limit int) ([]Entry, error) {
	return s.selectEntries(ctx, "LOWER(topic) = ?", limit, strings.ToLower(topic))
}

func (s *SQLStore) Correct(ctx context.Context, limit int) ([]Entry, error) {
	return s.selectEntries(ctx, "user_feedback = ?", limit, string(FeedbackCorrect))
}

func (s *SQLStore) SearchText(ctx context.Context, q string, limit int) ([]Entry, error) {
	return s.selectEntries(ctx, "LOWER(parsed_question) LIKE ?", limit, "%"+strings.ToLower(q)+"%")
}

func (s *SQLStore) UpdateFeedback(ctx context.Context, id string, fb Feedback, comment *string) (bool, error) {
	query := s.db.Rebind(`UPDATE memory_entries SET user_feedback = ?, feedback_comment = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, fb, comment, s.now(), id)
	if err != nil {
		return false, fmt.Errorf("update feedback %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update feedback %s: %w", id, err)
	}
	if n == 0 {
		s.logger.Debug("Feedback update matched no entry", zap.String("id", id))
	}
	return n > 0, nil
}

func (s *SQLStore) Approve(ctx context.Context, id, question string) (bool, error) {
	query := `UPDATE memory_entries SET user_feedback = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{FeedbackCorrect, s.now(), id}
	if question != "" {
		query = `UPDATE memory_entries SET user_feedback = ?, parsed_question = ?, requires_human_review = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{FeedbackCorrect, question, false, s.now(), id}
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("approve entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve entry %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) selectEntries(ctx context.Context, where string, limit int, args ...interface{}) ([]Entry, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + entryColumns + ` FROM memory_entries`)
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	b.WriteString(" ORDER BY created_at DESC, id ASC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	var out []Entry
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(b.String()), args...); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	return out, nil
}
