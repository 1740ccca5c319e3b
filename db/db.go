// Package db persists transcript history and extracted answers in
// Postgres. History is capped: old entries are trimmed as new ones land.
package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"

	"echoscribe/answers"
)

//go:embed db_init.sql
var sqlFS embed.FS

// HistoryLimit caps the number of retained transcript entries.
const HistoryLimit = 100

// DBTX is the subset of pgx used by Queries; both a pool and a
// transaction satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// OpenDatabase connects using database_url and applies the embedded
// schema.
func OpenDatabase(ctx context.Context) (*pgxpool.Pool, *Queries, error) {
	pool, err := pgxpool.New(ctx, viper.GetString("database_url"))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := sqlFS.ReadFile("db_init.sql")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read embedded db_init.sql: %w", err)
	}

	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		return nil, nil, fmt.Errorf("failed to execute embedded db_init.sql: %w", err)
	}

	return pool, New(pool), nil
}

// Transcript is one saved recording with its answer state.
type Transcript struct {
	ID             string
	CreatedAt      time.Time
	Title          string
	Text           string
	HasQuestions   bool
	AnswersPending bool
	AnswerError    string
}

func (q *Queries) InsertTranscript(ctx context.Context, t Transcript) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO transcripts (id, created_at, title, text, has_questions, answers_pending, answer_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.CreatedAt, t.Title, t.Text, t.HasQuestions, t.AnswersPending, t.AnswerError,
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}

	// Keep only the newest HistoryLimit entries.
	_, err = q.db.Exec(ctx, `
		DELETE FROM transcripts
		WHERE id NOT IN (
			SELECT id FROM transcripts ORDER BY created_at DESC LIMIT $1
		)`,
		HistoryLimit,
	)
	if err != nil {
		return fmt.Errorf("trim transcript history: %w", err)
	}
	return nil
}

func (q *Queries) GetTranscript(ctx context.Context, id string) (Transcript, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, created_at, title, text, has_questions, answers_pending, answer_error
		FROM transcripts WHERE id = $1`,
		id,
	)

	var t Transcript
	err := row.Scan(&t.ID, &t.CreatedAt, &t.Title, &t.Text, &t.HasQuestions, &t.AnswersPending, &t.AnswerError)
	if err != nil {
		return Transcript{}, fmt.Errorf("get transcript %s: %w", id, err)
	}
	return t, nil
}

func (q *Queries) GetRecentTranscripts(ctx context.Context, limit int32) ([]Transcript, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, created_at, title, text, has_questions, answers_pending, answer_error
		FROM transcripts ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.ID, &t.CreatedAt, &t.Title, &t.Text, &t.HasQuestions, &t.AnswersPending, &t.AnswerError); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *Queries) CountTranscripts(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM transcripts`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transcripts: %w", err)
	}
	return n, nil
}

// MarkAnswersPending flags an entry while extraction runs, clearing any
// previous failure.
func (q *Queries) MarkAnswersPending(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transcripts SET answers_pending = TRUE, answer_error = ''
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark answers pending: %w", err)
	}
	return nil
}

func (q *Queries) MarkAnswerError(ctx context.Context, id, message string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transcripts SET answers_pending = FALSE, answer_error = $2
		WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("mark answer error: %w", err)
	}
	return nil
}

// SaveQAItems replaces the stored answers for an entry and clears the
// pending flag.
func (q *Queries) SaveQAItems(ctx context.Context, id string, items []answers.QAItem) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM qa_items WHERE transcript_id = $1`, id); err != nil {
		return fmt.Errorf("clear qa items: %w", err)
	}

	for i, item := range items {
		_, err := q.db.Exec(ctx, `
			INSERT INTO qa_items (transcript_id, position, question, answer, source)
			VALUES ($1, $2, $3, $4, $5)`,
			id, i, item.Question, item.Answer, string(item.Source),
		)
		if err != nil {
			return fmt.Errorf("insert qa item: %w", err)
		}
	}

	_, err := q.db.Exec(ctx, `
		UPDATE transcripts SET answers_pending = FALSE, answer_error = ''
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish qa items: %w", err)
	}
	return nil
}

func (q *Queries) GetQAItems(ctx context.Context, id string) ([]answers.QAItem, error) {
	rows, err := q.db.Query(ctx, `
		SELECT question, answer, source FROM qa_items
		WHERE transcript_id = $1 ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list qa items: %w", err)
	}
	defer rows.Close()

	var out []answers.QAItem
	for rows.Next() {
		var item answers.QAItem
		var source string
		if err := rows.Scan(&item.Question, &item.Answer, &source); err != nil {
			return nil, fmt.Errorf("scan qa item: %w", err)
		}
		item.Source = answers.Source(source)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteAllTranscripts(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM transcripts`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
