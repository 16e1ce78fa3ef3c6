package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/examhall/internal/model"

	_ "modernc.org/sqlite"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the entity store. A Store returned by InTx is bound to a
// transaction; every method then runs inside it.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, q: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a write transaction. Nested calls join the outer
// transaction. fn's error rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		rubric TEXT NOT NULL DEFAULT '',
		model_answer TEXT NOT NULL DEFAULT '',
		max_points INTEGER NOT NULL DEFAULT 10
	);

	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		section_ref TEXT NOT NULL DEFAULT '',
		question_set TEXT NOT NULL DEFAULT '',
		start_at DATETIME NOT NULL,
		end_at DATETIME NOT NULL,
		join_window_seconds INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'draft',
		settings TEXT NOT NULL DEFAULT '{}',
		created_by INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		CHECK (end_at > start_at)
	);

	CREATE TABLE IF NOT EXISTS exam_questions (
		exam_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		seq_no INTEGER NOT NULL,
		PRIMARY KEY (exam_id, question_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'not_started',
		started_at DATETIME,
		submitted_at DATETIME,
		autosubmitted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (exam_id, student_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		answer TEXT NOT NULL DEFAULT 'null',
		ai_score REAL,
		teacher_score REAL,
		final_score REAL,
		final_source TEXT NOT NULL DEFAULT '',
		feedback TEXT NOT NULL DEFAULT '',
		annotations TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL,
		UNIQUE (attempt_id, question_id),
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS proctor_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT 'null',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		actor_id INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		reason TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS lock_windows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		start_at DATETIME NOT NULL,
		end_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		policy TEXT NOT NULL DEFAULT '{}',
		created_by INTEGER NOT NULL DEFAULT 0,
		overridden_by INTEGER,
		override_reason TEXT NOT NULL DEFAULT '',
		override_until DATETIME,
		CHECK (end_at > start_at)
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
	CREATE INDEX IF NOT EXISTS idx_exams_status ON exams(status);
	CREATE INDEX IF NOT EXISTS idx_proctor_events_attempt ON proctor_events(attempt_id);
	CREATE INDEX IF NOT EXISTS idx_lock_windows_scope ON lock_windows(scope, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO questions (text, topic, rubric, model_answer, max_points) VALUES (?, ?, ?, ?, ?)`,
		q.Text, q.Topic, q.Rubric, q.ModelAnswer, q.MaxPoints,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	var q model.Question
	err := s.q.QueryRowContext(ctx,
		`SELECT id, text, topic, rubric, model_answer, max_points FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.Text, &q.Topic, &q.Rubric, &q.ModelAnswer, &q.MaxPoints)
	return q, notFound(err)
}

// QuestionCount returns the number of questions in the bank.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// ListDistinctTopics returns the distinct question topics in alphabetical order.
func (s *Store) ListDistinctTopics(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT topic FROM questions WHERE topic != '' ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// ImportQuestions inserts the questions of a JSON question-bank file named
// name. A file whose sha256 was already recorded is skipped; a file that
// changed since its import is also skipped so existing exams keep their
// questions.
func (s *Store) ImportQuestions(ctx context.Context, name string, data []byte) (imported int, skipped bool, err error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	var questions []model.QuestionImport
	if err := json.Unmarshal(data, &questions); err != nil {
		return 0, false, fmt.Errorf("%w: parse %s: %v", model.ErrInvalidInput, name, err)
	}
	for i, qi := range questions {
		if qi.Text == "" || qi.MaxPoints <= 0 {
			return 0, false, fmt.Errorf("%w: %s: question %d needs text and positive max_points", model.ErrInvalidInput, name, i+1)
		}
	}

	var stored string
	err = s.InTx(ctx, func(tx *Store) error {
		stored, err = tx.GetImportedFileHash(ctx, name)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", name, err)
		}
		if stored != "" {
			return nil
		}
		for _, qi := range questions {
			if _, err := tx.InsertQuestion(ctx, model.Question{
				Text:        qi.Text,
				Topic:       qi.Topic,
				Rubric:      qi.Rubric,
				ModelAnswer: qi.ModelAnswer,
				MaxPoints:   qi.MaxPoints,
			}); err != nil {
				return fmt.Errorf("insert question from %s: %w", name, err)
			}
		}
		return tx.SetImportedFileHash(ctx, name, hash)
	})
	switch {
	case err != nil:
		return 0, false, err
	case stored == hash:
		slog.Info("questions file unchanged, skipping", "path", name)
		return 0, true, nil
	case stored != "":
		slog.Warn("questions file changed since last import, skipping to avoid breaking existing exams", "path", name)
		return 0, true, nil
	}
	slog.Info("imported questions", "path", name, "count", len(questions))
	return len(questions), false, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
