// Package history хранит итоги рассылок и результаты по каждому получателю в PostgreSQL.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Стандартный драйвер PostgreSQL
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pure-golang/bulkmail/bulk"
)

// outcomeChunk ограничивает число строк в одном INSERT:
// 7 параметров на строку, у PostgreSQL предел 65535 параметров.
const outcomeChunk = 1000

const schema = `
CREATE TABLE IF NOT EXISTS bulkmail_runs (
	id           TEXT PRIMARY KEY,
	provider     TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	total        INTEGER NOT NULL,
	successful   INTEGER NOT NULL,
	failed       INTEGER NOT NULL,
	success_rate TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bulkmail_outcomes (
	run_id     TEXT NOT NULL REFERENCES bulkmail_runs(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	email      TEXT NOT NULL,
	success    BOOLEAN NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL,
	PRIMARY KEY (run_id, position)
);
CREATE INDEX IF NOT EXISTS bulkmail_runs_started_at_idx ON bulkmail_runs (started_at DESC);`

const (
	insertRun = `INSERT INTO bulkmail_runs
	(id, provider, success, total, successful, failed, success_rate, started_at, finished_at)
	VALUES (:id, :provider, :success, :total, :successful, :failed, :success_rate, :started_at, :finished_at)`

	insertOutcomes = `INSERT INTO bulkmail_outcomes
	(run_id, position, email, success, message_id, error, attempts)
	VALUES (:run_id, :position, :email, :success, :message_id, :error, :attempts)`

	selectRuns = `SELECT id, provider, success, total, successful, failed, success_rate, started_at, finished_at
	FROM bulkmail_runs ORDER BY started_at DESC LIMIT $1`

	selectRun = `SELECT id, provider, success, total, successful, failed, success_rate, started_at, finished_at
	FROM bulkmail_runs WHERE id = $1`

	selectFailures = `SELECT run_id, position, email, success, message_id, error, attempts
	FROM bulkmail_outcomes WHERE run_id = $1 AND NOT success ORDER BY position`
)

// Run это строка таблицы bulkmail_runs
type Run struct {
	ID          string    `db:"id"`
	Provider    string    `db:"provider"`
	Success     bool      `db:"success"`
	Total       int       `db:"total"`
	Successful  int       `db:"successful"`
	Failed      int       `db:"failed"`
	SuccessRate string    `db:"success_rate"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
}

// Outcome это строка таблицы bulkmail_outcomes
type Outcome struct {
	RunID     string `db:"run_id"`
	Position  int    `db:"position"`
	Email     string `db:"email"`
	Success   bool   `db:"success"`
	MessageID string `db:"message_id"`
	Error     string `db:"error"`
	Attempts  int    `db:"attempts"`
}

// Store хранит журнал рассылок
type Store struct {
	db  *sqlx.DB
	cfg Config
}

// Connect создает новое соединение с базой данных PostgreSQL
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	ctx, span := startSpan(ctx, "Connect", "")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.host", cfg.Host),
		attribute.Int("db.port", cfg.Port),
		attribute.String("db.name", cfg.Database),
	)

	if !cfg.Enabled() {
		err := errors.New("postgres host is empty")
		recordError(span, err)
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		recordError(span, err)
		return nil, errors.Wrap(err, "failed to connect to PostgreSQL")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db, cfg), nil
}

// New оборачивает готовое соединение
func New(db *sqlx.DB, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// Close закрывает соединение с базой данных
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database connection")
	}
	return nil
}

// Migrate создаёт таблицы, если их нет
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := startSpan(ctx, "Migrate", "")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		recordError(span, err)
		return errors.Wrap(err, "failed to migrate history schema")
	}
	return nil
}

// SaveRun сохраняет итог рассылки и все результаты в одной транзакции
func (s *Store) SaveRun(ctx context.Context, sum *bulk.Summary) error {
	if sum == nil {
		return errors.New("summary is nil")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := startSpan(ctx, "SaveRun", "")
	defer span.End()
	span.SetAttributes(
		attribute.String("bulkmail.run_id", sum.RunID),
		attribute.Int("bulkmail.outcomes", len(sum.Outcomes)),
	)

	err := s.runTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertRun, runFromSummary(sum)); err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(ErrDuplicateRun, sum.RunID)
			}
			return errors.Wrap(err, "failed to insert run")
		}

		rows := outcomesFromSummary(sum)
		for start := 0; start < len(rows); start += outcomeChunk {
			end := min(start+outcomeChunk, len(rows))
			if _, err := tx.NamedExecContext(ctx, insertOutcomes, rows[start:end]); err != nil {
				return errors.Wrapf(err, "failed to insert outcomes %d-%d", start, end)
			}
		}
		return nil
	})
	recordError(span, err)
	return err
}

// Runs возвращает последние рассылки, новые первыми
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := startSpan(ctx, "Runs", selectRuns)
	defer span.End()

	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, selectRuns, limit); err != nil {
		recordError(span, err)
		return nil, errors.Wrap(err, "failed to select runs")
	}
	return runs, nil
}

// Run возвращает рассылку по идентификатору
func (s *Store) Run(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := startSpan(ctx, "Run", selectRun)
	defer span.End()

	var run Run
	if err := s.db.GetContext(ctx, &run, selectRun, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrRunNotFound, id)
		}
		recordError(span, err)
		return nil, errors.Wrap(err, "failed to select run")
	}
	return &run, nil
}

// Failures возвращает неудачные результаты рассылки в исходном порядке
func (s *Store) Failures(ctx context.Context, runID string) ([]Outcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := startSpan(ctx, "Failures", selectFailures)
	defer span.End()

	var failures []Outcome
	if err := s.db.SelectContext(ctx, &failures, selectFailures, runID); err != nil {
		recordError(span, err)
		return nil, errors.Wrap(err, "failed to select failures")
	}
	return failures, nil
}

// runTx выполняет функцию в рамках транзакции
func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	// Автоматический Rollback при панике или ошибке
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Wrap(err, rbErr.Error())
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// withTimeout добавляет таймаут к контексту
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

func runFromSummary(sum *bulk.Summary) Run {
	return Run{
		ID:          sum.RunID,
		Provider:    sum.Provider,
		Success:     sum.Success,
		Total:       sum.Total,
		Successful:  sum.Successful,
		Failed:      sum.Failed,
		SuccessRate: sum.SuccessRate,
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
	}
}

func outcomesFromSummary(sum *bulk.Summary) []Outcome {
	rows := make([]Outcome, len(sum.Outcomes))
	for i, o := range sum.Outcomes {
		rows[i] = Outcome{
			RunID:     sum.RunID,
			Position:  i,
			Email:     o.Email,
			Success:   o.Success,
			MessageID: o.MessageID,
			Error:     o.Error,
			Attempts:  o.Attempts,
		}
	}
	return rows
}
