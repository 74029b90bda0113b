package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultTableName = "delivery_attempts"
	dialectPostgres  = "postgres"
	colID            = "id"
	colMessageID     = "message_id"
	colTypeName      = "type_name"
	colEndpoint      = "endpoint"
	colAttempt       = "attempt"
	colOutcome       = "outcome"
	colError         = "error"
	colDurationMS    = "duration_ms"
	colRecordedAt    = "recorded_at"
)

var (
	// ErrBuildingQueryFailed is returned when goqu cannot render a statement
	ErrBuildingQueryFailed = errors.New("journal: building query failed")
	// ErrQueryFailed is returned when the database rejects a statement
	ErrQueryFailed = errors.New("journal: query failed")
)

// DB is the subset of *pgxpool.Pool the journal needs
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresJournal stores attempts in a Postgres table
type PostgresJournal struct {
	db     DB
	table  string
	logger *slog.Logger
}

// PostgresOption configures the Postgres journal
type PostgresOption func(*PostgresJournal)

// WithTableName overrides the table name
func WithTableName(name string) PostgresOption {
	return func(j *PostgresJournal) {
		j.table = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PostgresOption {
	return func(j *PostgresJournal) {
		j.logger = logger
	}
}

// NewPostgresJournal creates a journal over db, usually a *pgxpool.Pool
func NewPostgresJournal(db DB, opts ...PostgresOption) *PostgresJournal {
	j := &PostgresJournal{
		db:     db,
		table:  defaultTableName,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EnsureSchema creates the table and index when missing
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	%[2]s uuid PRIMARY KEY,
	%[3]s text NOT NULL,
	%[4]s text NOT NULL,
	%[5]s text NOT NULL,
	%[6]s integer NOT NULL,
	%[7]s text NOT NULL,
	%[8]s text NOT NULL DEFAULT '',
	%[9]s bigint NOT NULL DEFAULT 0,
	%[10]s timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_%[3]s_idx ON %[1]s (%[3]s, %[10]s)`,
		pgx.Identifier{j.table}.Sanitize(), colID, colMessageID, colTypeName, colEndpoint,
		colAttempt, colOutcome, colError, colDurationMS, colRecordedAt)

	if _, err := j.db.Exec(ctx, ddl); err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}

// Record implements Journal
func (j *PostgresJournal) Record(ctx context.Context, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.At.IsZero() {
		attempt.At = time.Now()
	}

	query, args, err := j.buildInsert(attempt)
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(ctx, query, args...); err != nil {
		j.logger.Error("failed to record delivery attempt", "error", err, "messageId", attempt.MessageID)
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}

// ByMessageID implements Journal
func (j *PostgresJournal) ByMessageID(ctx context.Context, messageID string) ([]Attempt, error) {
	query, args, err := j.buildSelect(messageID)
	if err != nil {
		return nil, err
	}

	rows, err := j.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			outcome    string
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.TypeName, &a.Endpoint, &a.Number, &outcome, &a.Error, &durationMS, &a.At); err != nil {
			return nil, errors.Join(ErrQueryFailed, err)
		}
		a.Outcome = Outcome(outcome)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	return out, nil
}

// Purge implements Journal
func (j *PostgresJournal) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := j.buildPurge(cutoff)
	if err != nil {
		return 0, err
	}
	tag, err := j.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, errors.Join(ErrQueryFailed, err)
	}
	return int(tag.RowsAffected()), nil
}

func (j *PostgresJournal) buildInsert(a Attempt) (string, []any, error) {
	stmt := goqu.Dialect(dialectPostgres).
		Insert(j.table).
		Prepared(true).
		Rows(goqu.Record{
			colID:         a.ID,
			colMessageID:  a.MessageID,
			colTypeName:   a.TypeName,
			colEndpoint:   a.Endpoint,
			colAttempt:    a.Number,
			colOutcome:    string(a.Outcome),
			colError:      a.Error,
			colDurationMS: a.Duration.Milliseconds(),
			colRecordedAt: a.At.UTC(),
		})

	query, args, err := stmt.ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return query, args, nil
}

func (j *PostgresJournal) buildSelect(messageID string) (string, []any, error) {
	stmt := goqu.Dialect(dialectPostgres).
		From(j.table).
		Prepared(true).
		Select(colID, colMessageID, colTypeName, colEndpoint, colAttempt, colOutcome, colError, colDurationMS, colRecordedAt).
		Where(goqu.C(colMessageID).Eq(messageID)).
		Order(goqu.I(colRecordedAt).Asc(), goqu.I(colAttempt).Asc())

	query, args, err := stmt.ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return query, args, nil
}

func (j *PostgresJournal) buildPurge(cutoff time.Time) (string, []any, error) {
	stmt := goqu.Dialect(dialectPostgres).
		Delete(j.table).
		Prepared(true).
		Where(goqu.C(colRecordedAt).Lt(cutoff.UTC()))

	query, args, err := stmt.ToSQL()
	if err != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, err)
	}
	return query, args, nil
}
