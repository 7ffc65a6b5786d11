package history

import (
	"context"
	"database/sql"
)

// Dialect selects placeholder style and column types of SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends history events to the batch_history table. The sqlite and
// postgres subpackages open the database and wrap it; the schema is created
// on construction.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle (tests).
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "id INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "id BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_history(
			` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			run_id TEXT NOT NULL,
			command TEXT NOT NULL,
			work_item_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			submitter TEXT NOT NULL,
			state TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_history_command ON batch_history(command, work_item_id);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_history_run ON batch_history(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO batch_history(occurred_at, event, run_id, command, work_item_id, title, submitter, state, message)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO batch_history(occurred_at, event, run_id, command, work_item_id, title, submitter, state, message)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9);`
	}
	r := e.Record
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), e.RunID, r.Command, r.WorkItemID, r.Title, r.Submitter, r.State, r.Message)
	return err
}

// Count returns how many events were stored for command/workItemID.
func (s *SQLSink) Count(ctx context.Context, command string, workItemID int) (int, error) {
	q := `SELECT COUNT(*) FROM batch_history WHERE command=? AND work_item_id=?;`
	if s.dialect == DialectPostgres {
		q = `SELECT COUNT(*) FROM batch_history WHERE command=$1 AND work_item_id=$2;`
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, command, workItemID).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error { return s.db.Close() }
