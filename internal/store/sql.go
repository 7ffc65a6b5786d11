package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
)

// Dialect selects placeholder style and DDL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQL implements Repository on database/sql for SQLite and PostgreSQL.
// Queries are written with '?' placeholders and rebound for postgres.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// DB exposes the underlying handle (tests, migrations).
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) EnsureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	journalID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
		journalID = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS work_items(
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS work_item_steps(
			work_item_id INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			step_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			PRIMARY KEY(work_item_id, ord)
		);`,
		`CREATE TABLE IF NOT EXISTS step_scripts(
			work_item_id INTEGER NOT NULL,
			step_ord INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			args TEXT NULL,
			PRIMARY KEY(work_item_id, step_ord, ord)
		);`,
		`CREATE TABLE IF NOT EXISTS work_item_journal(
			` + journalID + `,
			work_item_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			author TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_work_item_journal_item ON work_item_journal(work_item_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) WorkItem(ctx context.Context, id int) (WorkItem, error) {
	w := WorkItem{ID: id}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT title FROM work_items WHERE id=?;`), id).Scan(&w.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, apperrors.NotFound("store.WorkItem", fmt.Sprintf("work item %d", id))
	}
	if err != nil {
		return WorkItem{}, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT ord, step_id, title FROM work_item_steps
		WHERE work_item_id=? ORDER BY ord;`), id)
	if err != nil {
		return WorkItem{}, err
	}
	byOrd := make(map[int]int)
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Order, &st.ID, &st.Title); err != nil {
			_ = rows.Close()
			return WorkItem{}, err
		}
		byOrd[st.Order] = len(w.Steps)
		w.Steps = append(w.Steps, st)
	}
	if err := closeRows(rows); err != nil {
		return WorkItem{}, err
	}

	rows, err = s.db.QueryContext(ctx, s.rebind(`
		SELECT step_ord, name, path, args FROM step_scripts
		WHERE work_item_id=? ORDER BY step_ord, ord;`), id)
	if err != nil {
		return WorkItem{}, err
	}
	for rows.Next() {
		var (
			stepOrd int
			sc      Script
			args    sql.NullString
		)
		if err := rows.Scan(&stepOrd, &sc.Name, &sc.Path, &args); err != nil {
			_ = rows.Close()
			return WorkItem{}, err
		}
		if args.Valid {
			if err := json.Unmarshal([]byte(args.String), &sc.Args); err != nil {
				_ = rows.Close()
				return WorkItem{}, fmt.Errorf("decode args of script %q: %w", sc.Name, err)
			}
		}
		if i, ok := byOrd[stepOrd]; ok {
			w.Steps[i].Scripts = append(w.Steps[i].Scripts, sc)
		}
	}
	if err := closeRows(rows); err != nil {
		return WorkItem{}, err
	}
	return w, nil
}

func (s *SQL) ScriptsFor(ctx context.Context, id int) (map[string]string, error) {
	w, err := s.WorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.ScriptMap(), nil
}

// PutWorkItem replaces the work item together with all its steps and scripts.
func (s *SQL) PutWorkItem(ctx context.Context, item WorkItem) error {
	if item.ID <= 0 {
		return apperrors.Validation("store.PutWorkItem", "work item id must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO work_items(id, title) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title;`), item.ID, item.Title); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM step_scripts WHERE work_item_id=?;`), item.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM work_item_steps WHERE work_item_id=?;`), item.ID); err != nil {
		return err
	}
	for _, st := range item.Steps {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO work_item_steps(work_item_id, ord, step_id, title) VALUES(?, ?, ?, ?);`),
			item.ID, st.Order, st.ID, st.Title); err != nil {
			return err
		}
		for i, sc := range st.Scripts {
			var args any
			if sc.Args != nil {
				b, err := json.Marshal(sc.Args)
				if err != nil {
					return err
				}
				args = string(b)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO step_scripts(work_item_id, step_ord, ord, name, path, args) VALUES(?, ?, ?, ?, ?, ?);`),
				item.ID, st.Order, i, sc.Name, sc.Path, args); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *SQL) AddJournal(ctx context.Context, e JournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO work_item_journal(work_item_id, level, message, author, created_at)
		VALUES(?, ?, ?, ?, ?);`),
		e.WorkItemID, e.Level, e.Message, e.Author, e.CreatedAt.UTC())
	return err
}

func (s *SQL) Journal(ctx context.Context, id int) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT work_item_id, level, message, author, created_at FROM work_item_journal
		WHERE work_item_id=? ORDER BY id;`), id)
	if err != nil {
		return nil, err
	}
	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.WorkItemID, &e.Level, &e.Message, &e.Author, &e.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	return out, closeRows(rows)
}

func (s *SQL) Close() error { return s.db.Close() }

// rebind converts '?' placeholders to $1..$n for postgres.
func (s *SQL) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}
