package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/scriptbatch/internal/store"
)

// New opens a SQLite work item repository (modernc.org/sqlite driver, CGO-free).
// path is a filesystem path to the database file or ":memory:".
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: serialises writers and keeps ":memory:" databases shared
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQL(d, store.DialectSQLite), nil
}
