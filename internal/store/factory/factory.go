package factory

import (
	"errors"
	"strings"

	"github.com/loykin/scriptbatch/internal/store"
	pg "github.com/loykin/scriptbatch/internal/store/postgres"
	sq "github.com/loykin/scriptbatch/internal/store/sqlite"
)

// NewFromDSN selects a repository implementation based on DSN.
// Supported:
//   - memory:   "memory" or "memory://"
//   - sqlite:   "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Repository, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if ld == "memory" || ld == "memory://" {
		return store.NewMemory(), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	// default to sqlite path
	return sq.New(d)
}
