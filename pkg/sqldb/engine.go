// Package sqldb implements executor of sql statements over sqlite, mysql and postgres.
// DB runs statements on a single pinned connection and returns lazy record streams,
// engines adapt driver specifics: connection, placeholders, catalog and value normalization.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
)

var (
	// ErrUnsupported returned for operations not supported by the engine
	ErrUnsupported = errors.New("not supported by engine")
	// ErrClosed returned on use of closed db
	ErrClosed = errors.New("db closed")
)

// Feature is an optional engine capability
type Feature int

// enum of optional capabilities
const (
	FeatureDropColumn Feature = iota
	FeatureVacuumTable
)

// Engine adapts database driver
type Engine interface {
	Name() string
	Open(ctx context.Context) (*sql.DB, error)
	Placeholder(n int) string
	ListTablesSQL() string
	ColumnInfo(ctx context.Context, q Querier, table string) ([]ColumnInfo, error)
	VacuumSQL(table string) string
	VersionSQL() string
	Normalize(ct *sql.ColumnType, v any) any
	Supports(f Feature) bool
	Close() error
}

// Querier is implemented by sql.DB, sql.Conn and sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// initializer is implemented by engines doing per-connection setup after open
type initializer interface {
	Init(ctx context.Context, conn *sql.Conn) error
}

// ColumnInfo describes table column as reported by the catalog
type ColumnInfo struct {
	Position   int
	Name       string
	Type       string
	NotNull    bool
	Default    *string
	PrimaryKey bool
	Extra      string
}
