package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/record"
)

// DB executes statements on a single pinned connection of the engine. Not thread-safe,
// a stream returned by QueryGeneric must be exhausted or closed before the next statement.
type DB struct {
	Verbose bool // print every statement

	engine  Engine
	sqlDB   *sql.DB
	conn    *sql.Conn
	name    string
	secrets []string
	out     LogWriter

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Opts defines optional parameters of Open
type Opts struct {
	Name       string    // profile name, prefixes verbose output
	Secrets    []string  // masked in verbose output and logs
	Verbose    bool      // print every statement
	Out        io.Writer // verbose output, os.Stdout by default
	Monochrome bool      // disable colors of verbose output
}

// ExecOption customizes a single statement execution
type ExecOption func(o *execOpts)

type execOpts struct {
	verbose   bool
	errWriter io.Writer
}

// WithVerbose prints the statement to verbose output
func WithVerbose() ExecOption {
	return func(o *execOpts) { o.verbose = true }
}

// WithErrWriter writes the statement to w instead of verbose output
func WithErrWriter(w io.Writer) ExecOption {
	return func(o *execOpts) { o.errWriter = w }
}

// Open opens engine connection and pins a single connection for all statements
func Open(ctx context.Context, engine Engine, opts Opts) (*DB, error) {
	if opts.Name == "" {
		opts.Name = engine.Name()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	sqlDB, err := engine.Open(ctx)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("can't open %s: %w", engine.Name(), err), engine.Close()).ErrorOrNil()
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	closeAll := func(e error) error {
		errs := multierror.Append(e, sqlDB.Close(), engine.Close())
		return errs.ErrorOrNil()
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, closeAll(fmt.Errorf("can't get %s connection: %w", engine.Name(), err))
	}
	if err = conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, closeAll(fmt.Errorf("can't ping %s: %w", engine.Name(), err))
	}
	if ini, ok := engine.(initializer); ok {
		if err = ini.Init(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, closeAll(fmt.Errorf("can't init %s connection: %w", engine.Name(), err))
		}
	}

	log.Printf("[DEBUG] opened %s connection %q", engine.Name(), opts.Name)
	return &DB{
		Verbose: opts.Verbose,
		engine:  engine,
		sqlDB:   sqlDB,
		conn:    conn,
		name:    opts.Name,
		secrets: opts.Secrets,
		out:     NewColorizedWriter(opts.Out, opts.Name, opts.Secrets, opts.Monochrome),
	}, nil
}

// Engine returns engine of the db
func (db *DB) Engine() Engine {
	return db.engine
}

// Name returns profile name of the db
func (db *DB) Name() string {
	return db.name
}

// Out returns verbose output writer of the db, prefixed with the profile name
func (db *DB) Out() LogWriter {
	return db.out
}

// QueryGeneric executes statement with values bound and returns lazy stream of records.
// Values can be nil, query.Args or query.Named.
func (db *DB) QueryGeneric(ctx context.Context, stmt string, values query.Values, opts ...ExecOption) (*record.Rows, error) {
	if db.closed {
		return nil, ErrClosed
	}
	stmt, args, err := db.bind(stmt, values, opts)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("can't query %q: %w", stmt, err)
	}
	return record.NewRows(rows, db.engine.Normalize)
}

// Query builds select statement and executes it
func (db *DB) Query(ctx context.Context, sel query.Select, opts ...ExecOption) (*record.Rows, error) {
	return db.QueryGeneric(ctx, query.Build(sel), nil, opts...)
}

// Exec executes statement returning no rows
func (db *DB) Exec(ctx context.Context, stmt string, values query.Values, opts ...ExecOption) (sql.Result, error) {
	if db.closed {
		return nil, ErrClosed
	}
	stmt, args, err := db.bind(stmt, values, opts)
	if err != nil {
		return nil, err
	}
	res, err := db.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("can't exec %q: %w", stmt, err)
	}
	return res, nil
}

// NumRows returns number of rows in the table
func (db *DB) NumRows(ctx context.Context, table string) (int64, error) {
	rows, err := db.QueryGeneric(ctx, query.Count(table), nil)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		if rows.Err() != nil {
			return 0, rows.Err()
		}
		return 0, fmt.Errorf("no count returned for %s", table)
	}
	res, err := record.As[int64](rows.Record(), "count")
	if err != nil {
		return 0, fmt.Errorf("can't read count of %s: %w", table, err)
	}
	return res, nil
}

// ListTableColumns returns column names of the table in table order
func (db *DB) ListTableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := db.QueryGeneric(ctx, query.Limit0(table), nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns(), nil
}

// ListTables returns names of user tables
func (db *DB) ListTables(ctx context.Context) ([]string, error) {
	rows, err := db.QueryGeneric(ctx, db.engine.ListTablesSQL(), nil)
	if err != nil {
		return nil, err
	}
	res := []string{}
	for rec, err := range rows.All() {
		if err != nil {
			return nil, fmt.Errorf("can't list tables: %w", err)
		}
		if rec.Len() == 0 {
			continue
		}
		name, err := record.As[string](rec, rec.Keys()[0])
		if err != nil {
			return nil, fmt.Errorf("can't read table name: %w", err)
		}
		res = append(res, name)
	}
	return res, nil
}

// ColumnInfo returns catalog description of the table columns
func (db *DB) ColumnInfo(ctx context.Context, table string) ([]ColumnInfo, error) {
	if db.closed {
		return nil, ErrClosed
	}
	log.Printf("[DEBUG] %s: column info of %s", db.name, table)
	return db.engine.ColumnInfo(ctx, db.conn, table)
}

// ServerVersion returns version reported by the database server or library
func (db *DB) ServerVersion(ctx context.Context) (string, error) {
	return scalarString(ctx, db, db.engine.VersionSQL())
}

// Close releases the pinned connection and engine resources. Safe to call multiple times.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closed = true
		errs := new(multierror.Error)
		if err := db.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = multierror.Append(errs, fmt.Errorf("can't close connection: %w", err))
		}
		if err := db.sqlDB.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't close db: %w", err))
		}
		if err := db.engine.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't close engine: %w", err))
		}
		db.closeErr = errs.ErrorOrNil()
		log.Printf("[DEBUG] closed %s connection %q", db.engine.Name(), db.name)
	})
	return db.closeErr
}

func (db *DB) bind(stmt string, values query.Values, opts []ExecOption) (string, []any, error) {
	o := execOpts{}
	for _, opt := range opts {
		opt(&o)
	}
	if values == nil {
		values = query.Args(nil)
	}
	stmt, args, err := values.Bind(stmt, db.engine.Placeholder)
	if err != nil {
		return "", nil, fmt.Errorf("can't bind values: %w", err)
	}
	db.logStatement(stmt, args, o)
	return stmt, args, nil
}

func scalarString(ctx context.Context, db *DB, stmt string) (string, error) {
	rows, err := db.QueryGeneric(ctx, stmt, nil)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if !rows.Next() {
		if rows.Err() != nil {
			return "", rows.Err()
		}
		return "", fmt.Errorf("no result for %q", stmt)
	}
	rec := rows.Record()
	if rec.Len() == 0 {
		return "", fmt.Errorf("no columns for %q", stmt)
	}
	return record.As[string](rec, rec.Keys()[0])
}
