package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/record"
)

// CreateTable creates table with given columns
func (db *DB) CreateTable(ctx context.Context, table string, cols []query.Column) error {
	if len(cols) == 0 {
		return fmt.Errorf("can't create table %s without columns", table)
	}
	return db.execDDL(ctx, query.CreateTable(table, cols))
}

// DropTable drops the table
func (db *DB) DropTable(ctx context.Context, table string) error {
	return db.execDDL(ctx, query.DropTable(table))
}

// RenameTable renames the table
func (db *DB) RenameTable(ctx context.Context, table, newName string) error {
	return db.execDDL(ctx, query.RenameTable(table, newName))
}

// AddColumn adds column to the table
func (db *DB) AddColumn(ctx context.Context, table string, col query.Column) error {
	return db.execDDL(ctx, query.AddColumn(table, col))
}

// DeleteColumn drops column of the table, ErrUnsupported for engines without DROP COLUMN
func (db *DB) DeleteColumn(ctx context.Context, table, col string) error {
	if !db.engine.Supports(FeatureDropColumn) {
		log.Printf("[WARN] %s: can't drop column %s.%s, %s doesn't support it", db.name, table, col, db.engine.Name())
		return fmt.Errorf("drop column %s.%s: %w", table, col, ErrUnsupported)
	}
	return db.execDDL(ctx, query.DropColumn(table, col))
}

// CreateIndex creates index on the table column, named <col>_IDX if name is empty
func (db *DB) CreateIndex(ctx context.Context, table, col, name string) error {
	return db.execDDL(ctx, query.CreateIndex(table, col, name))
}

// Vacuum reclaims space of the table. Engines without per-table vacuum process the whole db.
// Runs outside of transaction.
func (db *DB) Vacuum(ctx context.Context, table string) error {
	if table != "" && !db.engine.Supports(FeatureVacuumTable) {
		log.Printf("[DEBUG] %s: %s vacuums the whole database", db.name, db.engine.Name())
	}
	stmt := db.engine.VacuumSQL(table)
	if stmt == "" {
		return fmt.Errorf("vacuum: %w", ErrUnsupported)
	}
	_, err := db.Exec(ctx, stmt, nil)
	return err
}

// AddRecords inserts records into the table. Columns of each record inserted in sorted order.
// Returns number of inserted rows, nothing is written on dryRun.
func (db *DB) AddRecords(ctx context.Context, table string, recs []map[string]any, dryRun bool) (int64, error) {
	var total int64
	err := db.inTx(ctx, dryRun, func(tx *sql.Tx) error {
		for _, rec := range recs {
			cols, args := sortedColumns(rec)
			n, err := db.txExec(ctx, tx, query.Insert(table, cols, db.engine.Placeholder), args)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// AddStructs inserts a slice of structs into the table, columns taken from `db` field tags
func (db *DB) AddStructs(ctx context.Context, table string, items any, dryRun bool) (int64, error) {
	rval := reflect.ValueOf(items)
	if rval.Kind() != reflect.Slice {
		return 0, fmt.Errorf("can't add %T, slice of structs expected", items)
	}
	recs := make([]map[string]any, 0, rval.Len())
	for i := range rval.Len() {
		rec, err := record.StructMap(rval.Index(i).Interface())
		if err != nil {
			return 0, fmt.Errorf("item %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return db.AddRecords(ctx, table, recs, dryRun)
}

// DeleteRecords deletes rows matching where clause. Empty where deletes all rows!
func (db *DB) DeleteRecords(ctx context.Context, table, where string, dryRun bool) (int64, error) {
	var res int64
	err := db.inTx(ctx, dryRun, func(tx *sql.Tx) (err error) {
		res, err = db.txExec(ctx, tx, query.Delete(table, where), nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	return res, nil
}

// UpdateRow sets columns of rows matching where clause. Empty where updates all rows!
func (db *DB) UpdateRow(ctx context.Context, table string, cols map[string]any, where string, dryRun bool) (int64, error) {
	if len(cols) == 0 {
		return 0, fmt.Errorf("can't update %s, no columns", table)
	}
	var res int64
	err := db.inTx(ctx, dryRun, func(tx *sql.Tx) (err error) {
		names, args := sortedColumns(cols)
		res, err = db.txExec(ctx, tx, query.Update(table, names, where, db.engine.Placeholder), args)
		return err
	})
	if err != nil {
		return 0, err
	}
	return res, nil
}

// UpdateRows updates each record by its idCol value, all in one transaction
func (db *DB) UpdateRows(ctx context.Context, table string, recs []map[string]any, idCol string, dryRun bool) (int64, error) {
	var total int64
	err := db.inTx(ctx, dryRun, func(tx *sql.Tx) error {
		for i, rec := range recs {
			id, ok := rec[idCol]
			if !ok {
				return fmt.Errorf("record %d has no id column %s", i, idCol)
			}
			cols := make(map[string]any, len(rec))
			for k, v := range rec {
				if k != idCol {
					cols[k] = v
				}
			}
			if len(cols) == 0 {
				continue
			}
			names, args := sortedColumns(cols)
			where := idCol + " = " + db.engine.Placeholder(len(names)+1)
			n, err := db.txExec(ctx, tx, query.Update(table, names, where, db.engine.Placeholder), append(args, id))
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// UpdateColumns is UpdateRows for column-oriented data, every column holds values for the same rows
// as idCol does.
func (db *DB) UpdateColumns(ctx context.Context, table string, cols map[string][]any, idCol string, dryRun bool) (int64, error) {
	ids, ok := cols[idCol]
	if !ok {
		return 0, fmt.Errorf("no id column %s", idCol)
	}
	recs := make([]map[string]any, len(ids))
	for i := range ids {
		recs[i] = make(map[string]any, len(cols))
	}
	for name, vals := range cols {
		if len(vals) != len(ids) {
			return 0, fmt.Errorf("column %s has %d values, %d expected", name, len(vals), len(ids))
		}
		for i, v := range vals {
			recs[i][name] = v
		}
	}
	return db.UpdateRows(ctx, table, recs, idCol, dryRun)
}

// ExecWrite executes a single data changing statement in a transaction and returns rows affected.
// Nothing is written on dryRun.
func (db *DB) ExecWrite(ctx context.Context, stmt string, values query.Values, dryRun bool) (int64, error) {
	if values == nil {
		values = query.Args(nil)
	}
	stmt, args, err := values.Bind(stmt, db.engine.Placeholder)
	if err != nil {
		return 0, fmt.Errorf("can't bind values: %w", err)
	}
	var res int64
	err = db.inTx(ctx, dryRun, func(tx *sql.Tx) (err error) {
		res, err = db.txExec(ctx, tx, stmt, args)
		return err
	})
	if err != nil {
		return 0, err
	}
	return res, nil
}

// execDDL runs schema change in its own transaction
func (db *DB) execDDL(ctx context.Context, stmt string) error {
	return db.inTx(ctx, false, func(tx *sql.Tx) error {
		_, err := db.txExec(ctx, tx, stmt, nil)
		return err
	})
}

// inTx runs fn in a transaction on the pinned connection. Rolls back on error or dryRun, commits otherwise.
func (db *DB) inTx(ctx context.Context, dryRun bool, fn func(tx *sql.Tx) error) error {
	if db.closed {
		return ErrClosed
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("can't begin transaction: %w", err)
	}

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return multierror.Append(err, fmt.Errorf("can't rollback: %w", rbErr))
		}
		return err
	}

	if dryRun {
		log.Printf("[INFO] %s: dry run, changes rolled back", db.name)
		if err = tx.Rollback(); err != nil {
			return fmt.Errorf("can't rollback: %w", err)
		}
		return nil
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("can't commit: %w", err)
	}
	return nil
}

// txExec runs statement in tx and returns rows affected
func (db *DB) txExec(ctx context.Context, tx *sql.Tx, stmt string, args []any) (int64, error) {
	db.logStatement(stmt, args, execOpts{})
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("can't exec %q: %w", stmt, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // not reported for ddl by some drivers
	}
	return n, nil
}

func sortedColumns(rec map[string]any) (cols []string, args []any) {
	cols = make([]string, 0, len(rec))
	for k := range rec {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args = make([]any, len(cols))
	for i, c := range cols {
		args[i] = rec[c]
	}
	return cols, args
}
