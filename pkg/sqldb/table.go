package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/record"
)

// PrintTable executes statement and writes the result to w as an aligned text table,
// columns in result order. Returns number of printed rows.
func (db *DB) PrintTable(ctx context.Context, w io.Writer, stmt string, values query.Values, opts ...ExecOption) (int, error) {
	rows, err := db.QueryGeneric(ctx, stmt, values, opts...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	return WriteTable(w, rows)
}

// PrintTableTx is PrintTable for statements that may change data, i.e. data-modifying CTE or RETURNING.
// Runs in a transaction, changes are rolled back on dryRun.
func (db *DB) PrintTableTx(ctx context.Context, w io.Writer, stmt string, values query.Values, dryRun bool) (int, error) {
	stmt, args, err := db.bind(stmt, values, nil)
	if err != nil {
		return 0, err
	}
	var count int
	err = db.inTx(ctx, dryRun, func(tx *sql.Tx) error {
		cursor, err := tx.QueryContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("can't query %q: %w", stmt, err)
		}
		rows, err := record.NewRows(cursor, db.engine.Normalize)
		if err != nil {
			return err
		}
		defer rows.Close()
		count, err = WriteTable(w, rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// WriteTable writes all remaining records of rows to w as a text table
func WriteTable(w io.Writer, rows *record.Rows) (int, error) {
	cols := rows.Columns()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	sep := make([]string, len(cols))
	for i, c := range cols {
		sep[i] = strings.Repeat("-", max(len(c), 3))
	}
	fmt.Fprintln(tw, strings.Join(sep, "\t"))

	count := 0
	cells := make([]string, len(cols))
	for rec, err := range rows.All() {
		if err != nil {
			return count, err
		}
		for i, v := range rec.Values() {
			cells[i] = FormatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		count++
	}
	if err := tw.Flush(); err != nil {
		return count, fmt.Errorf("can't write table: %w", err)
	}
	return count, nil
}

// FormatValue renders db value for text output, NULL for nil
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(val))
	case time.Time:
		return val.Format(time.RFC3339)
	case string:
		return strings.NewReplacer("\t", " ", "\n", " ").Replace(val)
	default:
		return fmt.Sprint(val)
	}
}
