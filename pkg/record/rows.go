package record

import (
	"database/sql"
	"fmt"
	"iter"
)

// Normalizer converts a raw driver value of the column to the value kept in the record,
// i.e. []byte text to string
type Normalizer func(ct *sql.ColumnType, v any) any

// Rows is a lazy single-pass stream of records over a db cursor.
// The cursor is closed on exhaustion, on error or by Close. Not thread-safe.
type Rows struct {
	rows   *sql.Rows
	cols   []string
	types  []*sql.ColumnType
	norm   Normalizer
	cur    Record
	err    error
	closed bool
}

// NewRows wraps cursor, norm can be nil
func NewRows(rows *sql.Rows, norm Normalizer) (*Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("can't get columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("can't get column types: %w", err)
	}
	return &Rows{rows: rows, cols: cols, types: types, norm: norm}, nil
}

// Next advances to the next record, returns false when exhausted or failed. Check Err after.
func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	if !r.rows.Next() {
		r.err = r.rows.Err()
		r.close()
		return false
	}

	values := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = fmt.Errorf("can't scan row: %w", err)
		r.close()
		return false
	}
	if r.norm != nil {
		for i, v := range values {
			values[i] = r.norm(r.types[i], v)
		}
	}

	rec, err := New(r.cols, values)
	if err != nil {
		r.err = err
		r.close()
		return false
	}
	r.cur = rec
	return true
}

// Record returns current record, valid after Next returned true
func (r *Rows) Record() Record {
	return r.cur
}

// Err returns error happened during iteration, if any
func (r *Rows) Err() error {
	return r.err
}

// Columns returns result column names
func (r *Rows) Columns() []string {
	res := make([]string, len(r.cols))
	copy(res, r.cols)
	return res
}

// ColumnTypes returns result column types as reported by the driver
func (r *Rows) ColumnTypes() []*sql.ColumnType {
	return r.types
}

// Close releases the cursor, safe to call multiple times
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rows.Close()
}

func (r *Rows) close() {
	if err := r.Close(); err != nil && r.err == nil {
		r.err = fmt.Errorf("can't close rows: %w", err)
	}
}

// All returns iterator over remaining records. Breaking out of the loop closes the cursor.
// Iteration error is yielded last with an empty record.
func (r *Rows) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for r.Next() {
			if !yield(r.cur, nil) {
				r.close()
				return
			}
		}
		if r.err != nil {
			yield(Record{}, r.err)
		}
	}
}

// Collect reads all remaining records
func (r *Rows) Collect() ([]Record, error) {
	res := []Record{}
	for r.Next() {
		res = append(res, r.cur)
	}
	return res, r.err
}
