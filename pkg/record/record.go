// Package record provides a read-only, name-keyed view of fetched rows and a lazy single-pass row stream.
package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound returned on lookup of a column missing in the record
	ErrNotFound = errors.New("column not found")
	// ErrReadOnly returned by the record write methods, records can't be written back
	ErrReadOnly = errors.New("record is read-only")
)

// Record is a single fetched row. Values are copied from the cursor, record doesn't hold any db resources.
type Record struct {
	keys   []string
	values []any
	index  map[string]int
}

// Item is a column name and value pair
type Item struct {
	Key   string
	Value any
}

// New makes a record from column names and values, both must be the same length
func New(keys []string, values []any) (Record, error) {
	if len(keys) != len(values) {
		return Record{}, fmt.Errorf("can't make record, %d keys and %d values", len(keys), len(values))
	}
	res := Record{keys: keys, values: values, index: make(map[string]int, len(keys))}
	for i, k := range keys {
		if _, dup := res.index[k]; !dup { // first column wins, like in "SELECT a.id, b.id"
			res.index[k] = i
		}
	}
	return res, nil
}

// FromMap makes a record from a map, keys sorted
func FromMap(m map[string]any) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	res, _ := New(keys, values)
	return res
}

// Get returns column value by name, ErrNotFound if there is no such column
func (r Record) Get(name string) (any, error) {
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.values[i], nil
}

// GetOr returns column value by name or def if there is no such column
func (r Record) GetOr(name string, def any) any {
	if i, ok := r.index[name]; ok {
		return r.values[i]
	}
	return def
}

// Has checks if record has the column
func (r Record) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Len returns number of columns
func (r Record) Len() int {
	return len(r.keys)
}

// Keys returns column names in result order
func (r Record) Keys() []string {
	res := make([]string, len(r.keys))
	copy(res, r.keys)
	return res
}

// Values returns column values in result order
func (r Record) Values() []any {
	res := make([]any, len(r.values))
	copy(res, r.values)
	return res
}

// Items returns name/value pairs in result order
func (r Record) Items() []Item {
	res := make([]Item, len(r.keys))
	for i, k := range r.keys {
		res[i] = Item{Key: k, Value: r.values[i]}
	}
	return res
}

// Map returns record as a plain map
func (r Record) Map() map[string]any {
	res := make(map[string]any, len(r.keys))
	for i, k := range r.keys {
		if _, ok := res[k]; !ok {
			res[k] = r.values[i]
		}
	}
	return res
}

// String returns record as "{key1: val1, key2: val2}"
func (r Record) String() string {
	parts := make([]string, len(r.keys))
	for i, k := range r.keys {
		parts[i] = fmt.Sprintf("%s: %v", k, r.values[i])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Update is not supported, records are read-only. Use db write helpers instead.
func (r Record) Update(string) error {
	return ErrReadOnly
}

// Insert is not supported, records are read-only. Use db write helpers instead.
func (r Record) Insert(string) error {
	return ErrReadOnly
}
