package query

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mitranim/sqlp"
)

// Values binds parameters to a statement, converting placeholders to the driver's syntax if needed
type Values interface {
	Bind(sql string, ph Placeholder) (string, []any, error)
}

// Args are positional parameters, the statement should already use the driver's placeholder syntax
type Args []any

// Named are named parameters, referenced in the statement as :name
type Named map[string]any

var (
	// ErrMissingParam returned when a statement references a named parameter without a value
	ErrMissingParam = errors.New("missing named parameter")
	// ErrUnusedParam returned when a named parameter is not referenced by the statement
	ErrUnusedParam = errors.New("unused named parameter")
)

// Bind returns statement and args unchanged
func (a Args) Bind(sql string, _ Placeholder) (string, []any, error) {
	return sql, a, nil
}

// Bind rewrites :name parameters to ph placeholders and returns args in placeholder order.
// For numbered placeholders ($1) a repeated name reuses its position, for "?" the value is repeated.
func (n Named) Bind(sql string, ph Placeholder) (res string, args []any, err error) {
	defer func() {
		// sqlp panics on malformed input
		if r := recover(); r != nil {
			res, args, err = "", nil, fmt.Errorf("can't parse statement: %v", r)
		}
	}()

	reuse := ph(1) != ph(2)
	positions := map[string]int{}
	tokenizer := sqlp.Tokenizer{Source: sql}
	buf := make([]byte, 0, len(sql))

	for {
		node := tokenizer.Next()
		if node == nil {
			break
		}

		switch node := node.(type) {
		case sqlp.NodeNamedParam:
			name := string(node)
			val, ok := n[name]
			if !ok {
				return "", nil, fmt.Errorf("%w %q", ErrMissingParam, name)
			}
			pos, seen := positions[name]
			if !seen || !reuse {
				args = append(args, val)
				pos = len(args)
				positions[name] = pos
			}
			buf = append(buf, ph(pos)...)
		case sqlp.NodeOrdinalParam:
			return "", nil, fmt.Errorf("can't mix ordinal parameter $%d with named parameters", int(node))
		default:
			node.Append(&buf)
		}
	}

	if len(positions) != len(n) {
		unused := []string{}
		for k := range n {
			if _, ok := positions[k]; !ok {
				unused = append(unused, k)
			}
		}
		sort.Strings(unused)
		return "", nil, fmt.Errorf("%w %q", ErrUnusedParam, unused)
	}
	return string(buf), args, nil
}
