// Package query builds SQL statements from independent clause fragments.
// The builder does plain string formatting and doesn't escape anything, all inputs are trusted.
package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Select defines clauses of a single SELECT statement. Only non-empty clauses are rendered.
// Where, Having, GroupBy and OrderBy may be passed either bare or with the leading keyword.
type Select struct {
	Table   []string // one or more tables, joined with ", "
	Columns []string // column list, "*" if empty
	Joins   []Join   // structured joins, rendered in order
	JoinSQL string   // raw join clause, appended verbatim after Joins
	Where   string
	GroupBy []string
	Having  string
	OrderBy []string
}

// Join defines a single join, e.g. {Kind: "left", Table: "t2", On: "t1.id = t2.id"}
type Join struct {
	Kind  string // join kind, "left", "inner join", "" for plain JOIN
	Table string
	On    string
}

var (
	whereKw   = keyword("WHERE")
	groupKw   = keyword("GROUP", "BY")
	havingKw  = keyword("HAVING")
	orderKw   = keyword("ORDER", "BY")
	wordsRe   = regexp.MustCompile(`\s+`)
	emptyList = []string{}
)

// keyword makes a case-insensitive matcher for a leading sql keyword. Words of multi-word keywords
// can be separated by any whitespace, and the keyword must end at a word boundary, so "WHERE(a = 1)"
// matches and "whereabouts" doesn't.
func keyword(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^\s*` + strings.Join(words, `\s+`) + `\b`)
}

// Build makes SELECT statement from clauses, in fixed order: FROM, JOIN, WHERE, GROUP BY, HAVING, ORDER BY.
func Build(s Select) string {
	cols := strings.Join(nonEmpty(s.Columns), ", ")
	if cols == "" {
		cols = "*"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, strings.Join(nonEmpty(s.Table), ", "))

	for _, j := range s.Joins {
		fmt.Fprintf(&sb, " %s %s ON %s", j.kind(), j.Table, j.On)
	}
	if js := strings.TrimSpace(s.JoinSQL); js != "" {
		sb.WriteString(" " + js)
	}

	appendClause(&sb, "WHERE", stripKeyword(s.Where, whereKw))
	appendClause(&sb, "GROUP BY", stripKeyword(strings.Join(nonEmpty(s.GroupBy), ", "), groupKw))
	appendClause(&sb, "HAVING", stripKeyword(s.Having, havingKw))
	appendClause(&sb, "ORDER BY", stripKeyword(strings.Join(nonEmpty(s.OrderBy), ", "), orderKw))
	return sb.String()
}

// String returns SELECT statement, same as Build
func (s Select) String() string {
	return Build(s)
}

// kind returns normalized, upper-cased join kind, always ending with JOIN
func (j Join) kind() string {
	words := wordsRe.Split(strings.TrimSpace(j.Kind), -1)
	if len(words) == 1 && words[0] == "" {
		return "JOIN"
	}
	if !strings.EqualFold(words[len(words)-1], "JOIN") {
		words = append(words, "JOIN")
	}
	return strings.ToUpper(strings.Join(words, " "))
}

// Where returns where clause without the leading WHERE keyword
func Where(clause string) string {
	return stripKeyword(clause, whereKw)
}

func appendClause(sb *strings.Builder, kw, clause string) {
	if clause == "" {
		return
	}
	sb.WriteString(" " + kw + " " + clause)
}

func stripKeyword(clause string, kw *regexp.Regexp) string {
	clause = strings.TrimSpace(clause)
	if loc := kw.FindStringIndex(clause); loc != nil {
		clause = clause[loc[1]:]
	}
	return strings.TrimSpace(clause)
}

// nonEmpty drops blank elements, so a list of one empty string works as an omitted clause
func nonEmpty(list []string) []string {
	if len(list) == 0 {
		return emptyList
	}
	res := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			res = append(res, s)
		}
	}
	return res
}
