package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder returns driver-specific parameter placeholder for 1-based position n
type Placeholder func(n int) string

// QuestionMark is a placeholder used by sqlite and mysql
func QuestionMark(int) string { return "?" }

// Dollar is a placeholder used by postgres, $1, $2, ...
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Column defines a column for CREATE TABLE and ADD COLUMN statements.
// Type is passed as is, check the engine docs for supported types.
type Column struct {
	Name       string `yaml:"name" toml:"name"`
	Type       string `yaml:"type" toml:"type"`
	NotNull    bool   `yaml:"not_null" toml:"not_null"`
	Default    string `yaml:"default" toml:"default"` // raw sql default, e.g. 0 or 'abc'
	PrimaryKey bool   `yaml:"primary_key" toml:"primary_key"`
}

// Definition returns column definition, i.e. "id INTEGER NOT NULL PRIMARY KEY"
func (c Column) Definition() string {
	res := c.Name
	if c.Type != "" {
		res += " " + c.Type
	}
	if c.Default != "" {
		res += " DEFAULT " + c.Default
	}
	if c.NotNull {
		res += " NOT NULL"
	}
	if c.PrimaryKey {
		res += " PRIMARY KEY"
	}
	return res
}

// CreateTable makes CREATE TABLE statement
func CreateTable(table string, cols []Column) string {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, c.Definition())
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
}

// DropTable makes DROP TABLE statement
func DropTable(table string) string {
	return "DROP TABLE " + table
}

// RenameTable makes ALTER TABLE ... RENAME TO statement
func RenameTable(table, newName string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", table, newName)
}

// AddColumn makes ALTER TABLE ... ADD COLUMN statement
func AddColumn(table string, col Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col.Definition())
}

// DropColumn makes ALTER TABLE ... DROP COLUMN statement
func DropColumn(table, col string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, col)
}

// CreateIndex makes CREATE INDEX statement. Index named <col>_IDX if name is empty.
func CreateIndex(table, col, name string) string {
	if name == "" {
		name = col + "_IDX"
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, col)
}

// Insert makes INSERT statement with a placeholder for each column
func Insert(table string, cols []string, ph Placeholder) string {
	phs := make([]string, len(cols))
	for i := range cols {
		phs[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(phs, ", "))
}

// Update makes UPDATE statement with a placeholder for each column.
// Empty where updates all rows.
func Update(table string, cols []string, where string, ph Placeholder) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = " + ph(i+1)
	}
	res := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if w := Where(where); w != "" {
		res += " WHERE " + w
	}
	return res
}

// Delete makes DELETE statement. Empty where deletes all rows!
func Delete(table, where string) string {
	res := "DELETE FROM " + table
	if w := Where(where); w != "" {
		res += " WHERE " + w
	}
	return res
}

// Count makes statement counting rows of the table, result column named "count"
func Count(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", table)
}

// Limit0 makes statement returning no rows but all the columns of the table
func Limit0(table string) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT 0", table)
}
