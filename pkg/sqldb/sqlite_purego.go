//go:build !cgo_sqlite

// Pure go sqlite driver, used by default. Can't load extensions.

package sqldb

import (
	"database/sql"
	"log"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteDriverName = "sqlite"

func sqliteOpen(path, ext string) (*sql.DB, error) {
	if ext != "" {
		log.Printf("[DEBUG] %s driver can't load extension %s, build with cgo_sqlite tag", sqliteDriverName, ext)
	}
	return sql.Open(sqliteDriverName, path)
}
