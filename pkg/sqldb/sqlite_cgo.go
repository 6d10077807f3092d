//go:build cgo_sqlite

// CGO sqlite driver, used with cgo_sqlite build tag. Loads spatial extension on connect.
//
// Build with: go build -tags cgo_sqlite
// Requires: CGO_ENABLED=1

package sqldb

import (
	"database/sql"
	"log"
	"sync"

	"github.com/mattn/go-sqlite3"
)

const sqliteDriverName = "sqlite3"

var registered sync.Map // extension -> driver name

func sqliteOpen(path, ext string) (*sql.DB, error) {
	if ext == "" {
		return sql.Open(sqliteDriverName, path)
	}

	name := sqliteDriverName + "_" + ext
	if _, loaded := registered.LoadOrStore(ext, name); !loaded {
		sql.Register(name, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				// missing extension is not fatal, checked on init
				if err := conn.LoadExtension(ext, ""); err != nil {
					log.Printf("[DEBUG] can't load extension %s: %v", ext, err)
				}
				return nil
			},
		})
	}
	return sql.Open(name, path)
}
