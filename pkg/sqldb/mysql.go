package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/sshtun"
)

// MySQL engine connects to mysql server, directly or via ssh tunnel
type MySQL struct {
	Database string
	Host     string
	Port     int // 3306 by default
	User     string
	Password string
	Params   map[string]string // extra connection parameters
	Tunnel   *sshtun.Tunnel
	Timeout  time.Duration
}

// Name returns engine name
func (m *MySQL) Name() string { return "mysql" }

// Placeholder returns "?"
func (m *MySQL) Placeholder(n int) string { return query.QuestionMark(n) }

// Open makes connector for the server
func (m *MySQL) Open(context.Context) (*sql.DB, error) {
	if m.Host == "" {
		return nil, errors.New("mysql host is not set")
	}
	port := m.Port
	if port == 0 {
		port = 3306
	}

	cfg := mysql.NewConfig()
	cfg.User = m.User
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.Host, strconv.Itoa(port))
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.Params = m.Params
	if m.Timeout > 0 {
		cfg.Timeout = m.Timeout
	}

	if m.Tunnel != nil {
		cfg.Net = tunnelNetwork(m.Tunnel)
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("can't make mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// dial funcs are registered in the driver globally and can't be removed, so each tunnel gets one network name
var tunnelNets = struct {
	sync.Mutex
	names map[*sshtun.Tunnel]string
}{names: map[*sshtun.Tunnel]string{}}

// tunnelNetwork returns mysql network name dialing through the tunnel, registers it on the first call
func tunnelNetwork(tun *sshtun.Tunnel) string {
	tunnelNets.Lock()
	defer tunnelNets.Unlock()
	if name, ok := tunnelNets.names[tun]; ok {
		return name
	}
	name := "ssh-" + uuid.NewString()
	mysql.RegisterDialContext(name, func(ctx context.Context, addr string) (net.Conn, error) {
		return tun.DialContext(ctx, "tcp", addr)
	})
	tunnelNets.names[tun] = name
	return name
}

// ListTablesSQL returns SHOW TABLES
func (m *MySQL) ListTablesSQL() string { return "SHOW TABLES" }

// ColumnInfo returns columns of the table from DESCRIBE
func (m *MySQL) ColumnInfo(ctx context.Context, q Querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, "DESCRIBE "+table)
	if err != nil {
		return nil, fmt.Errorf("can't describe %s: %w", table, err)
	}
	defer rows.Close()

	res := []ColumnInfo{}
	for rows.Next() {
		var field, typ, null, key, extra string
		var dflt sql.NullString
		if err := rows.Scan(&field, &typ, &null, &key, &dflt, &extra); err != nil {
			return nil, fmt.Errorf("can't scan column of %s: %w", table, err)
		}
		ci := ColumnInfo{Position: len(res), Name: field, Type: typ, NotNull: strings.EqualFold(null, "NO"),
			PrimaryKey: key == "PRI", Extra: extra}
		if dflt.Valid {
			ci.Default = &dflt.String
		}
		res = append(res, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read columns of %s: %w", table, err)
	}
	return res, nil
}

// VacuumSQL returns OPTIMIZE TABLE for the table
func (m *MySQL) VacuumSQL(table string) string {
	if table == "" {
		return ""
	}
	return "OPTIMIZE TABLE " + table
}

// VersionSQL returns statement reporting server version
func (m *MySQL) VersionSQL() string { return "SELECT VERSION()" }

// Supports reports optional capabilities
func (m *MySQL) Supports(f Feature) bool {
	return f == FeatureDropColumn || f == FeatureVacuumTable
}

// Normalize converts text returned as []byte to string, and integers to int64. Binary types stay []byte.
func (m *MySQL) Normalize(ct *sql.ColumnType, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	t := strings.ToUpper(ct.DatabaseTypeName())
	switch {
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BINARY"), t == "BIT", t == "GEOMETRY":
		return b
	case strings.Contains(t, "INT"):
		if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return n
		}
		return string(b)
	default:
		return string(b)
	}
}

// Close closes ssh tunnel, if any
func (m *MySQL) Close() error {
	if m.Tunnel == nil {
		return nil
	}
	return m.Tunnel.Close()
}
