package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/sshtun"
)

// Postgres engine connects to postgres server, directly or via ssh tunnel
type Postgres struct {
	Database string
	Host     string
	Port     int // 5432 by default
	User     string
	Password string
	SSLMode  string // "disable" by default
	Tunnel   *sshtun.Tunnel
	Timeout  time.Duration
}

const pgColumnsSQL = `SELECT c.ordinal_position, c.column_name, c.data_type, c.is_nullable = 'NO', c.column_default,
	EXISTS (
		SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = c.table_schema
			AND tc.table_name = c.table_name AND kcu.column_name = c.column_name
	)
FROM information_schema.columns c
WHERE c.table_schema = 'public' AND c.table_name = $1
ORDER BY c.ordinal_position`

// Name returns engine name
func (p *Postgres) Name() string { return "postgres" }

// Placeholder returns $n
func (p *Postgres) Placeholder(n int) string { return query.Dollar(n) }

// Open makes connector for the server
func (p *Postgres) Open(context.Context) (*sql.DB, error) {
	if p.Host == "" {
		return nil, errors.New("postgres host is not set")
	}
	connector, err := pq.NewConnector(p.dsn())
	if err != nil {
		return nil, fmt.Errorf("can't make postgres connector: %w", err)
	}
	if p.Tunnel != nil {
		connector.Dialer(p.Tunnel)
	}
	return sql.OpenDB(connector), nil
}

// dsn returns connection url
func (p *Postgres) dsn() string {
	port := p.Port
	if port == 0 {
		port = 5432
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	params := url.Values{}
	params.Set("sslmode", sslMode)
	if p.Timeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(int(p.Timeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(port)),
		Path:     "/" + p.Database,
		RawQuery: params.Encode(),
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
		if p.Password == "" {
			u.User = url.User(p.User)
		}
	}
	return u.String()
}

// ListTablesSQL returns statement listing base tables of public schema
func (p *Postgres) ListTablesSQL() string {
	return "SELECT table_name FROM information_schema.tables " +
		"WHERE table_type = 'BASE TABLE' AND table_schema = 'public' ORDER BY table_name"
}

// ColumnInfo returns columns of the table from information_schema
func (p *Postgres) ColumnInfo(ctx context.Context, q Querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, pgColumnsSQL, table)
	if err != nil {
		return nil, fmt.Errorf("can't get columns of %s: %w", table, err)
	}
	defer rows.Close()

	res := []ColumnInfo{}
	for rows.Next() {
		var ci ColumnInfo
		var dflt sql.NullString
		if err := rows.Scan(&ci.Position, &ci.Name, &ci.Type, &ci.NotNull, &dflt, &ci.PrimaryKey); err != nil {
			return nil, fmt.Errorf("can't scan column of %s: %w", table, err)
		}
		if dflt.Valid {
			ci.Default = &dflt.String
		}
		res = append(res, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read columns of %s: %w", table, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no such table %s", table)
	}
	return res, nil
}

// VacuumSQL returns VACUUM for the table or the whole db
func (p *Postgres) VacuumSQL(table string) string {
	if table == "" {
		return "VACUUM"
	}
	return "VACUUM " + table
}

// VersionSQL returns statement reporting server version
func (p *Postgres) VersionSQL() string { return "SHOW server_version" }

// Supports reports optional capabilities
func (p *Postgres) Supports(f Feature) bool {
	return f == FeatureDropColumn || f == FeatureVacuumTable
}

// Normalize converts numeric, uuid, json and other text values returned as []byte to string, bytea stays []byte
func (p *Postgres) Normalize(ct *sql.ColumnType, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if strings.EqualFold(ct.DatabaseTypeName(), "BYTEA") {
		return b
	}
	return string(b)
}

// Close closes ssh tunnel, if any
func (p *Postgres) Close() error {
	if p.Tunnel == nil {
		return nil
	}
	return p.Tunnel.Close()
}
