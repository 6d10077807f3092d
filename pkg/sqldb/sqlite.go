package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/go-pkgz/fileutils"
	"github.com/hashicorp/go-multierror"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/record"
	"github.com/umputun/simpledb/pkg/sshtun"
)

// DefaultSpatialExtension is loaded by sqlite engine unless Extension set
const DefaultSpatialExtension = "mod_spatialite"

// NoExtension disables loading of the spatial extension
const NoExtension = "-"

// SQLite engine works with a local db file, in-memory db or a db file on a remote host.
// Remote db is downloaded over sftp on open and uploaded back on close if SyncBack set.
type SQLite struct {
	Path       string         // db file, ":memory:" for in-memory db. Working copy path for remote db, temp file if empty.
	Extension  string         // spatial extension to load, DefaultSpatialExtension if empty, NoExtension to skip
	Remote     *sshtun.Tunnel // remote host with the db file
	RemotePath string         // db file on the remote host
	SyncBack   bool           // upload working copy back on close

	tempCopy   bool
	opened     bool
	spatialite bool
}

// Name returns engine name
func (s *SQLite) Name() string { return "sqlite" }

// Placeholder returns "?"
func (s *SQLite) Placeholder(n int) string { return query.QuestionMark(n) }

// Open opens db file, downloading it first for remote db
func (s *SQLite) Open(ctx context.Context) (*sql.DB, error) {
	if s.Remote != nil {
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if s.Path == "" {
		return nil, errors.New("sqlite path is not set")
	}

	db, err := sqliteOpen(s.Path, s.extension())
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite %s: %w", s.Path, err)
	}
	s.opened = true
	return db, nil
}

// Init applies pragmas and checks if spatial extension is available on the connection
func (s *SQLite) Init(ctx context.Context, conn *sql.Conn) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s.spatialite = false
	if s.extension() == "" {
		return nil
	}
	var ver string
	if err := conn.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&ver); err != nil {
		log.Printf("[WARN] spatial extension %s could not be loaded, %v", s.extension(), err)
		return nil
	}
	log.Printf("[DEBUG] spatialite %s loaded", ver)
	s.spatialite = true
	return nil
}

// HasSpatialite returns true if spatial extension loaded
func (s *SQLite) HasSpatialite() bool { return s.spatialite }

// ListTablesSQL returns statement listing user tables
func (s *SQLite) ListTablesSQL() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
}

// ColumnInfo returns columns of the table from PRAGMA table_info
func (s *SQLite) ColumnInfo(ctx context.Context, q Querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info('%s')", strings.ReplaceAll(table, "'", "''")))
	if err != nil {
		return nil, fmt.Errorf("can't get columns of %s: %w", table, err)
	}
	defer rows.Close()

	res := []ColumnInfo{}
	for rows.Next() {
		var ci ColumnInfo
		var dflt sql.NullString
		var notNull, pk int
		if err := rows.Scan(&ci.Position, &ci.Name, &ci.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("can't scan column of %s: %w", table, err)
		}
		ci.NotNull, ci.PrimaryKey = notNull != 0, pk != 0
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

// VacuumSQL returns VACUUM, sqlite vacuums the whole db
func (s *SQLite) VacuumSQL(string) string { return "VACUUM" }

// VersionSQL returns statement reporting sqlite version
func (s *SQLite) VersionSQL() string { return "SELECT sqlite_version()" }

// Supports reports optional capabilities, sqlite has neither DROP COLUMN nor per-table VACUUM
func (s *SQLite) Supports(Feature) bool { return false }

// Normalize converts text kept as []byte to string, blobs stay []byte
func (s *SQLite) Normalize(ct *sql.ColumnType, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch t := strings.ToUpper(ct.DatabaseTypeName()); {
	case t == "" || strings.Contains(t, "BLOB"):
		return b
	default:
		return string(b)
	}
}

// Close uploads working copy of the remote db if SyncBack set and removes temp copy
func (s *SQLite) Close() error {
	if s.Remote == nil {
		return nil
	}
	errs := new(multierror.Error)
	if s.opened && s.SyncBack {
		if err := s.Remote.Upload(context.Background(), s.Path, s.RemotePath); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't upload %s: %w", s.RemotePath, err))
		}
	}
	if s.tempCopy {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("can't remove working copy: %w", err))
		}
	}
	if err := s.Remote.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close tunnel: %w", err))
	}
	s.opened = false
	return errs.ErrorOrNil()
}

// SchemaSQL returns statements used to create the db objects, for a single table if table is not empty
func (s *SQLite) SchemaSQL(ctx context.Context, db *DB, table string) ([]string, error) {
	stmt, values := "SELECT sql FROM sqlite_master WHERE sql IS NOT NULL ORDER BY rowid", query.Values(nil)
	if table != "" {
		stmt = "SELECT sql FROM sqlite_master WHERE sql IS NOT NULL AND tbl_name = :table ORDER BY rowid"
		values = query.Named{"table": table}
	}
	rows, err := db.QueryGeneric(ctx, stmt, values)
	if err != nil {
		return nil, err
	}
	res := []string{}
	for rec, err := range rows.All() {
		if err != nil {
			return nil, fmt.Errorf("can't read schema: %w", err)
		}
		sqlText, err := record.As[string](rec, "sql")
		if err != nil {
			return nil, err
		}
		res = append(res, sqlText)
	}
	return res, nil
}

// Version returns sqlite library version
func (s *SQLite) Version(ctx context.Context, db *DB) (string, error) {
	return db.ServerVersion(ctx)
}

// SpatialiteVersion returns version of loaded spatial extension, ErrUnsupported if not loaded
func (s *SQLite) SpatialiteVersion(ctx context.Context, db *DB) (string, error) {
	if !s.spatialite {
		return "", fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	return scalarString(ctx, db, "SELECT spatialite_version()")
}

// InitSpatialite creates spatial metadata tables. Mode is "all", "wgs84" or "empty".
func (s *SQLite) InitSpatialite(ctx context.Context, db *DB, mode string) error {
	if !s.spatialite {
		return fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	stmt := "SELECT InitSpatialMetadata(1)"
	switch strings.ToLower(mode) {
	case "empty", "wgs84":
		stmt = fmt.Sprintf("SELECT InitSpatialMetadata(1, '%s')", strings.ToUpper(mode))
	case "", "all":
	default:
		return fmt.Errorf("unknown spatial metadata mode %q", mode)
	}
	_, err := scalarString(ctx, db, stmt)
	return err
}

// AddGeometryColumn adds spatialite geometry column to the table
func (s *SQLite) AddGeometryColumn(ctx context.Context, db *DB, table string, g GeometryColumn) error {
	if !s.spatialite {
		return fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	g = g.withDefaults()
	notNull := 0
	if g.NotNull {
		notNull = 1
	}
	stmt := fmt.Sprintf("SELECT AddGeometryColumn('%s', '%s', %d, '%s', '%s', %d)", table, g.Name, g.SRID, g.Type, g.Dim, notNull)
	_, err := scalarString(ctx, db, stmt)
	return err
}

// DiscardGeometryColumn removes spatialite metadata of geometry column, data stays untouched
func (s *SQLite) DiscardGeometryColumn(ctx context.Context, db *DB, table, col string) error {
	if !s.spatialite {
		return fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	if col == "" {
		col = "geom"
	}
	_, err := scalarString(ctx, db, fmt.Sprintf("SELECT DiscardGeometryColumn('%s', '%s')", table, col))
	return err
}

// PointColumns names coordinate columns used to make point geometries
type PointColumns struct {
	X, Y string
	Z    string // optional, geometry column has to be XYZ or XYZM
	Geom string // "geom" by default
}

// CreatePointsFromColumns sets geometry column of rows matching where to points made from coordinate columns.
// Rows with NULL coordinates are skipped. Srid 0 means 4326 (WGS84).
func (s *SQLite) CreatePointsFromColumns(ctx context.Context, db *DB, table string, pc PointColumns, where string,
	srid int, dryRun bool) (int64, error) {
	if !s.spatialite {
		return 0, fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	cols := []string{"rowid", pc.X, pc.Y}
	if pc.Z != "" {
		cols = append(cols, pc.Z)
	}
	rows, err := db.Query(ctx, query.Select{Table: []string{table}, Columns: cols, Where: where})
	if err != nil {
		return 0, err
	}
	recs, err := rows.Collect()
	if err != nil {
		return 0, fmt.Errorf("can't read coordinates: %w", err)
	}

	wkts := make(map[int64]string, len(recs))
	for _, rec := range recs {
		vals := rec.Values()
		rowid, err := record.As[int64](rec, "rowid")
		if err != nil {
			return 0, err
		}
		wkt, ok := pointWKT(vals[1:]...)
		if !ok {
			log.Printf("[DEBUG] no coordinates for %s rowid %d", table, rowid)
			continue
		}
		wkts[rowid] = wkt
	}
	return s.SetGeometryFromWKT(ctx, db, table, pc.Geom, wkts, srid, dryRun)
}

// SetGeometryFromWKT sets geometry column of rows, identified by rowid, from WKT texts.
// Srid 0 means 4326 (WGS84).
func (s *SQLite) SetGeometryFromWKT(ctx context.Context, db *DB, table, col string, wkts map[int64]string,
	srid int, dryRun bool) (int64, error) {
	if !s.spatialite {
		return 0, fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	if col == "" {
		col = "geom"
	}
	if srid == 0 {
		srid = 4326
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = GeomFromText(:wkt, %d) WHERE rowid = :rowid", table, col, srid)

	var total int64
	err := db.inTx(ctx, dryRun, func(tx *sql.Tx) error {
		for _, rowid := range slices.Sorted(maps.Keys(wkts)) {
			bound, args, err := query.Named{"wkt": wkts[rowid], "rowid": rowid}.Bind(stmt, s.Placeholder)
			if err != nil {
				return err
			}
			n, err := db.txExec(ctx, tx, bound, args)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GeometryTypes returns distinct geometry types stored in the column, i.e. POINT or "POLYGON XYZ"
func (s *SQLite) GeometryTypes(ctx context.Context, db *DB, table, col string) ([]string, error) {
	if !s.spatialite {
		return nil, fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	if col == "" {
		col = "geom"
	}
	rows, err := db.Query(ctx, query.Select{Table: []string{table},
		Columns: []string{fmt.Sprintf("DISTINCT GeometryType(%s) AS geom_type", col)},
		Where:   col + " IS NOT NULL", OrderBy: []string{"geom_type"}})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		gt, err := record.As[string](rows.Record(), "geom_type")
		if err != nil {
			return nil, err
		}
		res = append(res, gt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read geometry types: %w", err)
	}
	return res, nil
}

// CompressGeometry replaces geometries of the column with compressed ones
func (s *SQLite) CompressGeometry(ctx context.Context, db *DB, table, col string, dryRun bool) (int64, error) {
	if !s.spatialite {
		return 0, fmt.Errorf("spatialite: %w", ErrUnsupported)
	}
	if col == "" {
		col = "geom"
	}
	return db.ExecWrite(ctx, fmt.Sprintf("UPDATE %s SET %s = CompressGeometry(%s)", table, col, col), nil, dryRun)
}

// pointWKT makes POINT or POINTZ text from 2 or 3 coordinates, false if any of them is NULL
func pointWKT(coords ...any) (string, bool) {
	parts := make([]string, len(coords))
	for i, c := range coords {
		switch v := c.(type) {
		case nil:
			return "", false
		case []byte:
			parts[i] = string(v)
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	if len(parts) == 3 {
		return "POINTZ(" + strings.Join(parts, " ") + ")", true
	}
	return "POINT(" + strings.Join(parts, " ") + ")", true
}

// UpdateColumn sets col of rows matching where, in order, to values. Number of matched rows must be equal to
// number of values. Rows are identified by rowid.
func (s *SQLite) UpdateColumn(ctx context.Context, db *DB, table, col string, values []any, where, order string, dryRun bool) (int64, error) {
	if order == "" {
		order = "rowid"
	}
	rows, err := db.Query(ctx, query.Select{Table: []string{table}, Columns: []string{"rowid"}, Where: where, OrderBy: []string{order}})
	if err != nil {
		return 0, err
	}
	recs, err := rows.Collect()
	if err != nil {
		return 0, fmt.Errorf("can't read row ids: %w", err)
	}
	if len(recs) != len(values) {
		return 0, fmt.Errorf("%d rows matched, %d values", len(recs), len(values))
	}

	var total int64
	err = db.inTx(ctx, dryRun, func(tx *sql.Tx) error {
		for i, rec := range recs {
			stmt, args, err := query.Named{"value": values[i], "rowid": rec.Values()[0]}.Bind(
				fmt.Sprintf("UPDATE %s SET %s = :value WHERE rowid = :rowid", table, col), s.Placeholder)
			if err != nil {
				return err
			}
			n, err := db.txExec(ctx, tx, stmt, args)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Backup checkpoints the db and copies db file to dst
func (s *SQLite) Backup(ctx context.Context, db *DB, dst string) error {
	if s.Path == "" || s.Path == ":memory:" || strings.Contains(s.Path, "mode=memory") {
		return fmt.Errorf("backup of in-memory db: %w", ErrUnsupported)
	}
	if _, err := db.Exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)", nil); err != nil {
		return fmt.Errorf("can't checkpoint: %w", err)
	}
	if err := fileutils.CopyFile(sqliteFile(s.Path), dst); err != nil {
		return fmt.Errorf("can't copy %s to %s: %w", s.Path, dst, err)
	}
	log.Printf("[INFO] sqlite db %s copied to %s", s.Path, dst)
	return nil
}

// GeometryColumn defines spatialite geometry column
type GeometryColumn struct {
	Name    string // "geom" by default
	Type    string // POINT, LINESTRING, POLYGON, MULTIPOINT, MULTILINESTRING, MULTIPOLYGON or GEOMETRY
	SRID    int    // 4326 (WGS84) by default
	Dim     string // XY, XYZ, XYM or XYZM
	NotNull bool
}

func (g GeometryColumn) withDefaults() GeometryColumn {
	if g.Name == "" {
		g.Name = "geom"
	}
	if g.Type == "" {
		g.Type = "POINT"
	}
	if g.SRID == 0 {
		g.SRID = 4326
	}
	if g.Dim == "" {
		g.Dim = "XY"
	}
	return g
}

func (s *SQLite) extension() string {
	switch s.Extension {
	case NoExtension:
		return ""
	case "":
		return DefaultSpatialExtension
	default:
		return s.Extension
	}
}

// fetch downloads remote db to the working copy
func (s *SQLite) fetch(ctx context.Context) error {
	if s.RemotePath == "" {
		return errors.New("remote sqlite path is not set")
	}
	if s.Path == "" {
		tmp, err := fileutils.TempFileName("", "simpledb-*.db")
		if err != nil {
			return fmt.Errorf("can't make working copy name: %w", err)
		}
		s.Path, s.tempCopy = tmp, true
	}
	if err := s.Remote.Download(ctx, s.RemotePath, s.Path); err != nil {
		return fmt.Errorf("can't download %s: %w", s.RemotePath, err)
	}
	return nil
}

// sqliteFile strips file: prefix and uri parameters
func sqliteFile(path string) string {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return path
}
