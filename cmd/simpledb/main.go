package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/stringutils"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/umputun/simpledb/pkg/config"
	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/secrets"
	"github.com/umputun/simpledb/pkg/sqldb"
)

type options struct {
	Config      string   `short:"f" long:"config" env:"SIMPLEDB_CONFIG" description:"profiles file"`
	Profiles    []string `short:"p" long:"profile" description:"profile name, repeat to run on several profiles"`
	Conn        string   `long:"conn" env:"SIMPLEDB_CONN" description:"connection string, used instead of profiles"`
	Concurrent  int      `short:"c" long:"concurrent" description:"concurrent profiles" default:"1"`
	AskPassword bool     `long:"ask-password" description:"ask password of profiles without one"`

	// secrets
	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"SIMPLEDB_SECRETS"`

	QueryCmd struct {
		Tables  []string `short:"t" long:"table" required:"true" description:"table, repeat for several"`
		Columns []string `long:"columns" description:"column, repeat for several, all if not set"`
		Joins   []string `short:"j" long:"join" description:"join as kind:table:on, i.e. left:orders:orders.uid=users.id"`
		Where   string   `short:"w" long:"where" description:"where clause"`
		Group   []string `long:"group" description:"group by column"`
		Having  string   `long:"having" description:"having clause"`
		Order   []string `short:"o" long:"order" description:"order by column"`
	} `command:"query" description:"run select built from clauses"`

	ExecCmd struct {
		Args           map[string]string `short:"a" long:"arg" key-value-delimiter:"=" description:"named parameter as name=value"`
		PositionalArgs struct {
			SQL string `positional-arg-name:"sql" description:"sql statement"`
		} `positional-args:"yes" required:"yes"`
	} `command:"exec" description:"execute sql statement, select results printed as table"`

	TablesCmd struct{} `command:"tables" description:"list tables"`

	ColumnsCmd struct {
		PositionalArgs struct {
			Table string `positional-arg-name:"table"`
		} `positional-args:"yes" required:"yes"`
	} `command:"columns" description:"show columns of the table"`

	CountCmd struct {
		PositionalArgs struct {
			Table string `positional-arg-name:"table"`
		} `positional-args:"yes" required:"yes"`
	} `command:"count" description:"count rows of the table"`

	InsertCmd struct {
		PositionalArgs struct {
			Table  string   `positional-arg-name:"table"`
			Values []string `positional-arg-name:"col=value" required:"1"`
		} `positional-args:"yes" required:"yes"`
	} `command:"insert" description:"insert a row, \\N value for NULL"`

	UpdateCmd struct {
		Where          string `short:"w" long:"where" required:"true" description:"where clause"`
		PositionalArgs struct {
			Table  string   `positional-arg-name:"table"`
			Values []string `positional-arg-name:"col=value" required:"1"`
		} `positional-args:"yes" required:"yes"`
	} `command:"update" description:"update rows matching where clause"`

	DeleteCmd struct {
		Where          string `short:"w" long:"where" description:"where clause"`
		All            bool   `long:"all" description:"delete all rows, required without where"`
		PositionalArgs struct {
			Table string `positional-arg-name:"table"`
		} `positional-args:"yes" required:"yes"`
	} `command:"delete" description:"delete rows matching where clause"`

	DropCmd struct {
		PositionalArgs struct {
			Table string `positional-arg-name:"table"`
		} `positional-args:"yes" required:"yes"`
	} `command:"drop" description:"drop the table"`

	RenameCmd struct {
		PositionalArgs struct {
			Table   string `positional-arg-name:"table"`
			NewName string `positional-arg-name:"new-name"`
		} `positional-args:"yes" required:"yes"`
	} `command:"rename" description:"rename the table"`

	IndexCmd struct {
		Name           string `long:"name" description:"index name, <col>_IDX by default"`
		PositionalArgs struct {
			Table  string `positional-arg-name:"table"`
			Column string `positional-arg-name:"column"`
		} `positional-args:"yes" required:"yes"`
	} `command:"index" description:"create index on the column"`

	VacuumCmd struct {
		PositionalArgs struct {
			Table string `positional-arg-name:"table"`
		} `positional-args:"yes"`
	} `command:"vacuum" description:"reclaim space of the table or the whole db"`

	SchemaCmd struct {
		PositionalArgs struct {
			Table string `positional-arg-name:"table"`
		} `positional-args:"yes"`
	} `command:"schema" description:"show create statements, sqlite only"`

	BackupCmd struct {
		PositionalArgs struct {
			Dest string `positional-arg-name:"dest"`
		} `positional-args:"yes" required:"yes"`
	} `command:"backup" description:"copy db file, sqlite only"`

	Version bool `long:"version" description:"show version"`
	Dry     bool `long:"dry" description:"dry run, changes rolled back"`
	Verbose bool `short:"v" long:"verbose" description:"print statements"`
	NoColor bool `long:"no-color" description:"disable colors"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"internal" choice:"vault" choice:"aws" choice:"ansible" default:"none"`

	Key  string `long:"key" env:"KEY" description:"secure key for internal secrets provider"`
	Conn string `long:"conn" env:"CONN" description:"connection string for internal secrets provider" default:"simpledb-secrets.db"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		Path   string `long:"path" env:"PATH" description:"ansible vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`
}

// target is a database to run the command on
type target struct {
	name    string
	engine  sqldb.Engine
	secrets []string
}

var revision = "latest"

// readPassword reads password from terminal without echo
var readPassword = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd())) //nolint:gosec // fd fits int
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "failed, %v\n", formatErrorString(err.Error()))
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called above
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return fmt.Errorf("can't parse arguments: %w", err)
	}
	if opts.Version {
		fmt.Fprintf(stdout, "simpledb %s\n", revision)
		return nil
	}
	if p.Active == nil {
		return errors.New("command is not set, see --help")
	}
	setupLog(opts.Dbg)

	if opts.Dry {
		msg := "dry run - changes will be rolled back"
		if !opts.NoColor {
			msg = color.New(color.FgHiRed).Sprint(msg)
		}
		fmt.Fprintln(stdout, msg)
	}

	st := time.Now()
	targets, err := makeTargets(ctx, opts)
	if err != nil {
		return err
	}
	allSecrets := []string{}
	for _, t := range targets {
		allSecrets = append(allSecrets, t.secrets...)
	}
	setupLog(opts.Dbg, allSecrets...) // mask secrets in logs

	var mu sync.Mutex
	errs := new(multierror.Error)
	wg := syncs.NewErrSizedGroup(max(opts.Concurrent, 1), syncs.Context(ctx), syncs.Preemptive)
	for _, t := range targets {
		wg.Go(func() error {
			if err := runTarget(ctx, p.Active.Name, opts, t, stdout); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("profile %s: %w", t.name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = wg.Wait()
	log.Printf("[DEBUG] completed %s on %d profiles in %v", p.Active.Name, len(targets), time.Since(st).Truncate(time.Millisecond))
	return errs.ErrorOrNil()
}

// makeTargets makes a target from --conn or from requested profiles of the config
func makeTargets(ctx context.Context, opts options) ([]target, error) {
	var res []target
	if opts.Conn != "" {
		engine, err := sqldb.ParseConn(opts.Conn)
		if err != nil {
			return nil, err
		}
		res = []target{{name: engine.Name(), engine: engine, secrets: enginePasswords(engine)}}
	}

	if opts.Conn == "" {
		secProvider, err := makeSecretsProvider(ctx, opts.SecretsProvider)
		if err != nil {
			return nil, fmt.Errorf("can't make secrets provider: %w", err)
		}
		conf, err := config.New(opts.Config, secProvider)
		if closer, ok := secProvider.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				log.Printf("[WARN] can't close secrets provider, %v", cerr)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("can't load config: %w", err)
		}

		names := stringutils.DeDup(opts.Profiles)
		if len(names) == 0 {
			names = []string{""}
		}
		for _, name := range names {
			prof, err := conf.Profile(name)
			if err != nil {
				return nil, err
			}
			engine, err := prof.NewEngine()
			if err != nil {
				return nil, fmt.Errorf("can't make engine of profile %s: %w", prof.Name, err)
			}
			res = append(res, target{name: prof.Name, engine: engine, secrets: conf.AllSecretValues()})
		}
	}

	if opts.AskPassword {
		for i, t := range res {
			pass, asked, err := askPassword(t)
			if err != nil {
				return nil, fmt.Errorf("can't read password of %s: %w", t.name, err)
			}
			if asked && pass != "" {
				res[i].secrets = append(res[i].secrets, pass)
			}
		}
	}
	return res, nil
}

// askPassword sets password of server engine if it has none
func askPassword(t target) (pass string, asked bool, err error) {
	switch e := t.engine.(type) {
	case *sqldb.MySQL:
		if e.Password != "" {
			return "", false, nil
		}
		e.Password, err = readPassword(fmt.Sprintf("password for %s@%s (%s): ", e.User, e.Host, t.name))
		return e.Password, true, err
	case *sqldb.Postgres:
		if e.Password != "" {
			return "", false, nil
		}
		e.Password, err = readPassword(fmt.Sprintf("password for %s@%s (%s): ", e.User, e.Host, t.name))
		return e.Password, true, err
	}
	return "", false, nil
}

func enginePasswords(engine sqldb.Engine) []string {
	switch e := engine.(type) {
	case *sqldb.MySQL:
		if e.Password != "" {
			return []string{e.Password}
		}
	case *sqldb.Postgres:
		if e.Password != "" {
			return []string{e.Password}
		}
	}
	return nil
}

// makeSecretsProvider creates secrets provider based on options
func makeSecretsProvider(ctx context.Context, sopts SecretsProvider) (config.SecretsProvider, error) {
	switch sopts.Provider {
	case "none", "":
		return nil, nil
	case "internal":
		return secrets.NewInternalProvider(ctx, sopts.Conn, []byte(sopts.Key))
	case "vault":
		return secrets.NewHashiVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSSecretsProvider(sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region)
	case "ansible":
		return secrets.NewAnsibleVaultProvider(sopts.Ansible.Path, sopts.Ansible.Secret)
	}
	return nil, fmt.Errorf("unknown secrets provider %q", sopts.Provider)
}

// runTarget opens target db and runs the command on it. Output goes to stdout prefixed by target name.
func runTarget(ctx context.Context, cmd string, opts options, t target, stdout io.Writer) (err error) {
	db, err := sqldb.Open(ctx, t.engine, sqldb.Opts{Name: t.name, Secrets: t.secrets, Verbose: opts.Verbose,
		Out: stdout, Monochrome: opts.NoColor})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	out := db.Out()

	reportRows := func(n int64, err error) error {
		if err != nil {
			return err
		}
		out.Printf("rows affected: %d\n", n)
		return nil
	}

	switch cmd {
	case "query":
		c := opts.QueryCmd
		sel := query.Select{Table: c.Tables, Columns: c.Columns, Where: c.Where, GroupBy: c.Group, Having: c.Having, OrderBy: c.Order}
		if sel.Joins, err = parseJoins(c.Joins); err != nil {
			return err
		}
		return printTable(ctx, db, query.Build(sel), nil, false)

	case "exec":
		stmt := opts.ExecCmd.PositionalArgs.SQL
		var values query.Values
		if len(opts.ExecCmd.Args) > 0 {
			named := query.Named{}
			for k, v := range opts.ExecCmd.Args {
				named[k] = v
			}
			values = named
		}
		if isSelect(stmt) {
			return printTable(ctx, db, stmt, values, opts.Dry)
		}
		return reportRows(db.ExecWrite(ctx, stmt, values, opts.Dry))

	case "tables":
		tables, err := db.ListTables(ctx)
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			log.Printf("[INFO] %s: no tables", t.name)
			return nil
		}
		out.Printf("%s\n", strings.Join(tables, "\n"))
		return nil

	case "columns":
		info, err := db.ColumnInfo(ctx, opts.ColumnsCmd.PositionalArgs.Table)
		if err != nil {
			return err
		}
		return writeColumns(out, info)

	case "count":
		n, err := db.NumRows(ctx, opts.CountCmd.PositionalArgs.Table)
		if err != nil {
			return err
		}
		out.Printf("%d\n", n)
		return nil

	case "insert":
		rec, err := parsePairs(opts.InsertCmd.PositionalArgs.Values)
		if err != nil {
			return err
		}
		return reportRows(db.AddRecords(ctx, opts.InsertCmd.PositionalArgs.Table, []map[string]any{rec}, opts.Dry))

	case "update":
		cols, err := parsePairs(opts.UpdateCmd.PositionalArgs.Values)
		if err != nil {
			return err
		}
		return reportRows(db.UpdateRow(ctx, opts.UpdateCmd.PositionalArgs.Table, cols, opts.UpdateCmd.Where, opts.Dry))

	case "delete":
		if opts.DeleteCmd.Where == "" && !opts.DeleteCmd.All {
			return errors.New("delete without where requires --all")
		}
		return reportRows(db.DeleteRecords(ctx, opts.DeleteCmd.PositionalArgs.Table, opts.DeleteCmd.Where, opts.Dry))

	case "drop":
		return schemaChange(opts.Dry, out, query.DropTable(opts.DropCmd.PositionalArgs.Table), func() error {
			return db.DropTable(ctx, opts.DropCmd.PositionalArgs.Table)
		})

	case "rename":
		a := opts.RenameCmd.PositionalArgs
		return schemaChange(opts.Dry, out, query.RenameTable(a.Table, a.NewName), func() error {
			return db.RenameTable(ctx, a.Table, a.NewName)
		})

	case "index":
		a := opts.IndexCmd.PositionalArgs
		return schemaChange(opts.Dry, out, query.CreateIndex(a.Table, a.Column, opts.IndexCmd.Name), func() error {
			return db.CreateIndex(ctx, a.Table, a.Column, opts.IndexCmd.Name)
		})

	case "vacuum":
		return db.Vacuum(ctx, opts.VacuumCmd.PositionalArgs.Table)

	case "schema":
		lite, ok := t.engine.(*sqldb.SQLite)
		if !ok {
			return fmt.Errorf("schema of %s: %w", t.engine.Name(), sqldb.ErrUnsupported)
		}
		stmts, err := lite.SchemaSQL(ctx, db, opts.SchemaCmd.PositionalArgs.Table)
		if err != nil {
			return err
		}
		for _, s := range stmts {
			out.Printf("%s;\n", s)
		}
		return nil

	case "backup":
		lite, ok := t.engine.(*sqldb.SQLite)
		if !ok {
			return fmt.Errorf("backup of %s: %w", t.engine.Name(), sqldb.ErrUnsupported)
		}
		return lite.Backup(ctx, db, opts.BackupCmd.PositionalArgs.Dest)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// printTable renders result of the statement and writes it at once, to keep lines of profiles together.
// On dry run the statement goes through a rolled back transaction, as it can be a data-modifying CTE
// or a statement with RETURNING.
func printTable(ctx context.Context, db *sqldb.DB, stmt string, values query.Values, dry bool) error {
	buf := bytes.NewBuffer(nil)
	var n int
	var err error
	if dry {
		n, err = db.PrintTableTx(ctx, buf, stmt, values, true)
	} else {
		n, err = db.PrintTable(ctx, buf, stmt, values)
	}
	if err != nil {
		return err
	}
	if _, err = db.Out().Write(buf.Bytes()); err != nil {
		return err
	}
	log.Printf("[DEBUG] %s: %d rows", db.Name(), n)
	return nil
}

func writeColumns(w io.Writer, info []sqldb.ColumnInfo) error {
	buf := bytes.NewBuffer(nil)
	tw := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "name\ttype\tnull\tkey\tdefault")
	for _, c := range info {
		null, key, dflt := "YES", "", "NULL"
		if c.NotNull {
			null = "NO"
		}
		if c.PrimaryKey {
			key = "PRI"
		}
		if c.Default != nil {
			dflt = *c.Default
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.Type, null, key, dflt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// schemaChange skips ddl in dry mode, printing the statement only
func schemaChange(dry bool, out sqldb.LogWriter, stmt string, fn func() error) error {
	if dry {
		out.Printf("dry run, skipped: %s\n", stmt)
		return nil
	}
	return fn()
}

// parseJoins parses joins as kind:table:on or table:on
func parseJoins(joins []string) ([]query.Join, error) {
	res := make([]query.Join, 0, len(joins))
	for _, j := range joins {
		parts := strings.SplitN(j, ":", 3)
		switch len(parts) {
		case 2:
			res = append(res, query.Join{Table: parts[0], On: parts[1]})
		case 3:
			res = append(res, query.Join{Kind: parts[0], Table: parts[1], On: parts[2]})
		default:
			return nil, fmt.Errorf("invalid join %q, kind:table:on expected", j)
		}
	}
	return res, nil
}

// parsePairs makes record from col=value list, \N value is NULL
func parsePairs(pairs []string) (map[string]any, error) {
	res := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid value %q, col=value expected", p)
		}
		if v == `\N` {
			res[strings.TrimSpace(k)] = nil
			continue
		}
		res[strings.TrimSpace(k)] = v
	}
	return res, nil
}

var selectRe = regexp.MustCompile(`(?i)^\s*(SELECT|WITH|SHOW|PRAGMA|DESCRIBE|DESC|EXPLAIN|VALUES)\b`)

// isSelect reports if statement returns rows
func isSelect(stmt string) bool {
	return selectRe.MatchString(stmt)
}

func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(\d+ errors? occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)
	if len(headerMatch) == 0 {
		return input
	}

	itemRe := regexp.MustCompile(`(?m)^\s*\* (.+)$`)
	items := itemRe.FindAllStringSubmatch(input, -1)

	res := headerMatch[1] + "\n"
	for i, m := range items {
		res += fmt.Sprintf("   [%d] %s\n", i, strings.TrimSpace(m[1]))
	}
	return res
}

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
