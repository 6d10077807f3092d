// Package config loads connection profiles from yaml or toml file. Each profile describes one database:
// engine, location, credentials and optional ssh tunnel. Passwords can be kept in a secrets provider
// and referenced by password_secret key.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-pkgz/stringutils"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/simpledb/pkg/sqldb"
	"github.com/umputun/simpledb/pkg/sshtun"
)

// EnvConfig is the environment variable with default config location
const EnvConfig = "SIMPLEDB_CONFIG"

// engine names
const (
	EngineSQLite   = "sqlite"
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(key string) (string, error)
}

// Config defines top-level config object with all the profiles
type Config struct {
	Default  string             `yaml:"default" toml:"default"` // profile used if none requested
	Profiles map[string]Profile `yaml:"profiles" toml:"profiles"`

	secretsProvider SecretsProvider
	secrets         []string
}

// Profile defines a single database connection
type Profile struct {
	Name   string `yaml:"-" toml:"-"`           // name of profile, set from the map key
	Engine string `yaml:"engine" toml:"engine"` // sqlite, mysql or postgres

	// sqlite
	Path       string `yaml:"path" toml:"path"`               // db file or :memory:, working copy for remote db
	Extension  string `yaml:"extension" toml:"extension"`     // spatial extension, "-" to skip loading
	RemotePath string `yaml:"remote_path" toml:"remote_path"` // db file on ssh host
	SyncBack   bool   `yaml:"sync_back" toml:"sync_back"`     // upload remote db back on close

	// mysql and postgres
	Host           string            `yaml:"host" toml:"host"`
	Port           int               `yaml:"port" toml:"port"`
	User           string            `yaml:"user" toml:"user"`
	Password       string            `yaml:"password" toml:"password"`
	PasswordSecret string            `yaml:"password_secret" toml:"password_secret"` // key of password in secrets provider
	Database       string            `yaml:"database" toml:"database"`
	SSLMode        string            `yaml:"sslmode" toml:"sslmode"` // postgres only
	Params         map[string]string `yaml:"params" toml:"params"`   // mysql only
	Timeout        string            `yaml:"timeout" toml:"timeout"` // connect timeout, i.e. 10s

	SSH *SSH `yaml:"ssh" toml:"ssh"` // optional ssh tunnel
}

// SSH defines ssh tunnel of the profile
type SSH struct {
	Host    string `yaml:"host" toml:"host"` // host:port, 22 by default
	User    string `yaml:"user" toml:"user"`
	Key     string `yaml:"key" toml:"key"`         // private key file, ~ expanded
	Timeout string `yaml:"timeout" toml:"timeout"` // 30s by default
}

// New loads config from the file. Empty fname means location from SIMPLEDB_CONFIG env.
// Passwords referenced by password_secret are resolved with secProvider.
func New(fname string, secProvider SecretsProvider) (*Config, error) {
	if fname == "" {
		fname = os.Getenv(EnvConfig)
	}
	if fname == "" {
		return nil, errors.New("config file is not set")
	}
	log.Printf("[DEBUG] request to load config %q", fname)

	data, err := os.ReadFile(fname) //nolint:gosec // config location from the user
	if err != nil {
		return nil, fmt.Errorf("can't read config: %w", err)
	}

	res := &Config{secretsProvider: secProvider}
	if err = unmarshalConfig(fname, data, res); err != nil {
		return nil, err
	}
	for name, p := range res.Profiles {
		p.Name = name
		p.setDefaults()
		res.Profiles[name] = p
	}

	if err = res.checkConfig(); err != nil {
		return nil, fmt.Errorf("config %s is invalid: %w", fname, err)
	}
	if err = res.loadSecrets(); err != nil {
		return nil, err
	}

	log.Printf("[INFO] config loaded with %d profiles", len(res.Profiles))
	return res, nil
}

// unmarshalConfig decodes yaml (strict mode) or toml, format picked by file extension
func unmarshalConfig(fname string, data []byte, res *Config) error {
	switch ext := strings.ToLower(filepath.Ext(fname)); ext {
	case ".yml", ".yaml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err := dec.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal yaml config %s: %w", fname, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal toml config %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown config format %s", fname)
	}
	return nil
}

// Profile returns profile by name, default profile for empty name.
// Default is the only profile if config has just one and default is not set.
func (c *Config) Profile(name string) (Profile, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" && len(c.Profiles) == 1 {
		for _, p := range c.Profiles {
			return p, nil
		}
	}
	if name == "" {
		return Profile{}, errors.New("profile is not set and no default profile")
	}
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

// ProfileNames returns sorted names of all profiles
func (c *Config) ProfileNames() []string {
	res := make([]string, 0, len(c.Profiles))
	for k := range c.Profiles {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// AllSecretValues returns all resolved passwords, used to mask them in output
func (c *Config) AllSecretValues() []string {
	res := make([]string, 0, len(c.secrets))
	res = append(res, c.secrets...)
	for _, p := range c.Profiles {
		if p.Password != "" {
			res = append(res, p.Password)
		}
	}
	res = stringutils.DeDup(res)
	sort.Strings(res)
	return res
}

// checkConfig checks all profiles and collects all the problems
func (c *Config) checkConfig() error {
	if len(c.Profiles) == 0 {
		return errors.New("no profiles defined")
	}
	errs := new(multierror.Error)
	if c.Default != "" {
		if _, ok := c.Profiles[c.Default]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("default profile %q not found", c.Default))
		}
	}
	for _, name := range c.ProfileNames() {
		if err := c.Profiles[name].validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("profile %q: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}

// loadSecrets resolves password_secret of all profiles with the secrets provider
func (c *Config) loadSecrets() error {
	for _, name := range c.ProfileNames() {
		p := c.Profiles[name]
		if p.PasswordSecret == "" {
			continue
		}
		if c.secretsProvider == nil {
			return fmt.Errorf("profile %q uses password_secret, but secrets provider is not set", name)
		}
		val, err := c.secretsProvider.Get(p.PasswordSecret)
		if err != nil {
			return fmt.Errorf("can't get secret %q of profile %q: %w", p.PasswordSecret, name, err)
		}
		p.Password = val
		c.Profiles[name] = p
		c.secrets = append(c.secrets, val)
	}
	return nil
}

func (p *Profile) setDefaults() {
	p.Engine = strings.ToLower(strings.TrimSpace(p.Engine))
	if p.Engine == "postgresql" {
		p.Engine = EnginePostgres
	}
	if p.Port == 0 {
		switch p.Engine {
		case EngineMySQL:
			p.Port = 3306
		case EnginePostgres:
			p.Port = 5432
		}
	}
}

// validate returns all problems of the profile
func (p Profile) validate() error {
	errs := new(multierror.Error)
	switch p.Engine {
	case EngineSQLite:
		if p.Path == "" && p.RemotePath == "" {
			errs = multierror.Append(errs, errors.New("sqlite path is not set"))
		}
		if p.RemotePath != "" && p.SSH == nil {
			errs = multierror.Append(errs, errors.New("remote_path requires ssh"))
		}
	case EngineMySQL, EnginePostgres:
		if p.Host == "" {
			errs = multierror.Append(errs, errors.New("host is not set"))
		}
		if p.Database == "" {
			errs = multierror.Append(errs, errors.New("database is not set"))
		}
	case "":
		errs = multierror.Append(errs, errors.New("engine is not set"))
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown engine %q", p.Engine))
	}

	if p.Password != "" && p.PasswordSecret != "" {
		errs = multierror.Append(errs, errors.New("both password and password_secret set"))
	}
	if _, err := parseDuration(p.Timeout); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid timeout: %w", err))
	}
	if p.SSH != nil {
		if p.SSH.Host == "" {
			errs = multierror.Append(errs, errors.New("ssh host is not set"))
		}
		if p.SSH.User == "" {
			errs = multierror.Append(errs, errors.New("ssh user is not set"))
		}
		if _, err := parseDuration(p.SSH.Timeout); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid ssh timeout: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// NewEngine makes engine for the profile, with ssh tunnel if profile has ssh section
func (p Profile) NewEngine() (sqldb.Engine, error) {
	timeout, err := parseDuration(p.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}

	var tunnel *sshtun.Tunnel
	if p.SSH != nil {
		sshTimeout, err := parseDuration(p.SSH.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh timeout: %w", err)
		}
		tunnel, err = sshtun.New(sshtun.Opts{Host: p.SSH.Host, User: p.SSH.User, KeyFile: expandHome(p.SSH.Key),
			Timeout: sshTimeout})
		if err != nil {
			return nil, fmt.Errorf("can't make ssh tunnel for %s: %w", p.Name, err)
		}
	}

	switch p.Engine {
	case EngineSQLite:
		return &sqldb.SQLite{Path: p.Path, Extension: p.Extension, Remote: tunnel, RemotePath: p.RemotePath,
			SyncBack: p.SyncBack}, nil
	case EngineMySQL:
		return &sqldb.MySQL{Host: p.Host, Port: p.Port, User: p.User, Password: p.Password, Database: p.Database,
			Params: p.Params, Tunnel: tunnel, Timeout: timeout}, nil
	case EnginePostgres:
		return &sqldb.Postgres{Host: p.Host, Port: p.Port, User: p.User, Password: p.Password, Database: p.Database,
			SSLMode: p.SSLMode, Tunnel: tunnel, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", p.Engine)
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("[WARN] can't get home directory, %v", err)
		return path
	}
	return filepath.Join(home, path[2:])
}
