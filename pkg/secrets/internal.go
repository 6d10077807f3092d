package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umputun/simpledb/pkg/query"
	"github.com/umputun/simpledb/pkg/record"
	"github.com/umputun/simpledb/pkg/sqldb"
)

const secretsTable = "simpledb_secrets"

// InternalProvider keeps secrets encrypted in a table of sqlite, postgres or mysql database
type InternalProvider struct {
	db  *sqldb.DB
	key []byte
	mu  sync.Mutex
}

// NewInternalProvider opens the database by connection string and makes the secrets table if missing
func NewInternalProvider(ctx context.Context, conn string, key []byte) (*InternalProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("empty secrets key")
	}
	engine, err := sqldb.ParseConn(conn)
	if err != nil {
		return nil, fmt.Errorf("can't determine database type: %w", err)
	}
	if lite, ok := engine.(*sqldb.SQLite); ok {
		lite.Extension = sqldb.NoExtension
	}

	db, err := sqldb.Open(ctx, engine, sqldb.Opts{Name: "secrets"})
	if err != nil {
		return nil, fmt.Errorf("error opening secrets database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (skey VARCHAR(255) PRIMARY KEY, sval TEXT)", secretsTable)
	if _, err = db.Exec(ctx, stmt, nil); err != nil {
		return nil, multierror.Append(fmt.Errorf("can't make secrets table: %w", err), db.Close()).ErrorOrNil()
	}
	log.Printf("[INFO] secrets provider: using %s database", engine.Name())
	return &InternalProvider{db: db, key: key}, nil
}

// Get retrieves a secret from the database and decrypts it
func (p *InternalProvider) Get(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.QueryGeneric(context.Background(), "SELECT sval FROM "+secretsTable+" WHERE skey = :key",
		query.Named{"key": key})
	if err != nil {
		return "", fmt.Errorf("can't load secret %s: %w", key, err)
	}
	recs, err := rows.Collect()
	if err != nil {
		return "", fmt.Errorf("can't read secret %s: %w", key, err)
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	encrypted, err := record.As[string](recs[0], "sval")
	if err != nil {
		return "", fmt.Errorf("can't read secret %s: %w", key, err)
	}

	decrypted, err := p.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	return decrypted, nil
}

// Set stores a secret in the database, encrypted. Existing secret replaced.
func (p *InternalProvider) Set(key, value string) error {
	encrypted, err := p.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}

	var stmt string
	switch p.db.Engine().Name() {
	case "sqlite":
		stmt = "INSERT OR REPLACE INTO " + secretsTable + " (skey, sval) VALUES (:key, :val)"
	case "postgres":
		stmt = "INSERT INTO " + secretsTable + " (skey, sval) VALUES (:key, :val) ON CONFLICT (skey) DO UPDATE SET sval = :val"
	case "mysql":
		stmt = "REPLACE INTO " + secretsTable + " (skey, sval) VALUES (:key, :val)"
	default:
		return fmt.Errorf("unsupported database type: %s", p.db.Engine().Name())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err = p.db.Exec(context.Background(), stmt, query.Named{"key": key, "val": encrypted}); err != nil {
		return fmt.Errorf("error inserting secret: %w", err)
	}
	return nil
}

// Delete removes a secret from the database
func (p *InternalProvider) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.Exec(context.Background(), "DELETE FROM "+secretsTable+" WHERE skey = :key", query.Named{"key": key})
	if err != nil {
		return fmt.Errorf("error deleting secret for %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List returns secret keys with an optional prefix, all keys for empty or "*" prefix
func (p *InternalProvider) List(prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stmt, values := "SELECT skey FROM "+secretsTable+" ORDER BY skey", query.Values(nil)
	if prefix != "*" && prefix != "" {
		stmt = "SELECT skey FROM " + secretsTable + " WHERE skey LIKE :prefix ORDER BY skey"
		values = query.Named{"prefix": strings.NewReplacer("%", `\%`, "_", `\_`).Replace(prefix) + "%"}
		if p.db.Engine().Name() == "sqlite" {
			stmt = "SELECT skey FROM " + secretsTable + ` WHERE skey LIKE :prefix ESCAPE '\' ORDER BY skey`
		}
	}
	rows, err := p.db.QueryGeneric(context.Background(), stmt, values)
	if err != nil {
		return nil, fmt.Errorf("error listing secrets: %w", err)
	}

	keys := []string{}
	for rec, err := range rows.All() {
		if err != nil {
			return nil, fmt.Errorf("error retrieving secret keys: %w", err)
		}
		k, err := record.As[string](rec, "skey")
		if err != nil {
			return nil, fmt.Errorf("error scanning secret keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Close closes the secrets database
func (p *InternalProvider) Close() error {
	return p.db.Close()
}

// encrypt seals data with NaCl secretbox. Result is base64 of nonce(24) + salt(16) + sealed data,
// the key derived from the provider key and random salt.
func (p *InternalProvider) encrypt(data string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	nonce := new([24]byte)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	out := make([]byte, 24+16)
	copy(out, nonce[:])
	copy(out[24:], salt)
	sealed := secretbox.Seal(out, []byte(data), nonce, naclKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt
func (p *InternalProvider) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < 24+16+secretbox.Overhead {
		return "", errors.New("encrypted data too short")
	}

	nonce := new([24]byte)
	copy(nonce[:], sealed[:24])
	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, sealed[24:40]))

	decrypted, ok := secretbox.Open(nil, sealed[40:], nonce, naclKey)
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(decrypted), nil
}

// deriveKey makes 32 bytes key with argon2id, 1 iteration, 64MiB memory, 4 threads
func deriveKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
