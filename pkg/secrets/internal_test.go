package secrets

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestInternalProvider(t *testing.T) {
	ctx := context.Background()
	conns := map[string]string{"sqlite": filepath.Join(t.TempDir(), "secrets.db")}

	if !testing.Short() {
		pgC, pgConn := startContainer(t, testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).
				WithStartupTimeout(time.Minute),
			Env: map[string]string{"POSTGRES_PASSWORD": "password", "POSTGRES_DB": "test"},
		}, "5432", "postgres://postgres:password@%s:%s/test?sslmode=disable")
		defer pgC.Terminate(ctx)
		conns["postgres"] = pgConn

		myC, myConn := startContainer(t, testcontainers.ContainerRequest{
			Image:        "mysql:8",
			ExposedPorts: []string{"3306/tcp"},
			WaitingFor:   wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(2 * time.Minute),
			Env:          map[string]string{"MYSQL_ROOT_PASSWORD": "password", "MYSQL_DATABASE": "test"},
		}, "3306", "root:password@tcp(%s:%s)/test")
		defer myC.Terminate(ctx)
		conns["mysql"] = myConn
	}

	for name, conn := range conns {
		t.Run(name, func(t *testing.T) {
			p, err := NewInternalProvider(ctx, conn, []byte("some-secret-key"))
			require.NoError(t, err)
			defer p.Close()

			require.NoError(t, p.Set("mysql/main", "pass1"))
			require.NoError(t, p.Set("mysql/replica", "pass2"))
			require.NoError(t, p.Set("pg_main", "pass3"))
			require.NoError(t, p.Set("pgxmain", "pass4"))

			val, err := p.Get("mysql/main")
			require.NoError(t, err)
			assert.Equal(t, "pass1", val)

			require.NoError(t, p.Set("mysql/main", "pass1-updated"), "set replaces existing value")
			val, err = p.Get("mysql/main")
			require.NoError(t, err)
			assert.Equal(t, "pass1-updated", val)

			_, err = p.Get("nope")
			require.ErrorIs(t, err, ErrNotFound)

			keys, err := p.List("mysql/")
			require.NoError(t, err)
			assert.Equal(t, []string{"mysql/main", "mysql/replica"}, keys)

			keys, err = p.List("pg_")
			require.NoError(t, err)
			assert.Equal(t, []string{"pg_main"}, keys, "underscore is not a wildcard")

			keys, err = p.List("*")
			require.NoError(t, err)
			assert.Len(t, keys, 4)

			require.NoError(t, p.Delete("mysql/replica"))
			require.ErrorIs(t, p.Delete("mysql/replica"), ErrNotFound)
			keys, err = p.List("")
			require.NoError(t, err)
			assert.Equal(t, []string{"mysql/main", "pg_main", "pgxmain"}, keys)
		})
	}
}

func TestInternalProvider_WrongKey(t *testing.T) {
	ctx := context.Background()
	conn := filepath.Join(t.TempDir(), "secrets.db")
	p, err := NewInternalProvider(ctx, conn, []byte("key1"))
	require.NoError(t, err)
	require.NoError(t, p.Set("k", "v"))
	require.NoError(t, p.Close())

	p, err = NewInternalProvider(ctx, conn, []byte("key2"))
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Get("k")
	require.ErrorContains(t, err, "failed to decrypt")
}

func TestNewInternalProvider_Errors(t *testing.T) {
	_, err := NewInternalProvider(context.Background(), "redis://localhost", []byte("key"))
	require.ErrorContains(t, err, "can't determine database type")

	_, err = NewInternalProvider(context.Background(), "secrets.db", nil)
	require.EqualError(t, err, "empty secrets key")
}

func TestInternalProvider_EncryptDecrypt(t *testing.T) {
	p := &InternalProvider{key: []byte("secret-key")}
	enc1, err := p.encrypt("some data")
	require.NoError(t, err)
	enc2, err := p.encrypt("some data")
	require.NoError(t, err)
	assert.NotEqual(t, enc1, enc2, "random salt and nonce")

	dec, err := p.decrypt(enc1)
	require.NoError(t, err)
	assert.Equal(t, "some data", dec)

	_, err = p.decrypt("AAAA")
	require.EqualError(t, err, "encrypted data too short")
	_, err = p.decrypt("not base64!")
	require.Error(t, err)
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port nat.Port, connFmt string) (testcontainers.Container, string) {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return container, fmt.Sprintf(connFmt, host, mapped.Port())
}
