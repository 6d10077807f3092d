package sshtun

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestNew(t *testing.T) {
	keyFile, _ := makeKey(t)

	_, err := New(Opts{User: "test", KeyFile: keyFile})
	require.ErrorContains(t, err, "ssh host is not set")

	_, err = New(Opts{Host: "h", KeyFile: keyFile})
	require.ErrorContains(t, err, "ssh user is not set")

	_, err = New(Opts{Host: "h", User: "test", KeyFile: "testdata/no-such-key"})
	require.ErrorContains(t, err, `private key file "testdata/no-such-key" does not exist`)

	tun, err := New(Opts{Host: "bastion", User: "test", KeyFile: keyFile})
	require.NoError(t, err)
	assert.Equal(t, "bastion:22", tun.Addr())
	assert.Equal(t, 30*time.Second, tun.opts.Timeout)
}

func TestTunnel_Dial(t *testing.T) {
	keyFile, pub := makeKey(t)
	sshAddr := startSSHServer(t, pub)
	echoAddr := startEcho(t)

	tun, err := New(Opts{Host: sshAddr, User: "test", KeyFile: keyFile, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer tun.Close()

	check := func(conn net.Conn) {
		defer conn.Close()
		_, err := conn.Write([]byte("ping\n"))
		require.NoError(t, err)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "ping\n", line)
	}

	conn, err := tun.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	check(conn)

	conn, err = tun.Dial("tcp", echoAddr)
	require.NoError(t, err)
	check(conn)

	conn, err = tun.DialTimeout("tcp", echoAddr, time.Second)
	require.NoError(t, err)
	check(conn)

	_, err = tun.Dial("tcp", "127.0.0.1:1")
	require.ErrorContains(t, err, "failed to dial 127.0.0.1:1 via")

	require.NoError(t, tun.Close())
	_, err = tun.Dial("tcp", echoAddr)
	require.ErrorIs(t, err, ErrClosed)
}

func TestTunnel_BadUser(t *testing.T) {
	keyFile, pub := makeKey(t)
	sshAddr := startSSHServer(t, pub)

	tun, err := New(Opts{Host: sshAddr, User: "test33", KeyFile: keyFile, Timeout: 5 * time.Second})
	require.NoError(t, err)
	_, err = tun.Dial("tcp", "127.0.0.1:1")
	require.ErrorContains(t, err, "ssh: unable to authenticate")
}

func TestTunnel_WrongPort(t *testing.T) {
	keyFile, _ := makeKey(t)
	tun, err := New(Opts{Host: "127.0.0.1:1", User: "test", KeyFile: keyFile, Timeout: time.Second})
	require.NoError(t, err)
	_, err = tun.Dial("tcp", "127.0.0.1:1")
	require.ErrorContains(t, err, "failed to dial: dial tcp 127.0.0.1:1")
}

func TestTunnel_DownloadUpload(t *testing.T) {
	keyFile, pub := makeKey(t)
	sshAddr := startSSHServer(t, pub)
	ctx := context.Background()

	tun, err := New(Opts{Host: sshAddr, User: "test", KeyFile: keyFile, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer tun.Close()

	remoteDir, localDir := t.TempDir(), t.TempDir()
	remote := filepath.Join(remoteDir, "data.db")
	require.NoError(t, os.WriteFile(remote, []byte("remote content"), 0o600))

	local := filepath.Join(localDir, "copy.db")
	require.NoError(t, os.WriteFile(local, []byte("old and much longer local content"), 0o600))
	require.NoError(t, tun.Download(ctx, remote, local))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data), "local file truncated")

	require.NoError(t, os.WriteFile(local, []byte("updated locally"), 0o600))
	require.NoError(t, tun.Upload(ctx, local, remote))
	data, err = os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "updated locally", string(data))

	entries, err := os.ReadDir(remoteDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left")

	err = tun.Download(ctx, filepath.Join(remoteDir, "nope.db"), local)
	require.ErrorContains(t, err, "failed to open remote file")

	err = tun.Upload(ctx, filepath.Join(localDir, "nope.db"), remote)
	require.ErrorContains(t, err, "failed to open local file")
}

// makeKey writes a new ed25519 private key to a temp file
func makeKey(t *testing.T) (keyFile string, pub ssh.PublicKey) {
	t.Helper()
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(privKey, "test")
	require.NoError(t, err)
	keyFile = filepath.Join(t.TempDir(), "test_ssh_key")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))
	pub, err = ssh.NewPublicKey(pubKey)
	require.NoError(t, err)
	return keyFile, pub
}

// startSSHServer runs in-process ssh server accepting user "test" with the given key.
// Supports direct-tcpip forwarding and sftp subsystem.
func startSSHServer(t *testing.T, authorized ssh.PublicKey) string {
	t.Helper()
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	conf := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, k ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == "test" && bytes.Equal(k.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key for %q", c.User())
		},
	}
	conf.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, conf)
		}
	}()
	return ln.Addr().String()
}

func serveSSH(nc net.Conn, conf *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, conf)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		switch nch.ChannelType() {
		case "direct-tcpip":
			var target struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
				_ = nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			conn, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
			if err != nil {
				_ = nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, creqs, err := nch.Accept()
			if err != nil {
				_ = conn.Close()
				continue
			}
			go ssh.DiscardRequests(creqs)
			go func() { _, _ = io.Copy(ch, conn); _ = ch.Close() }()
			go func() { _, _ = io.Copy(conn, ch); _ = conn.Close() }()

		case "session":
			ch, creqs, err := nch.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range creqs {
					ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
					_ = req.Reply(ok, nil)
					if !ok {
						continue
					}
					go func() {
						defer ch.Close()
						srv, err := sftp.NewServer(ch)
						if err != nil {
							return
						}
						_ = srv.Serve()
						_ = srv.Close()
					}()
				}
			}()

		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}
