// Package sshtun provides ssh tunnel used to reach remote database servers and remote sqlite files.
// Tunnel implements dialers for mysql and postgres drivers and sftp download/upload for db files.
package sshtun

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Opts defines ssh connection parameters
type Opts struct {
	Host    string        // ssh host, port 22 by default
	User    string        // ssh user
	KeyFile string        // private key file
	Timeout time.Duration // dial timeout
}

// Tunnel is a lazily connected ssh client. Connection made on the first use and reused after.
// Safe for concurrent use.
type Tunnel struct {
	opts   Opts
	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

// ErrClosed returned on use of closed tunnel
var ErrClosed = errors.New("tunnel closed")

// New makes tunnel for given options, doesn't connect
func New(opts Opts) (*Tunnel, error) {
	if opts.Host == "" {
		return nil, errors.New("ssh host is not set")
	}
	if opts.User == "" {
		return nil, errors.New("ssh user is not set")
	}
	if _, err := os.Stat(opts.KeyFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("private key file %q does not exist", opts.KeyFile)
	}
	if !strings.Contains(opts.Host, ":") {
		opts.Host += ":22"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Tunnel{opts: opts}, nil
}

// Addr returns ssh host address
func (t *Tunnel) Addr() string {
	return t.opts.Host
}

// DialContext connects to addr as seen from the ssh host
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[DEBUG] dial %s via ssh %s", addr, t.opts.Host)
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s via %s: %w", addr, t.opts.Host, err)
	}
	return conn, nil
}

// Dial connects to addr via ssh host with the default timeout
func (t *Tunnel) Dial(network, addr string) (net.Conn, error) {
	return t.DialTimeout(network, addr, t.opts.Timeout)
}

// DialTimeout connects to addr via ssh host with given timeout
func (t *Tunnel) DialTimeout(network, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.DialContext(ctx, network, addr)
}

// Close disconnects ssh client, if connected
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// connect returns connected ssh client, making it on the first call
func (t *Tunnel) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.client != nil {
		return t.client, nil
	}

	log.Printf("[DEBUG] create ssh session to %s, user %s", t.opts.Host, t.opts.User)
	dialer := net.Dialer{Timeout: t.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.opts.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	conf, err := t.sshConfig()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create ssh config: %w", err)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, t.opts.Host, conf)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create client connection to %s: %w", t.opts.Host, err)
	}
	t.client = ssh.NewClient(ncc, chans, reqs)
	log.Printf("[DEBUG] ssh session created to %s", t.opts.Host)
	return t.client, nil
}

func (t *Tunnel) sshConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(t.opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return &ssh.ClientConfig{
		User:            t.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint
		Timeout:         t.opts.Timeout,
	}, nil
}
