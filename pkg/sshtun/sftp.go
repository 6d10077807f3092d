package sshtun

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

// Download copies remote file to local. Local file is created or truncated.
func (t *Tunnel) Download(ctx context.Context, remote, local string) error {
	log.Printf("[INFO] download %s:%s to %s", t.opts.Host, remote, local)
	defer func(st time.Time) { log.Printf("[DEBUG] download done for %q in %s", local, time.Since(st)) }(time.Now())

	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	remoteFh, err := sftpClient.Open(remote)
	if err != nil {
		return fmt.Errorf("failed to open remote file %q: %w", remote, err)
	}
	defer remoteFh.Close() // nolint

	localFh, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("failed to open local file %q: %w", local, err)
	}
	defer localFh.Close() // nolint

	if err := copyWithContext(ctx, localFh, remoteFh); err != nil {
		return fmt.Errorf("failed to copy %q: %w", remote, err)
	}
	return localFh.Sync()
}

// Upload copies local file to remote. The file is written to a temporary name next to
// the destination and renamed, so the remote file is never left partially written.
func (t *Tunnel) Upload(ctx context.Context, local, remote string) error {
	log.Printf("[INFO] upload %s to %s:%s", local, t.opts.Host, remote)
	defer func(st time.Time) { log.Printf("[DEBUG] upload done for %q in %s", remote, time.Since(st)) }(time.Now())

	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client, sftp.UseConcurrentWrites(true))
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	inpFh, err := os.Open(local) //nolint:gosec
	if err != nil {
		return fmt.Errorf("failed to open local file %q: %w", local, err)
	}
	defer inpFh.Close() // nolint

	inpFi, err := inpFh.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file %q: %w", local, err)
	}

	tmp := path.Join(path.Dir(remote), "."+path.Base(remote)+"."+uuid.NewString())
	remoteFh, err := sftpClient.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create remote file %q: %w", tmp, err)
	}

	if err = copyWithContext(ctx, remoteFh, inpFh); err != nil {
		_ = remoteFh.Close()
		_ = sftpClient.Remove(tmp)
		return fmt.Errorf("failed to copy to %q: %w", remote, err)
	}
	if err = remoteFh.Chmod(inpFi.Mode().Perm()); err != nil {
		_ = remoteFh.Close()
		_ = sftpClient.Remove(tmp)
		return fmt.Errorf("failed to set permissions on remote file %q: %w", tmp, err)
	}
	if err = remoteFh.Close(); err != nil {
		_ = sftpClient.Remove(tmp)
		return fmt.Errorf("failed to close remote file %q: %w", tmp, err)
	}

	if err = sftpClient.PosixRename(tmp, remote); err != nil {
		_ = sftpClient.Remove(tmp)
		return fmt.Errorf("failed to rename %q to %q: %w", tmp, remote, err)
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	errCh := make(chan error, 1)
	go func() {
		_, e := io.Copy(dst, src)
		errCh <- e
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
