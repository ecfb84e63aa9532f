package hoist

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// sftpClient returns the connection's SFTP session, opening it on first use.
// The session rides the SSH transport and is torn down with it.
func (c *Connection) sftpClient(ctx context.Context) (*sftp.Client, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("opening sftp session on %s: %w", c, err)
	}
	c.sftp = sc
	return sc, nil
}

// Put uploads a local file to remotePath, replacing it if present and
// carrying over the local permission bits.
func (c *Connection) Put(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}

	n, err := c.Upload(ctx, src, remotePath)
	if err != nil {
		return err
	}
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	if err := sc.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("setting mode on %s: %w", remotePath, err)
	}
	c.log.Debugw("uploaded file", "Local", localPath, "Remote", remotePath, "Bytes", n)
	return nil
}

// Get downloads a remote file to localPath, replacing it if present and
// carrying over the remote permission bits.
func (c *Connection) Get(ctx context.Context, remotePath, localPath string) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	info, err := sc.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("stat %s on %s: %w", remotePath, c, err)
	}

	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	n, err := c.Download(ctx, remotePath, dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	c.log.Debugw("downloaded file", "Remote", remotePath, "Local", localPath, "Bytes", n)
	return nil
}

// Upload streams r into remotePath, creating or truncating it.
func (c *Connection) Upload(ctx context.Context, r io.Reader, remotePath string) (int64, error) {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst, err := sc.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("creating %s on %s: %w", remotePath, c, err)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("writing %s on %s: %w", remotePath, c, err)
	}
	return n, nil
}

// Download streams remotePath into w.
func (c *Connection) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	src, err := sc.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("opening %s on %s: %w", remotePath, c, err)
	}
	defer src.Close()
	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("reading %s on %s: %w", remotePath, c, err)
	}
	return n, nil
}
