package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// createSFTPClient creates a new SFTP client.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return sftpClient, nil
}

// UploadDirectory recursively uploads a directory, preserving file modes.
func (c *SSHClient) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading directory")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		// Remote paths are always slash separated.
		targetPath := path.Join(remotePath, filepath.ToSlash(relPath))

		if d.IsDir() {
			if d.Name() == "__pycache__" {
				return filepath.SkipDir
			}
			if err := sftpClient.MkdirAll(targetPath); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return uploadFile(ctx, sftpClient, p, targetPath, info.Mode().Perm())
	})
	if err != nil {
		return &TransportError{
			Op:          "upload-dir",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

// WriteFile creates remotePath with data.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	f, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return &TransportError{Op: "write", Err: err, IsTemporary: true}
	}
	if err := f.Chmod(mode); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return ctx.Err()
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remoteFile, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	if _, err := copyWithContext(ctx, remoteFile, localFile); err != nil {
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	return remoteFile.Chmod(mode)
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
