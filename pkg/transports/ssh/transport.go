// Package ssh provides the SSH transport used to stage and run plugins on
// remote hosts.
package ssh

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
)

// Transport defines the remote primitives needed to run a plugin on a host.
type Transport interface {
	// Connect dials and authenticates. Authentication failures are
	// reported as a *TransportError with IsAuthError set.
	Connect(ctx context.Context) error

	// Close tears down the connection.
	Close() error

	// Run executes cmd in a new session, streaming its output to the
	// writers in opts. It returns the remote exit status.
	Run(ctx context.Context, cmd string, opts RunOptions) (int, error)

	// Output runs a short command and returns its trimmed stdout.
	Output(ctx context.Context, cmd string) (string, error)

	// UploadDirectory recursively copies a local directory via SFTP.
	UploadDirectory(ctx context.Context, localPath, remotePath string) error

	// WriteFile creates a remote file with the given content and mode.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
}

// RunOptions wires the standard streams of a remote command.
type RunOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}

// authFailure recognizes the messages x/crypto/ssh and sshd use for
// rejected credentials.
func authFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "authentication failed")
}
