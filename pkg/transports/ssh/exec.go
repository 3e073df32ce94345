package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// signalGrace is the pause between SIGTERM and SIGKILL on cancellation.
const signalGrace = 500 * time.Millisecond

// Run executes cmd in a new session and returns its exit status.
func (c *SSHClient) Run(ctx context.Context, cmd string, opts RunOptions) (int, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return -1, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return -1, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	session.Stdin = opts.Stdin
	session.Stdout = opts.Stdout
	session.Stderr = opts.Stderr

	c.logger.Debug().Str("command", cmd).Msg("executing command")
	startTime := time.Now()

	if err := session.Start(cmd); err != nil {
		return -1, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to start command: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Wait()
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case execErr = <-doneChan:
		case <-time.After(signalGrace):
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
			<-doneChan
		}
		return -1, &TransportError{
			Op:          "execute",
			Err:         ctx.Err(),
			IsTemporary: false,
			IsAuthError: false,
		}
	case execErr = <-doneChan:
	}

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
		IsAuthError: false,
	}
}

// Output runs a short command and returns its trimmed stdout. A non-zero
// exit status is an error carrying stderr.
func (c *SSHClient) Output(ctx context.Context, cmd string) (string, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.Run(ctx, cmd, RunOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return "", err
	}
	if code != 0 {
		return strings.TrimSpace(stdout.String()), &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("command exited with code %d: %s", code, strings.TrimSpace(stderr.String())),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}
