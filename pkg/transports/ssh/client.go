package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over golang.org/x/crypto/ssh.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	isConnected bool
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("target_ip", config.Host).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	// The handshake has no context of its own; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{
			Op:          "authenticate",
			Err:         err,
			IsTemporary: !authFailure(err),
			IsAuthError: authFailure(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.isConnected = true
	c.connectedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

// Close closes the SSH connection and releases all resources.
func (c *SSHClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}

	err := c.client.Close()
	c.client = nil
	c.isConnected = false

	if err != nil && !isClosedErr(err) {
		return &TransportError{
			Op:          "disconnect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// keepAlive sends keepalive requests and closes the connection once
// KeepAliveMaxMissed consecutive requests went unanswered.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			missed = 0
			continue
		}
		missed++
		c.logger.Warn().Err(err).Int("missed", missed).Msg("keep-alive failed")
		if missed >= c.config.KeepAliveMaxMissed {
			c.logger.Error().Msg("keep-alive failed too many times, closing connection")
			_ = client.Close()
			return
		}
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:          "get-client",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return c.client, nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
