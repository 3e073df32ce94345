package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// Password is used for password and keyboard-interactive auth
	Password string

	// PrivateKeyPath is an optional private key tried before the password
	PrivateKeyPath string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// AutoAddKeys accepts and records unknown host keys on first connect.
	// Changed keys are always rejected.
	AutoAddKeys bool

	// ConnectTimeout bounds dialing and the SSH handshake
	ConnectTimeout time.Duration

	// KeepAliveInterval is the interval between keepalive requests
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration

	// KeepAliveMaxMissed is how many unanswered keepalives close the connection
	KeepAliveMaxMissed int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:               host,
		Port:               22,
		User:               user,
		KnownHostsPath:     filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		AutoAddKeys:        true,
		ConnectTimeout:     10 * time.Second,
		KeepAliveInterval:  5 * time.Second,
		KeepAliveMaxMissed: 3,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("a password or a private key is required")
	}

	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for the "Password:" prompt
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// knownHostsMu serializes appends to known_hosts across parallel sessions.
var knownHostsMu sync.Mutex

// hostKeyCallback verifies against known_hosts. With AutoAddKeys an
// unknown host is appended to the file; a mismatching key is rejected.
func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		if !c.AutoAddKeys {
			return nil, fmt.Errorf("known_hosts path is required when auto_add_keys is disabled")
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if c.AutoAddKeys {
		if err := ensureFile(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to prepare known_hosts: %w", err)
		}
	}

	verify, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	if !c.AutoAddKeys {
		return verify, nil
	}

	path := c.KnownHostsPath
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		return appendKnownHost(path, hostname, remote, key)
	}, nil
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	defer f.Close()

	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil && remote.String() != hostname {
		addrs = append(addrs, knownhosts.Normalize(remote.String()))
	}
	_, err = fmt.Fprintln(f, knownhosts.Line(addrs, key))
	return err
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
