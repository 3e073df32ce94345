// Package credentials keeps root credentials for remote hosts in memory
// for the lifetime of the process. Nothing is ever written to disk.
package credentials

import (
	"os"
	"os/user"
	"sync"

	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/values"
)

// Root holds the credentials used to elevate on one host.
type Root struct {
	User     string
	Password string
	// SameAsSSH is set when the SSH login password is reused.
	SameAsSSH bool
}

// String never reveals the password.
func (r Root) String() string {
	return "Root{User:" + r.User + "}"
}

// Manager stores root credentials per host.
type Manager struct {
	mu    sync.RWMutex
	hosts map[string]Root
	euid  func() int
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = New()
	})
	return defaultManager
}

// New creates an empty manager. Most callers want Default.
func New() *Manager {
	return &Manager{hosts: make(map[string]Root), euid: os.Geteuid}
}

// Get returns the credentials prepared for host.
func (m *Manager) Get(host string) (Root, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.hosts[host]
	return r, ok
}

// Prepare derives and stores the root credentials for host from an
// effective plugin config: the SSH password when ssh_root_same is set,
// root_password otherwise.
func (m *Manager) Prepare(host string, config map[string]any) Root {
	r := Root{User: "root"}
	if values.Bool(config[manifest.SSHRootSameField]) {
		r.Password = values.String(config[manifest.SSHPasswordField])
		r.SameAsSSH = true
	} else {
		r.Password = values.String(config[manifest.RootPasswordField])
	}

	m.mu.Lock()
	m.hosts[host] = r
	m.mu.Unlock()
	return r
}

// Forget drops the credentials of host.
func (m *Manager) Forget(host string) {
	m.mu.Lock()
	delete(m.hosts, host)
	m.mu.Unlock()
}

// Clear drops every stored credential.
func (m *Manager) Clear() {
	m.mu.Lock()
	clear(m.hosts)
	m.mu.Unlock()
}

// IsRunningAsRoot reports whether this process has uid 0.
func (m *Manager) IsRunningAsRoot() bool {
	return m.euid() == 0
}

// SudoUser returns the user who invoked sudo, or the current user when
// the process was not started through sudo.
func (m *Manager) SudoUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
