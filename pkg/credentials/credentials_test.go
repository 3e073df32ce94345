package credentials

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepare(t *testing.T) {
	m := New()

	r := m.Prepare("10.0.0.1", map[string]any{
		"ssh_passwd":    "login",
		"root_password": "toor",
	})
	assert.Equal(t, "toor", r.Password)
	assert.False(t, r.SameAsSSH)

	r = m.Prepare("10.0.0.2", map[string]any{
		"ssh_passwd":    "login",
		"ssh_root_same": "true",
		"root_password": "ignored",
	})
	assert.Equal(t, "login", r.Password)
	assert.True(t, r.SameAsSSH)

	got, ok := m.Get("10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, "root", got.User)

	m.Forget("10.0.0.1")
	_, ok = m.Get("10.0.0.1")
	assert.False(t, ok)

	m.Clear()
	_, ok = m.Get("10.0.0.2")
	assert.False(t, ok)
}

func TestRootStringHidesPassword(t *testing.T) {
	r := Root{User: "root", Password: "hunter2"}
	assert.NotContains(t, fmt.Sprintf("%v", r), "hunter2")
}

func TestIsRunningAsRoot(t *testing.T) {
	m := New()
	m.euid = func() int { return 0 }
	assert.True(t, m.IsRunningAsRoot())
	m.euid = func() int { return 1000 }
	assert.False(t, m.IsRunningAsRoot())
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestSudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "alice")
	assert.Equal(t, "alice", New().SudoUser())
}
