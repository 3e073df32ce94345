package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server running exec requests through
// the local bash and serving the sftp subsystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(privKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	var cmd *exec.Cmd
	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			_ = req.Reply(true, nil)

			cmd = exec.Command("bash", "-c", command)
			cmd.Stdin = channel
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			if err := cmd.Start(); err != nil {
				sendExitStatus(channel, 127)
				return
			}
			go func(cmd *exec.Cmd) {
				status := uint32(0)
				if err := cmd.Wait(); err != nil {
					status = 255
					if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() >= 0 {
						status = uint32(exitErr.ExitCode())
					}
				}
				sendExitStatus(channel, status)
				_ = channel.Close()
			}(cmd)

		case "signal":
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			go func() {
				_ = server.Serve()
				_ = server.Close()
				_ = channel.Close()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func sendExitStatus(channel ssh.Channel, status uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, status)
	_, _ = channel.SendRequest("exit-status", false, payload)
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T, password string) *Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.Password = password
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

func connectTestClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()
	client, err := NewSSHClient(server.clientConfig(t, "testpass"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	assert.True(t, client.IsConnected())
	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
}

func TestSSHClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewSSHClient(server.clientConfig(t, "wrong"), zerolog.Nop())
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestSSHClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())

	cfg := DefaultConfig("127.0.0.1", "testuser")
	cfg.Port = addr.Port
	cfg.Password = "testpass"
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

	client, err := NewSSHClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
}

func TestSSHClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	var stdout, stderr bytes.Buffer
	code, err := client.Run(context.Background(), "echo out; echo err >&2; exit 3", RunOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())

	out, err := client.Output(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = client.Output(context.Background(), "exit 1")
	assert.Error(t, err)
}

func TestSSHClientRunStdin(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	var stdout bytes.Buffer
	code, err := client.Run(context.Background(), "read line; echo got:$line", RunOptions{
		Stdin:  strings.NewReader("secret\n"),
		Stdout: &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "got:secret\n", stdout.String())
}

func TestSSHClientRunCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep 30", RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSSHClientUploadDirectory(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "main.sh"), []byte("echo hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "lib", "util.sh"), []byte("true\n"), 0o644))

	remote := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, client.UploadDirectory(context.Background(), local, remote))

	data, err := os.ReadFile(filepath.Join(remote, "main.sh"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(data))

	info, err := os.Stat(filepath.Join(remote, "main.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(remote, "lib", "util.sh"))
	assert.NoError(t, err)

	require.NoError(t, client.WriteFile(context.Background(), filepath.Join(remote, "config.json"), []byte(`{}`), 0o600))
	data, err = os.ReadFile(filepath.Join(remote, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
