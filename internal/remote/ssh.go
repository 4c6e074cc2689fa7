package remote

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/shipyard/internal/model"
)

// Transport runs a single shell command on a server, streaming stdout and
// stderr as the command produces them.
type Transport interface {
	Run(ctx context.Context, server *model.Server, command string, stdout, stderr io.Writer) error
}

// KeyLoader resolves a server's SSH private key by its credentials reference.
type KeyLoader interface {
	PrivateKey(ctx context.Context, keyID string) ([]byte, error)
}

// SSHTransport runs commands over multiplexed SSH connections. One client
// is kept per server and reused across commands; a dead connection is
// redialed transparently on the next command.
//
// Localhost servers bypass SSH and run through the local shell.
type SSHTransport struct {
	logger      zerolog.Logger
	keys        KeyLoader
	dialTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHTransport creates a transport resolving private keys through keys.
func NewSSHTransport(logger zerolog.Logger, keys KeyLoader) *SSHTransport {
	return &SSHTransport{
		logger:      logger.With().Str("component", "ssh-transport").Logger(),
		keys:        keys,
		dialTimeout: 10 * time.Second,
		clients:     make(map[string]*ssh.Client),
	}
}

// Run executes one command and blocks until it exits or ctx is done.
func (t *SSHTransport) Run(ctx context.Context, server *model.Server, command string, stdout, stderr io.Writer) error {
	if server.IsLocalhost {
		return t.runLocal(ctx, command, stdout, stderr)
	}

	session, err := t.newSession(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		return fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
}

// Close tears down all cached connections.
func (t *SSHTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, client := range t.clients {
		client.Close()
		delete(t.clients, id)
	}
}

// newSession returns a session on the cached client, redialing once if the
// cached connection has gone away.
func (t *SSHTransport) newSession(ctx context.Context, server *model.Server) (*ssh.Session, error) {
	client, fresh, err := t.client(ctx, server)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}
	if fresh {
		return nil, fmt.Errorf("open ssh session to %s: %w", server.Address(), err)
	}

	// Stale multiplexed connection. Drop it and dial again.
	t.evict(server.ID, client)
	client, _, err = t.client(ctx, server)
	if err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session to %s: %w", server.Address(), err)
	}
	return session, nil
}

func (t *SSHTransport) client(ctx context.Context, server *model.Server) (*ssh.Client, bool, error) {
	t.mu.Lock()
	if client, ok := t.clients[server.ID]; ok {
		t.mu.Unlock()
		return client, false, nil
	}
	t.mu.Unlock()

	keyPEM, err := t.keys.PrivateKey(ctx, server.PrivateKeyID)
	if err != nil {
		return nil, false, fmt.Errorf("load private key for server %s: %w", server.ID, err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key for server %s: %w", server.ID, err)
	}

	addr := server.Address()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            server.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.dialTimeout,
	})
	if err != nil {
		return nil, false, fmt.Errorf("dial %s: %w", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[server.ID]; ok {
		// Lost a dial race; keep the first connection.
		client.Close()
		return existing, false, nil
	}
	t.clients[server.ID] = client
	t.logger.Debug().Str("server", server.ID).Str("addr", addr).Msg("ssh connection established")
	return client, true, nil
}

func (t *SSHTransport) evict(serverID string, client *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clients[serverID] == client {
		delete(t.clients, serverID)
	}
	client.Close()
}

func (t *SSHTransport) runLocal(ctx context.Context, command string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
