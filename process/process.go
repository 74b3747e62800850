// Package process manages the lifecycle of MCP tool-server child
// processes: launching them with resolved environment, collecting a
// bounded stderr tail, and tearing them down cleanly.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/audit"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
)

// CredentialStore resolves named credentials at process-launch time. The
// default implementation reads from the process environment; the
// interface seam allows swapping in a keyring-backed store without
// touching Manager.
type CredentialStore interface {
	Get(key string) (string, bool)
}

// EnvCredentialStore resolves credentials from the host process's own
// environment variables.
type EnvCredentialStore struct{}

// Get implements CredentialStore.
func (EnvCredentialStore) Get(key string) (string, bool) {
	return os.LookupEnv(key)
}

const stderrRingSize = 64 * 1024

// stderrRing is a bounded tail buffer: it keeps only the most recent
// stderrRingSize bytes written to it.
type stderrRing struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if excess := r.buf.Len() - stderrRingSize; excess > 0 {
		r.buf.Next(excess)
	}
	return len(p), nil
}

func (r *stderrRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// Handle represents one launched child process: its pipes and exit
// tracking. The bridge reads Stdout and writes Stdin; the process
// package owns closing both on termination.
type Handle struct {
	Name   string
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd    *exec.Cmd
	stderr *stderrRing
	done   chan struct{}
	waitMu sync.Mutex
	waitErr error
}

// StderrTail returns the most recent bytes of the child's stderr output,
// up to a 64 KiB bound.
func (h *Handle) StderrTail() string {
	return h.stderr.String()
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the error cmd.Wait() returned, valid only after Done()
// is closed.
func (h *Handle) ExitErr() error {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	return h.waitErr
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Manager launches and tears down MCP tool-server child processes.
type Manager struct {
	logger      *zap.Logger
	credentials CredentialStore
}

// NewManager creates a Manager using store to resolve credential-ref env
// entries at launch time.
func NewManager(logger *zap.Logger, store CredentialStore) *Manager {
	if store == nil {
		store = EnvCredentialStore{}
	}
	return &Manager{logger: logger, credentials: store}
}

// Start launches decl's command, wiring stdin/stdout/stderr to pipes the
// Handle owns. The returned Handle's Done channel closes once the
// process exits, and every pipe is guaranteed closed by then regardless
// of how the process terminated.
func (m *Manager) Start(decl config.ServerDeclaration) (*Handle, error) {
	env, err := m.resolveEnv(decl)
	if err != nil {
		return nil, fmt.Errorf("resolve env for %q: %w", decl.Name, err)
	}

	cmd := exec.Command(decl.Command, decl.Args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %q: %w", decl.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %q: %w", decl.Name, err)
	}
	ring := &stderrRing{}
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", decl.Name, err)
	}

	h := &Handle{
		Name:   decl.Name,
		Stdin:  stdin,
		Stdout: stdout,
		cmd:    cmd,
		stderr: ring,
		done:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		h.waitMu.Lock()
		h.waitErr = err
		h.waitMu.Unlock()
		stdin.Close()
		stdout.Close()
		close(h.done)
	}()

	return h, nil
}

// Stop requests the child terminate, waiting up to grace before forcing
// termination with SIGKILL. Safe to call once a process has already
// exited.
func (m *Manager) Stop(h *Handle, grace time.Duration) error {
	select {
	case <-h.Done():
		return nil
	default:
	}

	_ = h.cmd.Process.Signal(os.Interrupt)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.Done():
		return nil
	case <-timer.C:
		if m.logger != nil {
			m.logger.Warn("process did not exit within grace period, killing",
				zap.String("name", h.Name), zap.Duration("grace", grace))
		}
		if err := h.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill %q: %w", h.Name, err)
		}
		<-h.Done()
		return nil
	}
}

// StopAll stops every handle concurrently, bounded by each handle's own
// grace period; it does not block indefinitely on a single hung child.
func (m *Manager) StopAll(ctx context.Context, handles map[string]*Handle, grace time.Duration) {
	var wg sync.WaitGroup
	for name, h := range handles {
		wg.Add(1)
		go func(name string, h *Handle) {
			defer wg.Done()
			if err := m.Stop(h, grace); err != nil && m.logger != nil {
				m.logger.Error("error stopping process", zap.String("name", name), zap.Error(err))
			}
		}(name, h)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// IsAlive reports whether h's process has not yet exited. It is O(1) and
// non-blocking: it never signals the OS process, only checks the
// done channel the wait goroutine closes.
func IsAlive(h *Handle) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// resolveEnv builds the child's environment: the host process's own
// environment plus decl's entries, resolving credential references via
// the configured CredentialStore.
func (m *Manager) resolveEnv(decl config.ServerDeclaration) ([]string, error) {
	env := os.Environ()
	for key, val := range decl.Env {
		if val.IsCredential() {
			resolved, ok := m.credentials.Get(val.Credential.Key)
			if m.logger != nil {
				status := "success"
				if !ok {
					status = "not_found"
				}
				audit.Log(m.logger, context.Background(), audit.EventCredentialAccess, status,
					zap.String("server", decl.Name), zap.String("key", val.Credential.Key))
			}
			if !ok {
				return nil, fmt.Errorf("credential %q not found in store %q", val.Credential.Key, val.Credential.Store)
			}
			env = append(env, key+"="+resolved)
			continue
		}
		env = append(env, key+"="+val.Literal)
	}
	return env, nil
}
