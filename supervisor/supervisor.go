// Package supervisor owns the running lifecycle of declared MCP servers:
// starting and stopping their child processes, wiring each one's stdio
// bridge, and restarting crashed children per policy.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OmegaTeee/mcp-agenthub-sub000/bridge"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
	"github.com/OmegaTeee/mcp-agenthub-sub000/process"
	"github.com/OmegaTeee/mcp-agenthub-sub000/registry"
	"go.uber.org/zap"
)

const defaultInitTimeout = 10 * time.Second

// Supervisor composes the registry, process manager, and per-server
// bridges into the start/stop/restart lifecycle.
type Supervisor struct {
	registry *registry.Registry
	procs    *process.Manager
	logger   *zap.Logger

	initTimeout time.Duration

	mu      sync.Mutex // guards handles and per-name locks
	handles map[string]*process.Handle
	bridges map[string]*bridge.Bridge
	locks   map[string]*sync.Mutex

	stopHealth chan struct{}
	healthWG   sync.WaitGroup
}

// New builds a Supervisor over an already-constructed Registry and
// ProcessManager, with a per-server lock for every name declared at that
// point; Reconcile adds and removes servers when the configuration reloads.
func New(reg *registry.Registry, procs *process.Manager, logger *zap.Logger) *Supervisor {
	locks := make(map[string]*sync.Mutex)
	for _, snap := range reg.List() {
		locks[snap.Name] = &sync.Mutex{}
	}
	return &Supervisor{
		registry:    reg,
		procs:       procs,
		logger:      logger,
		initTimeout: defaultInitTimeout,
		handles:     make(map[string]*process.Handle),
		bridges:     make(map[string]*bridge.Bridge),
		locks:       locks,
		stopHealth:  make(chan struct{}),
	}
}

func (s *Supervisor) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Start launches every auto_start server concurrently and starts the
// per-server health-check loops. Individual launch failures are recorded
// against that server's entry and do not abort the others.
func (s *Supervisor) Start(ctx context.Context) error {
	autoStart := s.registry.AutoStartSet()

	var wg sync.WaitGroup
	for _, decl := range autoStart {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.StartServer(ctx, name); err != nil {
				s.logger.Warn("auto-start failed", zap.String("server", name), zap.Error(err))
			}
		}(decl.Name)
	}
	wg.Wait()

	for _, snap := range s.registry.List() {
		s.healthWG.Add(1)
		go s.healthLoop(snap.Name)
	}
	return nil
}

// StartServer launches the named server's process and bridge. It is
// idempotent: calling it while the server is already Running succeeds
// immediately.
func (s *Supervisor) StartServer(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := s.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown server: %q", name)
	}
	if snap.Status == registry.StatusRunning {
		return nil
	}

	s.registry.SetStatus(name, registry.StatusStarting)

	handle, err := s.procs.Start(snap.Declaration)
	if err != nil {
		s.registry.SetStatus(name, registry.StatusStopped)
		s.registry.SetLastError(name, err.Error())
		return fmt.Errorf("start process %q: %w", name, err)
	}

	b := bridge.New(name, handle.Stdin, handle.Stdout, s.logger, nil)
	if err := b.Start(ctx, s.initTimeout); err != nil {
		s.registry.SetLastError(name, err.Error())
		s.registry.SetStatus(name, registry.StatusFailed)
		_ = s.procs.Stop(handle, 5*time.Second)
		return fmt.Errorf("handshake with %q: %w", name, err)
	}

	s.mu.Lock()
	s.handles[name] = handle
	s.bridges[name] = b
	s.mu.Unlock()

	s.registry.SetPid(name, handle.Pid())
	s.registry.SetLastError(name, "")
	s.registry.SetStatus(name, registry.StatusRunning)
	return nil
}

// StopServer closes the named server's bridge and stops its process. It is
// idempotent: calling it while the server is already stopped succeeds
// immediately.
func (s *Supervisor) StopServer(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := s.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown server: %q", name)
	}
	if snap.Status == registry.StatusStopped {
		return nil
	}

	s.registry.SetStatus(name, registry.StatusStopping)

	s.mu.Lock()
	b := s.bridges[name]
	handle := s.handles[name]
	delete(s.bridges, name)
	delete(s.handles, name)
	s.mu.Unlock()

	if b != nil {
		b.Close()
	}
	if handle != nil {
		if err := s.procs.Stop(handle, 5*time.Second); err != nil {
			s.registry.SetLastError(name, err.Error())
		}
	}

	s.registry.SetPid(name, 0)
	s.registry.SetStatus(name, registry.StatusStopped)
	return nil
}

// RestartServer stops then starts the named server, resetting its restart
// counter for the new running episode.
func (s *Supervisor) RestartServer(ctx context.Context, name string) error {
	if err := s.StopServer(ctx, name); err != nil {
		return err
	}
	if err := s.StartServer(ctx, name); err != nil {
		return err
	}
	s.registry.ResetRestartCount(name)
	return nil
}

// GetBridge returns the named server's bridge iff it is currently Running.
func (s *Supervisor) GetBridge(name string) *bridge.Bridge {
	snap, ok := s.registry.Get(name)
	if !ok || snap.Status != registry.StatusRunning {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridges[name]
}

// Shutdown stops the health loops and every running server.
func (s *Supervisor) Shutdown(ctx context.Context) {
	close(s.stopHealth)
	s.healthWG.Wait()

	var wg sync.WaitGroup
	for _, snap := range s.registry.List() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = s.StopServer(ctx, name)
		}(snap.Name)
	}
	wg.Wait()
}

// Reconcile applies a reloaded declaration set additively: declarations
// removed from cfg are stopped and dropped from the registry; newly
// declared auto-start servers are launched; declarations that still exist
// keep whatever process state they currently have. It never restarts a
// server whose declaration is unchanged.
func (s *Supervisor) Reconcile(ctx context.Context, decls []config.ServerDeclaration) error {
	next := make(map[string]struct{}, len(decls))
	for _, d := range decls {
		next[d.Name] = struct{}{}
	}

	for _, snap := range s.registry.List() {
		if _, keep := next[snap.Name]; !keep {
			if err := s.StopServer(ctx, snap.Name); err != nil {
				s.logger.Warn("failed to stop removed server", zap.String("server", snap.Name), zap.Error(err))
			}
		}
	}

	added, removed, err := s.registry.Reconcile(decls)
	if err != nil {
		return fmt.Errorf("reconcile registry: %w", err)
	}

	s.mu.Lock()
	for _, name := range removed {
		delete(s.locks, name)
		delete(s.handles, name)
		delete(s.bridges, name)
	}
	for _, name := range added {
		s.locks[name] = &sync.Mutex{}
	}
	s.mu.Unlock()

	for _, name := range added {
		snap, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		s.healthWG.Add(1)
		go s.healthLoop(name)

		if snap.Declaration.AutoStart {
			if err := s.StartServer(ctx, name); err != nil {
				s.logger.Warn("failed to start newly declared server", zap.String("server", name), zap.Error(err))
			}
		}
	}
	return nil
}

// healthLoop polls one server's liveness on its declared interval, restarting
// it on an unexpected exit per restart_on_failure policy.
func (s *Supervisor) healthLoop(name string) {
	defer s.healthWG.Done()

	snap, ok := s.registry.Get(name)
	if !ok {
		return
	}
	interval := snap.Declaration.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHealth:
			return
		case <-ticker.C:
			s.checkOne(name)
		}
	}
}

func (s *Supervisor) checkOne(name string) {
	snap, ok := s.registry.Get(name)
	if !ok || snap.Status != registry.StatusRunning {
		return
	}

	s.mu.Lock()
	handle := s.handles[name]
	s.mu.Unlock()
	if handle == nil {
		return
	}
	if process.IsAlive(handle) {
		return
	}

	s.logger.Warn("server process exited unexpectedly", zap.String("server", name))

	if !snap.Declaration.RestartOnFailure || snap.RestartCount >= snap.Declaration.MaxRestarts {
		s.registry.SetLastError(name, "process exited and restart policy exhausted")
		s.registry.SetStatus(name, registry.StatusFailed)
		return
	}

	for {
		// count is 0 once the declaration has been removed.
		count := s.registry.IncrementRestart(name)
		s.registry.SetStatus(name, registry.StatusStopped)

		ctx, cancel := context.WithTimeout(context.Background(), s.initTimeout)
		err := s.StartServer(ctx, name)
		cancel()
		if err == nil {
			return
		}
		s.logger.Warn("automatic restart failed", zap.String("server", name), zap.Error(err))
		if count == 0 || count >= snap.Declaration.MaxRestarts {
			s.registry.SetLastError(name, err.Error())
			s.registry.SetStatus(name, registry.StatusFailed)
			return
		}
	}
}
