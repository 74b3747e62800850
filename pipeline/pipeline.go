// Package pipeline implements the router's two request-serving entry
// points — proxying a JSON-RPC call to a declared server, and enhancing a
// prompt — on top of the registry, breaker, supervisor, and enhancement
// layers.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/audit"
	"github.com/OmegaTeee/mcp-agenthub-sub000/breaker"
	"github.com/OmegaTeee/mcp-agenthub-sub000/bridge"
	"github.com/OmegaTeee/mcp-agenthub-sub000/enhancement"
	"github.com/OmegaTeee/mcp-agenthub-sub000/errors"
	"github.com/OmegaTeee/mcp-agenthub-sub000/registry"
	"github.com/OmegaTeee/mcp-agenthub-sub000/supervisor"
)

const defaultSendTimeout = 30 * time.Second

// UpstreamError wraps a well-formed JSON-RPC error object returned by a
// child process. It is forwarded to the HTTP caller as-is, mirroring the
// JSON-RPC envelope rather than the errors.RouterError envelope used for
// every other proxy failure — a returned error object means the channel
// to the child is healthy, so it is not recorded as a breaker failure.
type UpstreamError struct {
	RPCErr *bridge.RPCError
}

// Error implements the error interface.
func (e UpstreamError) Error() string {
	return e.RPCErr.Error()
}

// Pipeline composes the registry, breaker registry, supervisor, and
// enhancement service into the two operations the HTTP surface exposes.
type Pipeline struct {
	registry    *registry.Registry
	breakers    *breaker.Registry
	supervisor  *supervisor.Supervisor
	enhancement *enhancement.Service
	logger      *zap.Logger
}

// New builds a Pipeline over already-constructed subsystems.
func New(reg *registry.Registry, breakers *breaker.Registry, sup *supervisor.Supervisor, enh *enhancement.Service, logger *zap.Logger) *Pipeline {
	return &Pipeline{registry: reg, breakers: breakers, supervisor: sup, enhancement: enh, logger: logger}
}

// Proxy forwards a JSON-RPC method call to the named server's child
// process, auto-starting it first if its declaration allows. It returns
// the raw JSON-RPC result payload on success, or a *errors.RouterError on
// any ingress, routing, or transport failure.
func (p *Pipeline) Proxy(ctx context.Context, serverName, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	ac := audit.FromContext(ctx)

	snap, ok := p.registry.Get(serverName)
	if !ok {
		err := errors.NewUnknownServer(ac.RequestID, serverName)
		audit.Log(p.logger, ctx, audit.EventHTTPRequest, "failed", zap.String("server", serverName), zap.String("reason", "unknown_server"))
		return nil, err
	}

	permit, openErr := p.breakers.Check(serverName)
	if openErr != nil {
		err := errors.NewCircuitOpen(ac.RequestID, serverName, openErr.RetryAfterSeconds)
		audit.Log(p.logger, ctx, audit.EventHTTPRequest, "failed", zap.String("server", serverName), zap.String("reason", "circuit_open"))
		return nil, err
	}

	if snap.Status == registry.StatusStopped && snap.Declaration.AutoStart {
		if startErr := p.supervisor.StartServer(ctx, serverName); startErr != nil {
			permit.Record(startErr)
			err := errors.NewLaunchFailedUnavailable(ac.RequestID, serverName, startErr)
			audit.Log(p.logger, ctx, audit.EventHTTPRequest, "failed", zap.String("server", serverName), zap.String("reason", "auto_start_failed"))
			return nil, err
		}
		snap, _ = p.registry.Get(serverName)
	}

	if snap.Status != registry.StatusRunning {
		permit.Record(nil)
		err := errors.NewNotRunning(ac.RequestID, serverName)
		audit.Log(p.logger, ctx, audit.EventHTTPRequest, "failed", zap.String("server", serverName), zap.String("reason", "not_running"))
		return nil, err
	}

	b := p.supervisor.GetBridge(serverName)
	if b == nil {
		permit.Record(nil)
		err := errors.NewNotRunning(ac.RequestID, serverName)
		audit.Log(p.logger, ctx, audit.EventHTTPRequest, "failed", zap.String("server", serverName), zap.String("reason", "no_bridge"))
		return nil, err
	}

	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	result, sendErr := b.Send(ctx, method, params, timeout)
	if sendErr != nil {
		if rpcErr, ok := sendErr.(*bridge.RPCError); ok {
			// A well-formed JSON-RPC error from the child is a healthy
			// channel, not a breaker failure; forward it as-is.
			permit.Record(nil)
			audit.Log(p.logger, ctx, audit.EventHTTPRequest, "success", zap.String("server", serverName), zap.String("method", method), zap.String("upstream_error", rpcErr.Message))
			return nil, UpstreamError{RPCErr: rpcErr}
		}

		permit.Record(sendErr)
		var routerErr *errors.RouterError
		if sendErr == bridge.ErrTimeout {
			routerErr = errors.NewTimeout(ac.RequestID, method)
		} else {
			routerErr = errors.NewBridgeClosed(ac.RequestID, serverName)
		}
		audit.Log(p.logger, ctx, audit.EventHTTPRequest, "failed", zap.String("server", serverName), zap.Error(sendErr))
		return nil, routerErr
	}

	permit.Record(nil)
	p.registry.Touch(serverName)
	audit.Log(p.logger, ctx, audit.EventHTTPRequest, "success", zap.String("server", serverName), zap.String("method", method))
	return result, nil
}

// Enhance runs a prompt through the enhancement service.
func (p *Pipeline) Enhance(ctx context.Context, prompt, clientID string, bypassCache bool) enhancement.Result {
	res := p.enhancement.Enhance(ctx, prompt, clientID, bypassCache)
	status := "success"
	if res.Err != nil {
		status = "degraded"
	}
	audit.Log(p.logger, ctx, audit.EventHTTPRequest, status,
		zap.Bool("was_enhanced", res.WasEnhanced), zap.Bool("cached", res.Cached))
	return res
}

// StartServer, StopServer, and RestartServer delegate to the supervisor.
// For a declared server each emits an admin_action audit event with
// before/after status; an undeclared name returns UnknownServer without an
// event. Starting a running server or stopping a stopped one returns
// InvalidInput, and a supervisor failure is rendered as LaunchFailed.
func (p *Pipeline) StartServer(ctx context.Context, name string) error {
	requestID := audit.FromContext(ctx).RequestID
	before, ok := p.registry.Get(name)
	if !ok {
		return errors.NewUnknownServer(requestID, name)
	}
	if before.Status == registry.StatusRunning {
		err := errors.NewInvalidInput(requestID, "server already running: "+name)
		p.logAdminAction(ctx, "start", name, before.Status, before.Status, err)
		return err
	}
	p.registry.ResetRestartCount(name)
	err := wrapAdminErr(requestID, name, p.supervisor.StartServer(ctx, name))
	after, _ := p.registry.Get(name)
	p.logAdminAction(ctx, "start", name, before.Status, after.Status, err)
	return err
}

func (p *Pipeline) StopServer(ctx context.Context, name string) error {
	requestID := audit.FromContext(ctx).RequestID
	before, ok := p.registry.Get(name)
	if !ok {
		return errors.NewUnknownServer(requestID, name)
	}
	if before.Status == registry.StatusStopped {
		err := errors.NewInvalidInput(requestID, "server already stopped: "+name)
		p.logAdminAction(ctx, "stop", name, before.Status, before.Status, err)
		return err
	}
	err := wrapAdminErr(requestID, name, p.supervisor.StopServer(ctx, name))
	after, _ := p.registry.Get(name)
	p.logAdminAction(ctx, "stop", name, before.Status, after.Status, err)
	return err
}

func (p *Pipeline) RestartServer(ctx context.Context, name string) error {
	before, ok := p.registry.Get(name)
	if !ok {
		return errors.NewUnknownServer(audit.FromContext(ctx).RequestID, name)
	}
	err := wrapAdminErr(audit.FromContext(ctx).RequestID, name, p.supervisor.RestartServer(ctx, name))
	after, _ := p.registry.Get(name)
	p.logAdminAction(ctx, "restart", name, before.Status, after.Status, err)
	return err
}

// wrapAdminErr renders a supervisor lifecycle failure as a LaunchFailed
// RouterError so the HTTP layer can render a consistent envelope.
func wrapAdminErr(requestID, name string, err error) error {
	if err == nil {
		return nil
	}
	return errors.NewLaunchFailed(requestID, name, err)
}

func (p *Pipeline) logAdminAction(ctx context.Context, action, name string, before, after registry.Status, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	audit.Log(p.logger, ctx, audit.EventAdminAction, status,
		zap.String("action", action), zap.String("server", name),
		zap.String("before", string(before)), zap.String("after", string(after)))
}

// GetServer returns a single server's snapshot.
func (p *Pipeline) GetServer(name string) (registry.Snapshot, bool) {
	return p.registry.Get(name)
}

// ListServers returns every declared server's snapshot.
func (p *Pipeline) ListServers() []registry.Snapshot {
	return p.registry.List()
}

// BreakerSnapshot returns the state of every circuit breaker that has been
// touched at least once.
func (p *Pipeline) BreakerSnapshot() []breaker.Snapshot {
	return p.breakers.Snapshot()
}

// ResetBreaker forces the named target's breaker closed. It reports false
// without resetting anything if name is neither a declared server nor a
// target the breaker registry has ever seen (e.g. "ollama" once touched).
func (p *Pipeline) ResetBreaker(name string) bool {
	if _, ok := p.registry.Get(name); !ok && !p.breakers.Exists(name) {
		return false
	}
	p.breakers.Reset(name)
	return true
}
