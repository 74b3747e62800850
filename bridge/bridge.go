// Package bridge implements the newline-delimited JSON-RPC 2.0 stdio
// transport the router speaks to each running MCP tool-server child
// process. One Bridge wraps one child's stdin/stdout pipes.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const maxScanTokenSize = 10 * 1024 * 1024 // accommodate large tool results

// Request is an outbound JSON-RPC 2.0 request or notification frame.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC 2.0 frame: a response (has ID and
// Result xor Error) or a notification (has Method, no ID).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrBridgeClosed is returned by Send/SendNotification once the bridge has
// been closed, and used to cancel every pending waiter when the reader
// loop exits.
var ErrBridgeClosed = fmt.Errorf("bridge closed")

// ErrTimeout is returned by Send when a request's timeout elapses before
// a response arrives.
var ErrTimeout = fmt.Errorf("bridge request timed out")

type rpcResult struct {
	payload json.RawMessage
	rpcErr  *RPCError
	closed  bool
}

type pendingRequest struct {
	waiter   chan rpcResult
	deadline time.Time
}

// NotificationSink receives server-initiated notifications (frames with a
// method but no id). It may be nil, in which case notifications are
// dropped.
type NotificationSink func(method string, params json.RawMessage)

// Bridge is a single child process's JSON-RPC stdio transport.
type Bridge struct {
	name   string
	stdin  io.Writer
	stdout io.Reader
	logger *zap.Logger

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once

	notifications NotificationSink

	readerDone chan struct{}
}

// New constructs a Bridge over stdin/stdout pipes already wired to a
// running child. Start must be called before Send.
func New(name string, stdin io.Writer, stdout io.Reader, logger *zap.Logger, sink NotificationSink) *Bridge {
	return &Bridge{
		name:          name,
		stdin:         stdin,
		stdout:        stdout,
		logger:        logger,
		pending:       make(map[int64]*pendingRequest),
		notifications: sink,
		readerDone:    make(chan struct{}),
	}
}

// Start launches the reader loop and performs the MCP initialize
// handshake. If the handshake does not complete within initTimeout, Start
// returns an error and the bridge should be considered unusable.
func (b *Bridge) Start(ctx context.Context, initTimeout time.Duration) error {
	go b.readLoop(b.stdout)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "mcp-router", "version": "1"},
	}
	if _, err := b.Send(initCtx, "initialize", params, initTimeout); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := b.SendNotification(initCtx, "initialized", map[string]interface{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Send writes a JSON-RPC request and blocks until a matching response
// arrives, the timeout elapses, ctx is cancelled, or the bridge closes.
func (b *Bridge) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, ErrBridgeClosed
	}

	id := b.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}

	waiter := make(chan rpcResult, 1)
	pr := &pendingRequest{waiter: waiter, deadline: time.Now().Add(timeout)}

	b.pendingMu.Lock()
	b.pending[id] = pr
	b.pendingMu.Unlock()

	if err := b.writeFrame(req); err != nil {
		b.removePending(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res.closed {
			return nil, ErrBridgeClosed
		}
		if res.rpcErr != nil {
			return nil, res.rpcErr
		}
		return res.payload, nil
	case <-timer.C:
		b.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.removePending(id)
		return nil, ctx.Err()
	}
}

// SendNotification writes a JSON-RPC notification (no id, no response
// expected) and returns once the write completes.
func (b *Bridge) SendNotification(ctx context.Context, method string, params interface{}) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: params}
	return b.writeFrame(req)
}

// ListTools calls the MCP tools/list method.
func (b *Bridge) ListTools(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	return b.Send(ctx, "tools/list", map[string]interface{}{}, timeout)
}

// CallTool calls the MCP tools/call method for the named tool.
func (b *Bridge) CallTool(ctx context.Context, name string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]interface{}{"name": name, "arguments": args}
	return b.Send(ctx, "tools/call", params, timeout)
}

func (b *Bridge) writeFrame(req Request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = b.stdin.Write(line)
	return err
}

func (b *Bridge) removePending(id int64) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// readLoop scans newline-delimited JSON-RPC frames from the child's
// stdout until EOF or a read error, at which point the bridge closes.
func (b *Bridge) readLoop(stdout io.Reader) {
	defer close(b.readerDone)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			if b.logger != nil {
				b.logger.Warn("failed to parse frame from child", zap.String("server", b.name), zap.Error(err))
			}
			continue
		}

		switch {
		case resp.ID != nil && (resp.Result != nil) != (resp.Error != nil):
			b.completeWaiter(*resp.ID, resp)
		case resp.ID == nil && resp.Method != "":
			if b.notifications != nil {
				b.notifications(resp.Method, resp.Params)
			}
		default:
			if b.logger != nil {
				b.logger.Warn("unrecognized frame from child", zap.String("server", b.name))
			}
		}
	}

	b.Close()
}

func (b *Bridge) completeWaiter(id int64, resp Response) {
	b.pendingMu.Lock()
	pr, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	if !ok {
		return
	}
	pr.waiter <- rpcResult{payload: resp.Result, rpcErr: resp.Error}
}

// Close idempotently tears down the bridge: marks it closed and cancels
// every pending waiter with ErrBridgeClosed. It neither stops nor waits
// for the reader loop, which runs until the child's stdout reaches EOF or
// a read error; Done reports when it has exited.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.closed.Store(true)

		b.pendingMu.Lock()
		pending := b.pending
		b.pending = make(map[int64]*pendingRequest)
		b.pendingMu.Unlock()

		for _, pr := range pending {
			pr.waiter <- rpcResult{closed: true}
		}
	})
}

// Done returns a channel closed once the reader loop has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.readerDone
}

// IsClosed reports whether the bridge has been closed.
func (b *Bridge) IsClosed() bool {
	return b.closed.Load()
}
