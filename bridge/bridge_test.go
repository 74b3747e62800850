package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

// fakeChild simulates a well-behaved MCP child: it reads one frame at a
// time from its stdin and lets the test decide how to respond.
type fakeChild struct {
	toChild   io.ReadCloser
	toRouter  io.WriteCloser
	childR    *bufio.Scanner
}

func newFakeChild(childStdin io.ReadCloser, routerStdout io.WriteCloser) *fakeChild {
	return &fakeChild{toChild: childStdin, toRouter: routerStdout, childR: bufio.NewScanner(childStdin)}
}

func (f *fakeChild) readFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	if !f.childR.Scan() {
		t.Fatalf("child scanner failed: %v", f.childR.Err())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(f.childR.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func (f *fakeChild) respond(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result}
	line, _ := json.Marshal(resp)
	line = append(line, '\n')
	if _, err := f.toRouter.Write(line); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func newPipeBridge() (*Bridge, *fakeChild) {
	routerStdinR, routerStdinW := io.Pipe()
	childStdoutR, childStdoutW := io.Pipe()

	b := New("echo", routerStdinW, childStdoutR, nil, nil)
	child := newFakeChild(routerStdinR, childStdoutW)
	return b, child
}

func TestBridgeHandshakeAndSend(t *testing.T) {
	b, child := newPipeBridge()

	go func() {
		initReq := child.readFrame(t)
		child.respond(t, initReq["id"], map[string]interface{}{"protocolVersion": "2024-11-05"})
		child.readFrame(t) // initialized notification, no response expected
	}()

	if err := b.Start(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		req := child.readFrame(t)
		child.respond(t, req["id"], map[string]interface{}{"tools": []string{"a"}})
	}()

	result, err := b.ListTools(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var parsed map[string]interface{}
	json.Unmarshal(result, &parsed)
	if _, ok := parsed["tools"]; !ok {
		t.Fatalf("expected tools field in result, got %v", parsed)
	}
}

func TestBridgeSendTimeout(t *testing.T) {
	b, child := newPipeBridge()
	_ = child

	go func() {
		req := child.readFrame(t)
		child.respond(t, req["id"], map[string]interface{}{})
		child.readFrame(t)
		// Deliberately never respond to the next request to force a timeout.
	}()
	if err := b.Start(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		child.readFrame(t) // the timed-out request; consume but do not respond
	}()

	_, err := b.Send(context.Background(), "tools/call", nil, 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBridgeCloseCancelsPending(t *testing.T) {
	b, child := newPipeBridge()

	go func() {
		req := child.readFrame(t)
		child.respond(t, req["id"], map[string]interface{}{})
		child.readFrame(t)
	}()
	if err := b.Start(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Send(context.Background(), "tools/call", nil, 5*time.Second)
		errCh <- err
	}()

	// Give Send time to register its waiter before closing.
	time.Sleep(50 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if err != ErrBridgeClosed {
			t.Fatalf("expected ErrBridgeClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after Close")
	}

	if !b.IsClosed() {
		t.Fatal("expected bridge to report closed")
	}
}

func TestBridgeRejectsSendWhenClosed(t *testing.T) {
	b, _ := newPipeBridge()
	b.Close()

	_, err := b.Send(context.Background(), "tools/list", nil, time.Second)
	if err != ErrBridgeClosed {
		t.Fatalf("expected ErrBridgeClosed, got %v", err)
	}
}
