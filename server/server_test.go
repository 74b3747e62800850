package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/breaker"
	"github.com/OmegaTeee/mcp-agenthub-sub000/cache"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
	"github.com/OmegaTeee/mcp-agenthub-sub000/enhancement"
	"github.com/OmegaTeee/mcp-agenthub-sub000/metrics"
	"github.com/OmegaTeee/mcp-agenthub-sub000/pipeline"
	"github.com/OmegaTeee/mcp-agenthub-sub000/process"
	"github.com/OmegaTeee/mcp-agenthub-sub000/registry"
	"github.com/OmegaTeee/mcp-agenthub-sub000/supervisor"
)

type fakeGenerator struct{}

func (fakeGenerator) Generate(ctx context.Context, modelID, systemPrompt, prompt string, temperature float64, maxTokens int) (string, error) {
	return "enhanced:" + prompt, nil
}

func newTestRouter(t *testing.T, decls ...config.ServerDeclaration) *Router {
	t.Helper()
	reg, err := registry.New(decls)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1, SuccessThreshold: 1,
	}, zap.NewNop(), nil)
	procs := process.NewManager(zap.NewNop(), nil)
	sup := supervisor.New(reg, procs, zap.NewNop())
	enh := enhancement.New(config.EnhancementConfig{
		Timeout:     time.Second,
		DefaultRule: config.Rule{ModelID: "llama2", Enabled: true},
	}, fakeGenerator{}, cache.New(10), breakers, zap.NewNop())
	p := pipeline.New(reg, breakers, sup, enh, zap.NewNop())
	m := metrics.New()
	return NewRouter(p, m, zap.NewNop(), 5*time.Second)
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t, config.ServerDeclaration{Name: "echo", Command: "/bin/cat"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetServerNotFound(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/servers/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListServers(t *testing.T) {
	r := newTestRouter(t, config.ServerDeclaration{Name: "echo", Command: "/bin/cat"})

	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snaps []registry.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 server, got %d", len(snaps))
	}
}

func TestProxyUnknownServerRendersJSONRPCError(t *testing.T) {
	r := newTestRouter(t)

	body, _ := json.Marshal(jsonRPCEnvelope{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "tools/list"})
	req := httptest.NewRequest(http.MethodPost, "/mcp/missing/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a JSON-RPC error body")
	}
}

func TestEnhanceEndpoint(t *testing.T) {
	r := newTestRouter(t)

	body, _ := json.Marshal(enhanceRequest{Prompt: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/ollama/enhance", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp enhanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.WasEnhanced || resp.Original != "hello" || resp.Enhanced != "enhanced:hello" {
		t.Fatalf("unexpected enhance response: %+v", resp)
	}
}

func TestEnhanceRejectsEmptyPrompt(t *testing.T) {
	r := newTestRouter(t)

	body, _ := json.Marshal(enhanceRequest{Prompt: ""})
	req := httptest.NewRequest(http.MethodPost, "/ollama/enhance", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCircuitBreakerSnapshotAndReset(t *testing.T) {
	r := newTestRouter(t, config.ServerDeclaration{Name: "echo", Command: "/bin/cat"})

	req := httptest.NewRequest(http.MethodGet, "/circuit-breakers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/circuit-breakers/echo/reset", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode reset response: %v", err)
	}
	if resp["name"] != "echo" || resp["status"] != "reset" {
		t.Fatalf("unexpected reset response: %+v", resp)
	}
}

func TestCircuitBreakerResetUnknownNameReturns404(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/circuit-breakers/missing/reset", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartServerUnknownNameReturns404(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/servers/missing/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
