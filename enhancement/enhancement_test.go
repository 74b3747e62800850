package enhancement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/breaker"
	"github.com/OmegaTeee/mcp-agenthub-sub000/cache"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
)

type fakeGenerator struct {
	calls   atomic.Int32
	text    string
	err     error
	delay   time.Duration
}

func (f *fakeGenerator) Generate(ctx context.Context, modelID, systemPrompt, prompt string, temperature float64, maxTokens int) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func testEnhancementConfig() config.EnhancementConfig {
	return config.EnhancementConfig{
		Endpoint: "http://localhost:11434",
		Timeout:  time.Second,
		DefaultRule: config.Rule{
			ModelID:      "llama2",
			SystemPrompt: "improve prompts",
			Temperature:  0.5,
			MaxTokens:    256,
			Enabled:      true,
		},
		ClientRules: map[string]config.Rule{
			"quiet-client": {Enabled: false},
		},
	}
}

func newTestBreakers() *breaker.Registry {
	return breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}, zap.NewNop(), nil)
}

func TestEnhanceReturnsEnhancedPromptAndCaches(t *testing.T) {
	gen := &fakeGenerator{text: "better prompt"}
	svc := New(testEnhancementConfig(), gen, cache.New(10), newTestBreakers(), zap.NewNop())

	res := svc.Enhance(context.Background(), "original", "", false)
	if !res.WasEnhanced || res.Cached {
		t.Fatalf("expected enhanced, uncached result, got %+v", res)
	}
	if res.Prompt != "better prompt" {
		t.Errorf("unexpected prompt: %q", res.Prompt)
	}

	res2 := svc.Enhance(context.Background(), "original", "", false)
	if !res2.Cached {
		t.Error("expected second identical call to hit the cache")
	}
	if gen.calls.Load() != 1 {
		t.Errorf("expected generator called once, got %d", gen.calls.Load())
	}
}

func TestEnhanceDisabledRuleReturnsUnchanged(t *testing.T) {
	gen := &fakeGenerator{text: "should not be used"}
	svc := New(testEnhancementConfig(), gen, cache.New(10), newTestBreakers(), zap.NewNop())

	res := svc.Enhance(context.Background(), "original", "quiet-client", false)
	if res.WasEnhanced || res.Prompt != "original" {
		t.Fatalf("expected unchanged prompt for disabled rule, got %+v", res)
	}
	if gen.calls.Load() != 0 {
		t.Error("expected generator not to be called for a disabled rule")
	}
}

func TestEnhanceFallsBackOnGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream exploded")}
	svc := New(testEnhancementConfig(), gen, cache.New(10), newTestBreakers(), zap.NewNop())

	res := svc.Enhance(context.Background(), "original", "", false)
	if res.WasEnhanced {
		t.Fatal("expected fallback to original prompt on generator error")
	}
	if res.Prompt != "original" {
		t.Errorf("expected original prompt preserved, got %q", res.Prompt)
	}
	if res.Err == nil {
		t.Error("expected error to be surfaced for logging")
	}
}

func TestEnhanceFallsBackWhenBreakerOpen(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("fails every time")}
	breakers := newTestBreakers()
	svc := New(testEnhancementConfig(), gen, cache.New(10), breakers, zap.NewNop())

	// Trip the breaker with two failures (FailureThreshold=2 above).
	svc.Enhance(context.Background(), "first", "", false)
	svc.Enhance(context.Background(), "second", "", false)

	res := svc.Enhance(context.Background(), "third", "", false)
	if res.WasEnhanced {
		t.Fatal("expected no enhancement once the breaker trips open")
	}
	if res.Err == nil {
		t.Error("expected breaker-open error to be surfaced")
	}
}
