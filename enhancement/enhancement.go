// Package enhancement runs incoming prompts through an optional
// Ollama-backed rewrite step, gated by a cache and a circuit breaker so a
// slow or unreachable Ollama never turns into a failed request.
package enhancement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/OmegaTeee/mcp-agenthub-sub000/breaker"
	"github.com/OmegaTeee/mcp-agenthub-sub000/cache"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
)

const breakerTarget = "ollama"

// Generator is the minimal capability the Service needs from an external
// LLM: produce text for a prompt under the given sampling parameters. The
// concrete implementation speaks the Ollama HTTP generate API.
type Generator interface {
	Generate(ctx context.Context, modelID, systemPrompt, prompt string, temperature float64, maxTokens int) (string, error)
}

// Result is the outcome of running a prompt through the service.
type Result struct {
	Original    string
	Prompt      string
	WasEnhanced bool
	Cached      bool
	Err         error
}

// Service enhances prompts per a default rule and optional per-client
// overrides, backed by a cache and a circuit breaker for the Ollama target.
type Service struct {
	cfg       config.EnhancementConfig
	generator Generator
	cache     *cache.Cache
	breakers  *breaker.Registry
	logger    *zap.Logger
	group     singleflight.Group
}

// New builds a Service. cacheStore and breakers are shared with the rest of
// the router (one cache, one breaker registry per process).
func New(cfg config.EnhancementConfig, generator Generator, cacheStore *cache.Cache, breakers *breaker.Registry, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		generator: generator,
		cache:     cacheStore,
		breakers:  breakers,
		logger:    logger,
	}
}

// Enhance runs prompt through the rule selected for clientID (or the
// default rule, if clientID is empty or has no override). It never returns
// an error that should surface to the caller as a failed request: on any
// breaker rejection, timeout, or upstream error it falls back to the
// original prompt with WasEnhanced false, logging the cause. bypassCache
// skips the cache lookup and forces a fresh generation, still populating
// the cache with the new result for subsequent calls.
func (s *Service) Enhance(ctx context.Context, prompt, clientID string, bypassCache bool) Result {
	rule := s.selectRule(clientID)
	if !rule.Enabled {
		return Result{Original: prompt, Prompt: prompt, WasEnhanced: false}
	}

	key := fingerprint(rule, prompt)

	if !bypassCache {
		if cached, ok := s.cache.Get(key); ok {
			return Result{Original: prompt, Prompt: cached.(string), WasEnhanced: true, Cached: true}
		}
	}

	permit, openErr := s.breakers.Check(breakerTarget)
	if openErr != nil {
		s.logger.Warn("enhancement skipped: breaker open",
			zap.String("target", breakerTarget), zap.Error(openErr))
		return Result{Original: prompt, Prompt: prompt, WasEnhanced: false, Err: openErr}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		timeout := s.cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		genCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.generator.Generate(genCtx, rule.ModelID, rule.SystemPrompt, prompt, rule.Temperature, rule.MaxTokens)
	})

	if err != nil {
		permit.Record(err)
		s.logger.Warn("enhancement call failed, returning original prompt",
			zap.String("target", breakerTarget), zap.Error(err))
		return Result{Original: prompt, Prompt: prompt, WasEnhanced: false, Err: err}
	}

	permit.Record(nil)
	enhanced := v.(string)
	s.cache.Put(key, enhanced)
	return Result{Original: prompt, Prompt: enhanced, WasEnhanced: true, Cached: false}
}

func (s *Service) selectRule(clientID string) config.Rule {
	if clientID != "" {
		if rule, ok := s.cfg.ClientRules[clientID]; ok {
			return rule
		}
	}
	return s.cfg.DefaultRule
}

// fingerprint computes a deterministic cache key over a rule's parameters
// and the prompt text, stable across process restarts.
func fingerprint(rule config.Rule, prompt string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.6f\x00%d\x00%s", rule.ModelID, rule.SystemPrompt, rule.Temperature, rule.MaxTokens, prompt)
	return hex.EncodeToString(h.Sum(nil))
}
