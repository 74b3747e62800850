package enhancement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OllamaGenerator calls the Ollama HTTP generate API directly. No generic
// LLM SDK in the dependency pool this module draws on covers a plain
// single-endpoint HTTP generate call, so this talks to Ollama with
// net/http rather than adopting an unrelated provider abstraction.
type OllamaGenerator struct {
	Endpoint string
	Client   *http.Client
}

// NewOllamaGenerator builds a generator against endpoint (e.g.
// "http://localhost:11434"), using client if non-nil or http.DefaultClient
// otherwise.
func NewOllamaGenerator(endpoint string, client *http.Client) *OllamaGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaGenerator{Endpoint: endpoint, Client: client}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate implements Generator against POST {endpoint}/api/generate.
// Errors distinguish context deadline/cancellation, connection failure,
// and a non-2xx upstream response — all three count as failures against
// the ollama breaker.
func (g *OllamaGenerator) Generate(ctx context.Context, modelID, systemPrompt, prompt string, temperature float64, maxTokens int) (string, error) {
	body := ollamaGenerateRequest{
		Model:  modelID,
		Prompt: prompt,
		System: systemPrompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	url := g.Endpoint + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ollama request timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("ollama connection failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ollama response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama upstream error: status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return decoded.Response, nil
}
