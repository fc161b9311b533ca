// Package llm provides the language-model adapter.
// Clean Architecture: Adapter implementing ports.LLMService against an
// Anthropic-compatible messages API.
package llm

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrTransient marks failures worth retrying: rate limits and server-side
// errors. Anything else from the API is permanent for this input.
var ErrTransient = errors.New("transient llm error")

// IsTransient reports whether the caller may retry the same call.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

const cacheMax = 256

// AnthropicAdapter implements ports.LLMService using the messages API.
// Repeated prompts (tree-search runs the same TOC many times during
// indexing) hit a small in-memory cache instead of the network.
type AnthropicAdapter struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client
	log        *slog.Logger

	mu       sync.Mutex
	cache    map[string]string
	cacheKey []string // insertion order for FIFO eviction
}

// NewAnthropicAdapter creates a new adapter. An empty baseURL targets the
// public API; tests point it at a local server.
func NewAnthropicAdapter(baseURL, apiKey, model string, maxRetries int, log *slog.Logger) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &AnthropicAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: 300 * time.Second},
		log:        log,
		cache:      make(map[string]string),
	}
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prompt and returns the completion text. Transient
// failures are retried with exponential backoff at the call level before
// any error reaches the pipeline's own retry loop.
func (a *AnthropicAdapter) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if cached, ok := a.getCached(prompt); ok {
		return cached, nil
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	var result string
	err := retry.Do(
		func() error {
			var err error
			result, err = a.complete(ctx, prompt, maxTokens)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(a.maxRetries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn("llm call retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return "", err
	}

	a.setCached(prompt, result)
	return result, nil
}

func (a *AnthropicAdapter) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		var mr messagesResponse
		if json.NewDecoder(resp.Body).Decode(&mr) == nil && mr.Error != nil {
			return "", fmt.Errorf("llm api error %d: %s", resp.StatusCode, mr.Error.Message)
		}
		return "", fmt.Errorf("llm api returned status %d", resp.StatusCode)
	}

	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(mr.Content) == 0 {
		return "", fmt.Errorf("llm api returned empty content")
	}
	return mr.Content[0].Text, nil
}

// cacheKeyFor hashes the prompt prefix; prompts differing only deep in a
// long context are rare enough not to matter for this cache.
func cacheKeyFor(prompt string) string {
	if len(prompt) > 400 {
		prompt = prompt[:400]
	}
	sum := md5.Sum([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func (a *AnthropicAdapter) getCached(prompt string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.cache[cacheKeyFor(prompt)]
	return v, ok
}

func (a *AnthropicAdapter) setCached(prompt, result string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := cacheKeyFor(prompt)
	if _, exists := a.cache[key]; exists {
		return
	}
	if len(a.cacheKey) >= cacheMax {
		oldest := a.cacheKey[0]
		a.cacheKey = a.cacheKey[1:]
		delete(a.cache, oldest)
	}
	a.cache[key] = result
	a.cacheKey = append(a.cacheKey, key)
}
