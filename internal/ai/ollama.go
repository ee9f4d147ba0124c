// Package ai provides the Ollama model client used by enrichment and
// generation. Ollama's native API is used rather than its OpenAI
// compatibility layer because the engine needs pull progress and
// keep_alive-based unloading, which only the native endpoints expose.
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrModelNotFound indicates the requested model is not installed.
var ErrModelNotFound = errors.New("model not installed")

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single chat request.
type Options struct {
	Temperature float64
	NumPredict  int
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ClientUsage aggregates usage across the client's lifetime.
type ClientUsage struct {
	RequestCount int64
	TotalTokens  int64
	ErrorCount   int64
	AvgLatency   float64
	LastUsed     time.Time
}

// ModelInfo describes one installed model.
type ModelInfo struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client

	usageMu sync.RWMutex
	usage   ClientUsage
}

// NewOllamaClient creates a client for baseURL (default localhost:11434).
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Local inference with large models is slow; individual calls
			// are bounded by their contexts.
			Timeout: 900 * time.Second,
		},
	}
}

// BaseURL returns the configured server URL.
func (o *OllamaClient) BaseURL() string { return o.baseURL }

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []ChatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// Chat sends a blocking chat request and returns the full response text.
func (o *OllamaClient) Chat(ctx context.Context, model string, messages []ChatMessage, opts Options) (string, Usage, error) {
	start := time.Now()
	body, err := o.post(ctx, "/api/chat", chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  optionsMap(opts),
	})
	if err != nil {
		o.recordError()
		return "", Usage{}, err
	}
	defer body.Close()

	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		o.recordError()
		return "", Usage{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if resp.Error != "" {
		o.recordError()
		return "", Usage{}, fmt.Errorf("ollama: %s", resp.Error)
	}

	usage := Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
	o.recordUsage(usage, time.Since(start))
	return resp.Message.Content, usage, nil
}

// ChatStream sends a streaming chat request, invoking fn for every token.
// The accumulated response text is returned; fn returning an error aborts
// the stream.
func (o *OllamaClient) ChatStream(ctx context.Context, model string, messages []ChatMessage, opts Options, fn func(token string) error) (string, Usage, error) {
	start := time.Now()
	body, err := o.post(ctx, "/api/chat", chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  optionsMap(opts),
	})
	if err != nil {
		o.recordError()
		return "", Usage{}, err
	}
	defer body.Close()

	var (
		full  strings.Builder
		usage Usage
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			o.recordError()
			return full.String(), usage, fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if fn != nil {
				if err := fn(chunk.Message.Content); err != nil {
					return full.String(), usage, err
				}
			}
		}
		if chunk.Done {
			usage.PromptTokens = chunk.PromptEvalCount
			usage.CompletionTokens = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		o.recordError()
		return full.String(), usage, fmt.Errorf("reading chat stream: %w", err)
	}

	o.recordUsage(usage, time.Since(start))
	return full.String(), usage, nil
}

// HasModel reports whether model (or its base name) is installed.
func (o *OllamaClient) HasModel(ctx context.Context, model string) (bool, error) {
	installed, err := o.ListModels(ctx)
	if err != nil {
		return false, err
	}
	base := strings.SplitN(model, ":", 2)[0]
	for _, m := range installed {
		if m.Name == model || strings.SplitN(m.Name, ":", 2)[0] == base {
			return true, nil
		}
	}
	return false, nil
}

type pullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// EnsureModel checks that model is installed and pulls it if not.
// progress (optional) receives percentages in 10% steps during a pull.
func (o *OllamaClient) EnsureModel(ctx context.Context, model string, progress func(pct int)) error {
	ok, err := o.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	body, err := o.post(ctx, "/api/pull", map[string]interface{}{
		"model":  model,
		"stream": true,
	})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", model, err)
	}
	defer body.Close()

	lastReported := -1
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p pullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}
		if p.Error != "" {
			return fmt.Errorf("pulling %s: %s", model, p.Error)
		}
		if p.Total > 0 && progress != nil {
			pct := int(p.Completed * 100 / p.Total)
			if pct/10 > lastReported/10 {
				lastReported = pct
				progress(pct)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading pull stream for %s: %w", model, err)
	}

	ok, err = o.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	return nil
}

// Unload asks Ollama to evict model from memory immediately.
func (o *OllamaClient) Unload(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	body, err := o.post(ctx, "/api/generate", map[string]interface{}{
		"model":      model,
		"keep_alive": 0,
	})
	if err != nil {
		return err
	}
	defer body.Close()
	_, _ = io.Copy(io.Discard, body)
	return nil
}

// ListModels returns the installed models.
func (o *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", o.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing models: status %d", resp.StatusCode)
	}

	var tags struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	return tags.Models, nil
}

// Health checks that the Ollama server is reachable.
func (o *OllamaClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := o.ListModels(ctx)
	return err
}

// GetUsage returns aggregate usage statistics.
func (o *OllamaClient) GetUsage() ClientUsage {
	o.usageMu.RLock()
	defer o.usageMu.RUnlock()
	return o.usage
}

func (o *OllamaClient) post(ctx context.Context, path string, payload interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", o.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w (status 404): %s", ErrModelNotFound, strings.TrimSpace(string(body)))
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return nil, fmt.Errorf("ollama server error (status %d): is Ollama running?", resp.StatusCode)
		default:
			return nil, fmt.Errorf("ollama request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
	return resp.Body, nil
}

func optionsMap(opts Options) map[string]interface{} {
	// Temperature is always sent: 0 means greedy decoding, not "use the
	// server default".
	m := map[string]interface{}{
		"temperature": opts.Temperature,
	}
	if opts.NumPredict > 0 {
		m["num_predict"] = opts.NumPredict
	}
	return m
}

func (o *OllamaClient) recordUsage(u Usage, latency time.Duration) {
	o.usageMu.Lock()
	defer o.usageMu.Unlock()
	o.usage.RequestCount++
	o.usage.TotalTokens += int64(u.PromptTokens + u.CompletionTokens)
	if o.usage.RequestCount > 1 {
		o.usage.AvgLatency = (o.usage.AvgLatency*float64(o.usage.RequestCount-1) + latency.Seconds()) / float64(o.usage.RequestCount)
	} else {
		o.usage.AvgLatency = latency.Seconds()
	}
	o.usage.LastUsed = time.Now()
}

func (o *OllamaClient) recordError() {
	o.usageMu.Lock()
	defer o.usageMu.Unlock()
	o.usage.ErrorCount++
}
