// Package llm provides OpenAI-compatible embedding and chat-completion
// clients plus keyword extraction for fulltext indexing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/metagraph-ai/metagraph/internal/config"
	"github.com/metagraph-ai/metagraph/internal/observability"
	"github.com/metagraph-ai/metagraph/internal/retryx"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Embedder turns texts into vectors, order-preserving.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer runs a chat completion against a named model role.
type Completer interface {
	Complete(ctx context.Context, role string, messages []Message) (string, error)
}

// Client talks to the configured OpenAI-compatible endpoints. HTTP clients
// are created per call; there is no long-lived connection pool.
type Client struct {
	cfg      config.LLMConfig
	embedCfg config.EmbeddingConfig
	logger   *observability.Logger
	sem      *semaphore.Weighted
}

// NewClient creates a client from the LLM and embedding configuration.
func NewClient(cfg config.LLMConfig, embedCfg config.EmbeddingConfig, logger *observability.Logger) *Client {
	concurrency := embedCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 20
	}
	return &Client{
		cfg:      cfg,
		embedCfg: embedCfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

func (c *Client) retryPolicy() retryx.Policy {
	p := retryx.DefaultPolicy()
	if c.cfg.MaxRetries > 0 {
		p.MaxAttempts = c.cfg.MaxRetries
	}
	if c.cfg.Timeout > 0 {
		p.Timeout = c.cfg.Timeout
	}
	if c.cfg.BackoffFactor > 0 {
		p.BackoffFactor = c.cfg.BackoffFactor
		p.MinDelay = 0
	}
	return p
}

// Embed embeds texts in chunks dispatched concurrently under the client
// semaphore. Empty input returns empty output without a network call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	model, err := c.cfg.Model("embed")
	if err != nil {
		return nil, err
	}

	batchSize := c.embedCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			var chunk [][]float32
			err := retryx.Do(gctx, c.retryPolicy(), func(ctx context.Context) error {
				var err error
				chunk, err = c.embedChunk(ctx, model, texts[start:end])
				return err
			})
			if err != nil {
				return fmt.Errorf("embed chunk %d-%d: %w", start, end, err)
			}
			copy(vectors[start:end], chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (c *Client) embedChunk(ctx context.Context, model config.ModelConfig, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Input:          texts,
		Model:          model.Model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.post(ctx, model, "/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index out of range: %d", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

// Complete runs a chat completion against the model bound to the given role.
func (c *Client) Complete(ctx context.Context, role string, messages []Message) (string, error) {
	model, err := c.cfg.Model(role)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"model":    model.Model,
		"messages": messages,
	}
	for k, v := range model.Params {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var content string
	err = retryx.Do(ctx, c.retryPolicy(), func(ctx context.Context) error {
		respBody, err := c.post(ctx, model, "/chat/completions", body)
		if err != nil {
			return err
		}
		var resp completionResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("complete with model %s: %w", model.Model, err)
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, model config.ModelConfig, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, model.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if model.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+model.APIKey)
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	defer httpClient.CloseIdleConnections()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("api error: %s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("api error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

var (
	_ Embedder  = (*Client)(nil)
	_ Completer = (*Client)(nil)
)
