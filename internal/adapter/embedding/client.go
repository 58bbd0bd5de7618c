// Package embedding implements the EmbeddingModel and TextModel ports
// against an OpenAI-compatible HTTP API, with an LRU result cache for
// embeddings.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	backoff "github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Config wires a client to an OpenAI-compatible endpoint.
type Config struct {
	BaseURL         string
	APIKey          string
	EmbeddingsModel string
	AnnotateModel   string
	CacheSize       int
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
}

// Client calls the embeddings and chat-completions endpoints. Embedding
// results are cached per text under an LRU bound.
type Client struct {
	cfg   Config
	hc    *http.Client
	cache *lru.Cache[string, []float32]
}

var (
	_ domain.EmbeddingModel = (*Client)(nil)
	_ domain.TextModel      = (*Client)(nil)
)

// New constructs a client. A zero CacheSize disables the cache.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("build embedding cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Embed returns one vector per text, in order. Cached texts never reach
// the API; the remaining texts go out in a single request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		if c.cache != nil {
			if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.embedRemote(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embeddings api returned %d vectors for %d texts", len(vectors), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vectors[j]
		if c.cache != nil {
			c.cache.Add(c.cacheKey(missTexts[j]), vectors[j])
		}
	}
	return out, nil
}

func (c *Client) cacheKey(text string) string {
	return c.cfg.EmbeddingsModel + "\x00" + text
}

func (c *Client) embedRemote(ctx context.Context, texts []string) ([][]float32, error) {
	body := map[string]any{
		"model": c.cfg.EmbeddingsModel,
		"input": texts,
	}
	b, _ := json.Marshal(body)

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("embeddings provider rate limited", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: %d", resp.StatusCode)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("embed status %d: %w", resp.StatusCode, domain.ErrAuthentication))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode embeddings response: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return nil, fmt.Errorf("embeddings api: %w", err)
	}

	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Annotate asks the chat model for a JSON annotation of the text.
func (c *Client) Annotate(ctx context.Context, text string) (domain.Annotation, error) {
	body := map[string]any{
		"model": c.cfg.AnnotateModel,
		"messages": []map[string]string{
			{"role": "system", "content": annotateSystemPrompt},
			{"role": "user", "content": text},
		},
		"response_format": map[string]string{"type": "json_object"},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("rate limited: %d", resp.StatusCode)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("annotate status %d: %w", resp.StatusCode, domain.ErrAuthentication))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return backoff.Permanent(fmt.Errorf("annotate status %d: %s", resp.StatusCode, snippet))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("annotate status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return domain.Annotation{}, fmt.Errorf("annotate api: %w", err)
	}
	if len(out.Choices) == 0 {
		return domain.Annotation{}, fmt.Errorf("annotate api returned no choices")
	}

	var ann struct {
		Tokens   []string `json:"tokens"`
		Lemmas   []string `json:"lemmas"`
		POS      []string `json:"pos"`
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(out.Choices[0].Message.Content), &ann); err != nil {
		return domain.Annotation{}, fmt.Errorf("parse annotation: %w", err)
	}
	return domain.Annotation{
		Tokens:   ann.Tokens,
		Lemmas:   ann.Lemmas,
		POS:      ann.POS,
		Entities: ann.Entities,
	}, nil
}

func (c *Client) backoffPolicy(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	if c.cfg.RetryMaxElapsed > 0 {
		expo.MaxElapsedTime = c.cfg.RetryMaxElapsed
	} else {
		expo.MaxElapsedTime = 30 * time.Second
	}
	return backoff.WithContext(expo, ctx)
}

const annotateSystemPrompt = `Annotate the user text. Respond with a JSON object holding four ` +
	`string arrays: "tokens", "lemmas", "pos", and "entities".`

// CacheLen reports the number of cached embedding entries.
func (c *Client) CacheLen() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
