package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/vec"
	"github.com/blueberrycongee/memvault/pkg/memerr"
)

// serviceProvider talks to an embedding server over HTTP. Two wire flavors
// are supported: the OpenAI-compatible /v1/embeddings batch shape and the
// Ollama /api/embeddings per-prompt shape.
type serviceProvider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	dim    atomic.Int32
}

func newServiceProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	if cfg.BaseURL == "" {
		switch cfg.Flavor {
		case "ollama":
			cfg.BaseURL = "http://localhost:11434"
		default:
			return nil, fmt.Errorf("embedding service base URL is required for flavor %q", cfg.Flavor)
		}
	}

	p := &serviceProvider{
		cfg:    cfg,
		logger: logger.With("component", "embedding", "backend", "service", "flavor", cfg.Flavor),
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	p.dim.Store(int32(cfg.Dimension))
	return p, nil
}

func (p *serviceProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *serviceProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var (
		out []([]float32)
		err error
	)
	switch p.cfg.Flavor {
	case "ollama":
		out, err = p.embedOllama(ctx, texts)
	default:
		out, err = p.embedOpenAI(ctx, texts)
	}
	if err != nil {
		return nil, err
	}

	for i, v := range out {
		if len(v) == 0 || !vec.IsFinite(v) {
			return nil, memerr.EmbeddingFailure(
				fmt.Sprintf("backend returned an unusable vector for input %d", i), nil)
		}
		vec.Normalize(v)
	}
	p.dim.CompareAndSwap(0, int32(len(out[0])))
	return out, nil
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *serviceProvider) embedOpenAI(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Respect the configured batch size; MiniLM-class servers choke on huge
	// payloads long before the HTTP layer does.
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(texts))
		chunk := texts[start:end]

		body, err := json.Marshal(openAIEmbeddingRequest{Model: p.cfg.Model, Input: chunk})
		if err != nil {
			return nil, fmt.Errorf("marshal embedding request: %w", err)
		}

		raw, err := p.post(ctx, strings.TrimSuffix(p.cfg.BaseURL, "/")+"/v1/embeddings", body)
		if err != nil {
			return nil, err
		}

		var resp openAIEmbeddingResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, memerr.EmbeddingFailure("unmarshal embedding response", err)
		}
		if len(resp.Data) != len(chunk) {
			return nil, memerr.EmbeddingFailure(
				fmt.Sprintf("backend returned %d vectors for %d inputs", len(resp.Data), len(chunk)), nil)
		}
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(chunk) {
				return nil, memerr.EmbeddingFailure("backend returned an out-of-range index", nil)
			}
			out[start+d.Index] = d.Embedding
		}
	}
	return out, nil
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *serviceProvider) embedOllama(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/api/embeddings"

	for i, text := range texts {
		body, err := json.Marshal(ollamaEmbeddingRequest{Model: p.cfg.Model, Prompt: text})
		if err != nil {
			return nil, fmt.Errorf("marshal embedding request: %w", err)
		}
		raw, err := p.post(ctx, url, body)
		if err != nil {
			return nil, err
		}
		var resp ollamaEmbeddingResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, memerr.EmbeddingFailure("unmarshal embedding response", err)
		}
		out[i] = resp.Embedding
	}
	return out, nil
}

func (p *serviceProvider) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, memerr.EmbeddingFailure("embedding service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, memerr.EmbeddingFailure("read embedding response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, memerr.EmbeddingFailure(
			fmt.Sprintf("embedding service returned %d: %s", resp.StatusCode, truncate(string(raw), 200)), nil)
	}
	return raw, nil
}

func (p *serviceProvider) Dimension() int    { return int(p.dim.Load()) }
func (p *serviceProvider) ModelName() string { return p.cfg.Model }

func (p *serviceProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
