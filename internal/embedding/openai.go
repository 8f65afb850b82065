package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/metrics"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	// RequestsPerSecond throttles provider calls; 0 disables throttling.
	RequestsPerSecond float64
}

// OpenAI calls the /embeddings endpoint of any OpenAI-compatible server.
type OpenAI struct {
	client  *openai.Client
	cfg     OpenAIConfig
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewOpenAI creates a provider. log and m may be nil.
func NewOpenAI(cfg OpenAIConfig, log *slog.Logger, m *metrics.Metrics) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		limiter: limiter,
		log:     log,
		metrics: m,
	}
}

func (o *OpenAI) Model() string  { return o.cfg.Model }
func (o *OpenAI) Dimension() int { return o.cfg.Dimensions }

// Embed sends texts in batches of BatchSize. Any failed batch fails the
// whole call; Batcher is the partial-failure aware entry point.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, group := range lo.Chunk(texts, o.cfg.BatchSize) {
		vecs, err := o.embedBatch(ctx, group)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (o *OpenAI) embedBatch(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	defer func() { o.metrics.EmbedRequest(len(texts), err) }()

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding: rate limit wait: %v: %w", err, apperr.ErrEmbeddingUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.cfg.Model),
	}
	if o.cfg.Dimensions > 0 {
		req.Dimensions = o.cfg.Dimensions
	}
	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		o.log.Warn("embedding: request failed", slog.String("model", o.cfg.Model), slog.Int("texts", len(texts)), slog.String("error", err.Error()))
		return nil, fmt.Errorf("embedding: create embeddings: %v: %w", err, apperr.ErrEmbeddingUnavailable)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d texts: %w", len(resp.Data), len(texts), apperr.ErrEmbeddingUnavailable)
	}
	vecs = make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: provider returned index %d: %w", d.Index, apperr.ErrEmbeddingUnavailable)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
