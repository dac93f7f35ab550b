// Package embedadapter batches text into vectors via an external
// embedding provider, with deterministic truncation and TRANSIENT/
// PERMANENT retry, matching §4.2.
package embedadapter

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/memoryforge/memoryd/internal/model"
)

// Config configures one Adapter instance. Dimension is the fixed vector
// length this adapter instance declares and enforces.
type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	Dimension        int
	MaxInputTokens   int
	Timeout          time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
}

// charsPerToken is the conservative character-per-token ratio used for
// the character-based truncation approximation §4.2 permits.
const charsPerToken = 4

// EmbedResult is the outcome of one embed_many call: vectors in the same
// order as the input texts, with empty-input entries flagged.
type EmbedResult struct {
	Vectors    [][]float32
	ModelID    string
	EmptyFlags []bool
	Err        error
}

// Adapter wraps the OpenAI-compatible embeddings endpoint, narrowing its
// float64 output to float32 the way this codebase's embedding wrapper
// narrows for its vector store's input type.
type Adapter struct {
	client openai.Client
	cfg    Config
	logger *log.Logger
}

// New constructs an Adapter.
func New(cfg Config, logger *log.Logger) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{client: openai.NewClient(opts...), cfg: cfg, logger: logger}
}

// Dimension returns the fixed vector length this adapter declares.
func (a *Adapter) Dimension() int { return a.cfg.Dimension }

// truncate deterministically and idempotently shortens text to fit the
// provider's token budget, using a character-based approximation.
func (a *Adapter) truncate(text string) string {
	maxChars := a.cfg.MaxInputTokens * charsPerToken
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// EmbedOne is a convenience wrapper around EmbedMany for a single text.
func (a *Adapter) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	result := a.EmbedMany(ctx, []string{text})
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Vectors[0], nil
}

// EmbedMany embeds texts in one provider call. vectors[i] corresponds to
// texts[i]. On failure the entire batch's EmbedResult is flagged; no
// partial vectors are returned within a single batch, per §4.2.
func (a *Adapter) EmbedMany(ctx context.Context, texts []string) EmbedResult {
	truncated := make([]string, len(texts))
	empty := make([]bool, len(texts))
	for i, t := range texts {
		truncated[i] = a.truncate(t)
		empty[i] = truncated[i] == ""
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := a.cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return EmbedResult{Err: model.Classify(model.ClassCancelled, ctx.Err())}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		resp, err := a.client.Embeddings.New(callCtx, openai.EmbeddingNewParams{
			Model: a.cfg.Model,
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: truncated},
		})
		cancel()

		if err != nil {
			class := classify(err)
			lastErr = model.Classify(class, err)
			if class != model.ClassUpstreamTransient {
				return EmbedResult{Err: lastErr}
			}
			a.logger.Warn("embedding call failed, retrying", "attempt", attempt, "err", err)
			continue
		}

		vectors := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			if len(d.Embedding) != a.cfg.Dimension {
				return EmbedResult{Err: model.Classifyf(model.ClassUpstreamPermanent,
					"embedding dimension drift: got %d, adapter declares %d", len(d.Embedding), a.cfg.Dimension)}
			}
			vectors[i] = toFloat32(d.Embedding)
		}
		return EmbedResult{Vectors: vectors, ModelID: a.cfg.Model, EmptyFlags: empty}
	}
	return EmbedResult{Err: lastErr}
}

// EmbedBatched chunks texts into batches of batchSize and embeds each
// independently, so a single bad batch does not fail the whole call.
func (a *Adapter) EmbedBatched(ctx context.Context, texts []string, batchSize int) []EmbedResult {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	var results []EmbedResult
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		results = append(results, a.EmbedMany(ctx, texts[start:end]))
	}
	return results
}

func toFloat32(v []float64) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func classify(err error) model.Class {
	var apiErr *openai.Error
	if asOpenAIError(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return model.ClassUpstreamTransient
		case apiErr.StatusCode >= 400:
			return model.ClassUpstreamPermanent
		}
	}
	return model.ClassUpstreamTransient
}

func asOpenAIError(err error, target **openai.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if apiErr, ok := err.(*openai.Error); ok {
			*target = apiErr
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
