// Package llmadapter exposes a single, uniform operation for structured
// extraction against a chat-completions LLM: extract_structured.
package llmadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/memoryforge/memoryd/internal/model"
)

// Config configures one Adapter instance.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
}

// Adapter issues schema-constrained chat completions and classifies
// failures into the UPSTREAM_TRANSIENT/UPSTREAM_PERMANENT taxonomy.
type Adapter struct {
	client      openai.Client
	cfg         Config
	logger      *log.Logger
}

// New constructs an Adapter over the OpenAI-compatible chat-completions
// API, mirroring the plain (non-TEE) branch of this codebase's existing
// OpenAI client construction.
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

// Schema is a JSON-schema-like description of the object extract_structured
// must return: an object schema with a "name" used as the forced tool's
// function name.
type Schema struct {
	Name       string
	Description string
	Parameters map[string]any
}

// ExtractStructured calls the LLM with a single forced tool call whose
// parameters schema is the caller's Schema, the way this codebase's
// existing fact-extraction code forces a single EXTRACT_FACTS tool call
// rather than parsing free-form JSON. It retries UPSTREAM_TRANSIENT
// failures with exponential backoff up to cfg.MaxRetries times.
func (a *Adapter) ExtractStructured(ctx context.Context, systemPrompt, userPrompt string, schema Schema) (map[string]any, error) {
	tool := openai.ChatCompletionToolParam{
		Type: "function",
		Function: openai.FunctionDefinitionParam{
			Name:        schema.Name,
			Description: param.NewOpt(schema.Description),
			Parameters:  schema.Parameters,
		},
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := a.cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, model.Classify(model.ClassCancelled, ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		completion, err := a.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
			Model:       a.cfg.Model,
			Messages:    messages,
			Tools:       []openai.ChatCompletionToolParam{tool},
			Temperature: param.NewOpt(a.cfg.Temperature),
			ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: schema.Name},
				},
			},
		})
		cancel()

		if err != nil {
			class := classify(err)
			lastErr = model.Classify(class, err)
			if class != model.ClassUpstreamTransient {
				return nil, lastErr
			}
			a.logger.Warn("llm call failed, retrying", "attempt", attempt, "err", err)
			continue
		}

		if len(completion.Choices) == 0 || len(completion.Choices[0].Message.ToolCalls) == 0 {
			lastErr = model.Classifyf(model.ClassUpstreamPermanent, "llm response contained no tool call")
			continue
		}

		raw := completion.Choices[0].Message.ToolCalls[0].Function.Arguments
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			lastErr = model.Classify(model.ClassUpstreamPermanent, fmt.Errorf("parsing tool call arguments: %w", err))
			continue
		}
		return parsed, nil
	}
	return nil, lastErr
}

// classify maps an openai-go error to the UPSTREAM_TRANSIENT/
// UPSTREAM_PERMANENT taxonomy based on HTTP status, the way §4.1
// requires: network/5xx/rate-limit is transient, auth/4xx is permanent.
func classify(err error) model.Class {
	var apiErr *openai.Error
	if ok := asOpenAIError(err, &apiErr); ok {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return model.ClassUpstreamTransient
		case apiErr.StatusCode >= 500:
			return model.ClassUpstreamTransient
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return model.ClassUpstreamPermanent
		case apiErr.StatusCode >= 400:
			return model.ClassUpstreamPermanent
		}
	}
	// Network errors without a structured status (timeouts, connection
	// resets) are treated as transient.
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
