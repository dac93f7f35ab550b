// Package extraction implements the Extraction Stage (§4.5): turning a
// chronological event sequence into validated candidate facts.
package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/memoryforge/memoryd/internal/llmadapter"
	"github.com/memoryforge/memoryd/internal/model"
)

// Config tunes the stage's defaults, all overridable per §6.
type Config struct {
	MinEvents      int
	MinFactLen     int
	MaxFactLen     int
	MaxFacts       int
	FewShotExamples []string
}

// DefaultConfig matches §4.5's named defaults.
func DefaultConfig() Config {
	return Config{MinEvents: 2, MinFactLen: 10, MaxFactLen: 500, MaxFacts: 20}
}

// Result is the Extraction Stage's output: validated candidates plus the
// raw LLM response. The Coordinator does not store or reuse RawResponse.
type Result struct {
	Candidates  []model.ExtractionCandidate
	RawResponse map[string]any
	SkipReason  string
}

// Stage runs the Extraction Stage over the LLM Adapter.
type Stage struct {
	llm llmClient
	cfg Config
}

type llmClient interface {
	ExtractStructured(ctx context.Context, systemPrompt, userPrompt string, schema llmadapter.Schema) (map[string]any, error)
}

// New constructs a Stage.
func New(llm llmClient, cfg Config) *Stage {
	return &Stage{llm: llm, cfg: cfg}
}

var extractionSchema = llmadapter.Schema{
	Name:        "EXTRACT_MEMORIES",
	Description: "Extract structured, memorable user facts from a conversation as an array of {fact, category, confidence, topic, importance}.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"facts": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"fact":       map[string]any{"type": "string", "description": "A short, first-person statement about the user"},
						"category":   map[string]any{"type": "string", "enum": categoryNames()},
						"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"topic":      map[string]any{"type": "string"},
						"importance": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
					"required": []string{"fact", "category", "confidence"},
				},
			},
		},
		"required": []string{"facts"},
	},
}

func categoryNames() []string {
	names := make([]string, 0, len(model.Categories))
	for c := range model.Categories {
		names = append(names, string(c))
	}
	return names
}

const systemPrompt = `You extract structured, memorable user facts from a conversation transcript.
Only extract facts that would be useful to recall in future conversations: preferences, goals,
habits, relationships, professional details, locations, and temporal commitments. Do not extract
routine small talk. Return your answer using the EXTRACT_MEMORIES tool.`

// Extract runs the Extraction Stage over events.
func (s *Stage) Extract(ctx context.Context, events []model.ConversationEvent, minConfidence float64) (*Result, error) {
	if len(events) < s.cfg.MinEvents {
		return &Result{SkipReason: fmt.Sprintf("insufficient events: got %d, need >= %d", len(events), s.cfg.MinEvents)}, nil
	}

	userPrompt := s.buildPrompt(events)
	raw, err := s.llm.ExtractStructured(ctx, systemPrompt, userPrompt, extractionSchema)
	if err != nil {
		return nil, err
	}

	candidates, err := s.parseAndValidate(raw, minConfidence)
	if err != nil {
		return nil, err
	}
	return &Result{Candidates: candidates, RawResponse: raw}, nil
}

// buildPrompt renders events chronologically as "speaker: content" lines,
// preserving order, the way this codebase's formatConversationForLLM
// does, plus any configured few-shot examples.
func (s *Stage) buildPrompt(events []model.ConversationEvent) string {
	var b strings.Builder
	if len(s.cfg.FewShotExamples) > 0 {
		b.WriteString("Examples:\n")
		for _, ex := range s.cfg.FewShotExamples {
			b.WriteString(ex)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Conversation:\n")
	for _, e := range events {
		fmt.Fprintf(&b, "%s: %s\n", e.Author, e.Content)
	}
	return b.String()
}

func (s *Stage) parseAndValidate(raw map[string]any, minConfidence float64) ([]model.ExtractionCandidate, error) {
	factsRaw, ok := raw["facts"].([]any)
	if !ok {
		return nil, model.Classifyf(model.ClassUpstreamPermanent, "extraction response missing 'facts' array")
	}

	candidates := make([]model.ExtractionCandidate, 0, len(factsRaw))
	for _, item := range factsRaw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fact, _ := obj["fact"].(string)
		fact = strings.TrimSpace(fact)
		if len(fact) < s.cfg.MinFactLen || len(fact) > s.cfg.MaxFactLen {
			continue
		}

		category := model.Category(asString(obj["category"]))
		if _, ok := model.Categories[category]; !ok {
			continue
		}

		confidence, ok := asFloat(obj["confidence"])
		if !ok || confidence < 0 || confidence > 1 {
			continue
		}
		if confidence < minConfidence {
			continue
		}

		importance, _ := asFloat(obj["importance"])
		candidates = append(candidates, model.ExtractionCandidate{
			Fact:       fact,
			Category:   category,
			Confidence: confidence,
			Topic:      asString(obj["topic"]),
			Importance: importance,
		})
		if len(candidates) >= s.cfg.MaxFacts {
			break
		}
	}
	return candidates, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
