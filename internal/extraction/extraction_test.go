package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryforge/memoryd/internal/llmadapter"
	"github.com/memoryforge/memoryd/internal/model"
)

type fakeLLM struct {
	response map[string]any
	err      error
	calls    int
}

func (f *fakeLLM) ExtractStructured(ctx context.Context, systemPrompt, userPrompt string, schema llmadapter.Schema) (map[string]any, error) {
	f.calls++
	return f.response, f.err
}

func sampleEvents(n int) []model.ConversationEvent {
	events := make([]model.ConversationEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, model.ConversationEvent{Author: model.AuthorUser, Content: "hello"})
	}
	return events
}

func TestExtractSkipsBelowMinEvents(t *testing.T) {
	llm := &fakeLLM{}
	stage := New(llm, DefaultConfig())

	result, err := stage.Extract(context.Background(), sampleEvents(1), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, result.SkipReason)
	assert.Empty(t, result.Candidates)
	assert.Zero(t, llm.calls, "the LLM should never be called below min_events")
}

func TestExtractValidatesAndFiltersCandidates(t *testing.T) {
	llm := &fakeLLM{response: map[string]any{
		"facts": []any{
			map[string]any{"fact": "Enjoys hiking on weekends", "category": "habit", "confidence": 0.9, "topic": "hobbies"},
			map[string]any{"fact": "too short", "category": "fact", "confidence": 0.9},
			map[string]any{"fact": "Has a strong preference for quiet mornings", "category": "not-a-category", "confidence": 0.9},
			map[string]any{"fact": "Is currently based out of Lisbon for work", "category": "location", "confidence": 0.3},
			map[string]any{"fact": "Works as a backend engineer at a startup", "category": "professional", "confidence": 0.8},
		},
	}}
	stage := New(llm, DefaultConfig())

	result, err := stage.Extract(context.Background(), sampleEvents(2), 0.5)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "Enjoys hiking on weekends", result.Candidates[0].Fact)
	assert.Equal(t, model.CategoryHabit, result.Candidates[0].Category)
	assert.Equal(t, "Works as a backend engineer at a startup", result.Candidates[1].Fact)
}

func TestExtractTruncatesAtMaxFacts(t *testing.T) {
	facts := make([]any, 0, 25)
	for i := 0; i < 25; i++ {
		facts = append(facts, map[string]any{
			"fact":       "A sufficiently long fact statement about the user goes here",
			"category":   "fact",
			"confidence": 0.9,
		})
	}
	llm := &fakeLLM{response: map[string]any{"facts": facts}}
	cfg := DefaultConfig()
	stage := New(llm, cfg)

	result, err := stage.Extract(context.Background(), sampleEvents(2), 0)
	require.NoError(t, err)
	assert.Len(t, result.Candidates, cfg.MaxFacts)
}

func TestExtractMissingFactsArrayIsUpstreamPermanent(t *testing.T) {
	llm := &fakeLLM{response: map[string]any{"nope": true}}
	stage := New(llm, DefaultConfig())

	_, err := stage.Extract(context.Background(), sampleEvents(2), 0)
	require.Error(t, err)
	assert.Equal(t, model.ClassUpstreamPermanent, model.ClassOf(err))
}

func TestExtractPropagatesLLMError(t *testing.T) {
	llm := &fakeLLM{err: model.Classify(model.ClassUpstreamTransient, assertErr{})}
	stage := New(llm, DefaultConfig())

	_, err := stage.Extract(context.Background(), sampleEvents(2), 0)
	require.Error(t, err)
	assert.Equal(t, model.ClassUpstreamTransient, model.ClassOf(err))
}

type assertErr struct{}

func (assertErr) Error() string { return "upstream failure" }
