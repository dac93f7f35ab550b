package consolidation

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/memoryforge/memoryd/internal/llmadapter"
)

type narrativeLLM interface {
	ExtractStructured(ctx context.Context, systemPrompt, userPrompt string, schema llmadapter.Schema) (map[string]any, error)
}

var narrativeSchema = llmadapter.Schema{
	Name:        "SUMMARIZE_MERGE",
	Description: "Produce a one-line human-readable summary of a memory merge.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
		},
		"required": []string{"summary"},
	},
}

const narrativeSystemPrompt = "Summarize the following merged facts in one short sentence for an audit log. Return your answer using the SUMMARIZE_MERGE tool."

// NarrativeSummary asks the LLM Adapter for a one-line, best-effort
// description of a merge, purely as a job-result audit artifact. It
// never influences the merge decision itself and is skipped on any
// LLM failure.
func NarrativeSummary(ctx context.Context, llm narrativeLLM, logger *log.Logger, merged MergedMemory) string {
	if llm == nil || len(merged.Members) < 2 {
		return ""
	}

	prompt := fmt.Sprintf("Merged %d facts into: %q", len(merged.Members), merged.Fact)
	for _, m := range merged.Members {
		prompt += fmt.Sprintf("\n- %s", m.Fact)
	}

	raw, err := llm.ExtractStructured(ctx, narrativeSystemPrompt, prompt, narrativeSchema)
	if err != nil {
		if logger != nil {
			logger.Warn("narrative summary skipped", "error", err)
		}
		return ""
	}
	summary, _ := raw["summary"].(string)
	return summary
}
