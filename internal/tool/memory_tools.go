package tool

import "assistantgw/internal/llm"

// Memory tools are special-cased by the assistant loop: they are listed
// alongside registered tools in the definitions handed to the LLM, but
// dispatched directly to the memory backend rather than through Registry
// or the approval gate (spec.md §4.3 step 6b).
const (
	MemorySearch    = "memory_search"
	MemorySummarize = "memory_summarize"
)

// IsMemoryTool reports whether name is one of the core-provided memory
// tools.
func IsMemoryTool(name string) bool {
	return name == MemorySearch || name == MemorySummarize
}

// MemoryToolDefinitions returns the LLM tool-definition entries for the two
// memory tools spec.md §6 says the core provides.
func MemoryToolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        MemorySearch,
			Description: "Search this conversation's memory for relevant prior context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50, "default": 5},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        MemorySummarize,
			Description: "Summarize this conversation's memory over a time horizon.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"horizon": map[string]any{"type": "string"},
				},
				"required": []any{"horizon"},
			},
		},
	}
}
