// internal/supervisor/parse.go
package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/user/clawbridge/internal/types"
)

// ContentBlock is one typed block inside an agent output record:
// prose text, a tool invocation, or a tool result.
type ContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Emission is one event derived from an agent output line, before the
// log assigns it an id.
type Emission struct {
	Type    types.EventType
	Payload map[string]any
}

// streamEnvelope is the common shape of every stream-json output line.
type streamEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []ContentBlock `json:"content"`
	} `json:"message"`
	Usage struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int64   `json:"num_turns"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
}

// parseLine translates one line of agent stdout into zero or more
// emissions. A single assistant record can yield a claude_text event
// plus secondary marker-derived events. Unknown record types yield
// nothing; a malformed line is an error the read loop logs and skips.
func parseLine(cfg MarkerConfig, line []byte) ([]Emission, error) {
	var envelope streamEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("parse stream-json line: %w", err)
	}

	switch envelope.Type {
	case "system":
		payload := map[string]any{"subtype": envelope.Subtype}
		return []Emission{{Type: types.EventClaudeSystem, Payload: payload}}, nil

	case "assistant":
		blocks := envelope.Message.Content
		emissions := []Emission{{
			Type:    types.EventClaudeText,
			Payload: map[string]any{"content": rawBlocks(blocks)},
		}}
		for _, secondary := range ExtractMarkers(cfg, blocks) {
			emissions = append(emissions, Emission(secondary))
		}
		return emissions, nil

	case "user":
		// Tool results echo back through the input channel's record
		// type; only lines that actually carry tool_result blocks are
		// republished.
		var results []ContentBlock
		for _, block := range envelope.Message.Content {
			if block.Type == "tool_result" {
				results = append(results, block)
			}
		}
		if len(results) == 0 {
			return nil, nil
		}
		return []Emission{{
			Type:    types.EventClaudeToolResult,
			Payload: map[string]any{"content": rawBlocks(results)},
		}}, nil

	case "result":
		payload := map[string]any{
			"subtype":    envelope.Subtype,
			"isError":    envelope.IsError,
			"durationMs": envelope.DurationMS,
			"numTurns":   envelope.NumTurns,
			"costUsd":    envelope.TotalCostUSD,
			"usage": map[string]any{
				"inputTokens":         envelope.Usage.InputTokens,
				"outputTokens":        envelope.Usage.OutputTokens,
				"cacheReadTokens":     envelope.Usage.CacheReadTokens,
				"cacheCreationTokens": envelope.Usage.CacheCreationTokens,
			},
		}
		return []Emission{{Type: types.EventClaudeResult, Payload: payload}}, nil

	default:
		return nil, nil
	}
}

// rawBlocks re-marshals content blocks into a JSON-friendly form so the
// event payload carries them verbatim.
func rawBlocks(blocks []ContentBlock) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, block := range blocks {
		m := map[string]any{"type": block.Type}
		if block.Text != "" {
			m["text"] = block.Text
		}
		if block.Name != "" {
			m["name"] = block.Name
		}
		if len(block.Input) > 0 {
			m["input"] = json.RawMessage(block.Input)
		}
		if len(block.Content) > 0 {
			m["content"] = json.RawMessage(block.Content)
		}
		out = append(out, m)
	}
	return out
}
