// internal/supervisor/parse_test.go
package supervisor

import (
	"testing"

	"github.com/user/clawbridge/internal/types"
)

func TestParseSystemLine(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc"}`)
	emissions, err := parseLine(testMarkerConfig, line)
	if err != nil {
		t.Fatal(err)
	}
	if len(emissions) != 1 || emissions[0].Type != types.EventClaudeSystem {
		t.Fatalf("expected one claude_system, got %+v", emissions)
	}
	if emissions[0].Payload["subtype"] != "init" {
		t.Errorf("expected subtype init, got %v", emissions[0].Payload["subtype"])
	}
}

func TestParseAssistantLineWithMarker(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Done.\n[AGENT_STATUS] {\"name\":\"scout\",\"status\":\"idle\"}"}]}}`)
	emissions, err := parseLine(testMarkerConfig, line)
	if err != nil {
		t.Fatal(err)
	}
	if len(emissions) != 2 {
		t.Fatalf("expected claude_text plus one secondary, got %d", len(emissions))
	}
	if emissions[0].Type != types.EventClaudeText {
		t.Errorf("expected claude_text first, got %s", emissions[0].Type)
	}
	if emissions[1].Type != types.EventAgentStatus {
		t.Errorf("expected agent_status second, got %s", emissions[1].Type)
	}
}

func TestParseResultLine(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","duration_ms":4200,"num_turns":3,` +
		`"total_cost_usd":0.012,"usage":{"input_tokens":900,"output_tokens":120}}`)
	emissions, err := parseLine(testMarkerConfig, line)
	if err != nil {
		t.Fatal(err)
	}
	if len(emissions) != 1 || emissions[0].Type != types.EventClaudeResult {
		t.Fatalf("expected one claude_result, got %+v", emissions)
	}
	usage, ok := emissions[0].Payload["usage"].(map[string]any)
	if !ok {
		t.Fatal("result payload missing usage")
	}
	if usage["inputTokens"] != int64(900) || usage["outputTokens"] != int64(120) {
		t.Errorf("unexpected usage counters: %v", usage)
	}
}

func TestParseToolResultLine(t *testing.T) {
	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`)
	emissions, err := parseLine(testMarkerConfig, line)
	if err != nil {
		t.Fatal(err)
	}
	if len(emissions) != 1 || emissions[0].Type != types.EventClaudeToolResult {
		t.Fatalf("expected one claude_tool_result, got %+v", emissions)
	}

	// User echo lines without tool results yield nothing.
	line = []byte(`{"type":"user","message":{"content":[{"type":"text","text":"hi"}]}}`)
	emissions, err = parseLine(testMarkerConfig, line)
	if err != nil {
		t.Fatal(err)
	}
	if len(emissions) != 0 {
		t.Fatalf("expected no emissions, got %+v", emissions)
	}
}

func TestParseUnknownAndMalformed(t *testing.T) {
	emissions, err := parseLine(testMarkerConfig, []byte(`{"type":"heartbeat"}`))
	if err != nil || len(emissions) != 0 {
		t.Fatalf("unknown type should yield nothing: %v %+v", err, emissions)
	}

	if _, err := parseLine(testMarkerConfig, []byte(`not json at all`)); err == nil {
		t.Fatal("malformed line should return an error")
	}
}
