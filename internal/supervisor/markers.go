// internal/supervisor/markers.go
//
// Best-effort scraping of bracketed marker tags and known tool
// invocations out of agent output. This is a pure transformation so it
// can be tested exhaustively and can never throw into the read loop.
// Missed markers are acceptable; spurious events are not.
package supervisor

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/user/clawbridge/internal/types"
)

// MarkerConfig scopes which tool invocations count as artifact writes
// and screen commands.
type MarkerConfig struct {
	// MemoryDir is the directory whose HTML/Markdown writes become
	// artifact_written events.
	MemoryDir string
	// ScreenEndpoint identifies shell commands that drive the local
	// display (substring match on the command text).
	ScreenEndpoint string
}

// Secondary is a marker-derived event, pre-id-assignment.
type Secondary struct {
	Type    types.EventType
	Payload map[string]any
}

var markerPattern = regexp.MustCompile(`\[(AGENT_REGISTER|AGENT_STATUS|UI_ACTION)\]\s*(\{.*\})`)

var expressionPattern = regexp.MustCompile(`expression["':=\s]+([A-Za-z0-9_-]+)`)

// ExtractMarkers scans the content blocks of one agent output record
// and returns any secondary events they imply. Malformed marker JSON
// and markers missing required fields are dropped one at a time; the
// rest of the record is still scanned.
func ExtractMarkers(cfg MarkerConfig, blocks []ContentBlock) []Secondary {
	var out []Secondary
	for _, block := range blocks {
		switch block.Type {
		case "text":
			out = append(out, scanText(block.Text)...)
		case "tool_use":
			if secondary, ok := inspectToolUse(cfg, block); ok {
				out = append(out, secondary)
			}
		}
	}
	return out
}

func scanText(text string) []Secondary {
	var out []Secondary
	for _, line := range strings.Split(text, "\n") {
		match := markerPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(match[2]), &payload); err != nil {
			continue
		}

		switch match[1] {
		case "AGENT_REGISTER":
			if hasFields(payload, "name", "position") {
				out = append(out, Secondary{Type: types.EventAgentRegistered, Payload: payload})
			}
		case "AGENT_STATUS":
			if hasFields(payload, "name", "status") {
				out = append(out, Secondary{Type: types.EventAgentStatus, Payload: payload})
			}
		case "UI_ACTION":
			if hasFields(payload, "action") {
				out = append(out, Secondary{Type: types.EventUserSummon, Payload: payload})
			}
		}
	}
	return out
}

func hasFields(payload map[string]any, fields ...string) bool {
	for _, field := range fields {
		value, ok := payload[field]
		if !ok || value == nil {
			return false
		}
		if s, isString := value.(string); isString && s == "" {
			return false
		}
	}
	return true
}

func inspectToolUse(cfg MarkerConfig, block ContentBlock) (Secondary, bool) {
	switch block.Name {
	case "Write":
		return inspectWrite(cfg, block.Input)
	case "Bash":
		return inspectBash(cfg, block.Input)
	}
	return Secondary{}, false
}

func inspectWrite(cfg MarkerConfig, input json.RawMessage) (Secondary, bool) {
	var args struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.FilePath == "" {
		return Secondary{}, false
	}

	if cfg.MemoryDir == "" || !withinDir(cfg.MemoryDir, args.FilePath) {
		return Secondary{}, false
	}

	switch strings.ToLower(filepath.Ext(args.FilePath)) {
	case ".html", ".md", ".markdown":
	default:
		return Secondary{}, false
	}

	return Secondary{
		Type: types.EventArtifactWritten,
		Payload: map[string]any{
			"filename": filepath.Base(args.FilePath),
			"size":     len(args.Content),
		},
	}, true
}

func inspectBash(cfg MarkerConfig, input json.RawMessage) (Secondary, bool) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Command == "" {
		return Secondary{}, false
	}

	if cfg.ScreenEndpoint == "" || !strings.Contains(args.Command, cfg.ScreenEndpoint) {
		return Secondary{}, false
	}

	payload := map[string]any{}
	if match := expressionPattern.FindStringSubmatch(args.Command); match != nil {
		payload["expression"] = match[1]
	}
	return Secondary{Type: types.EventScreenCommand, Payload: payload}, true
}

// withinDir reports whether path is lexically inside dir. Both sides
// are cleaned; no symlink resolution, matching the best-effort nature
// of the whole extraction.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
