// internal/types/models.go
package types

import (
	"time"
)

// EventType tags an entry in the bridge's event log.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventClaudeSystem     EventType = "claude_system"
	EventClaudeText       EventType = "claude_text"
	EventClaudeResult     EventType = "claude_result"
	EventClaudeToolResult EventType = "claude_tool_result"
	EventAgentRegistered  EventType = "agent_registered"
	EventAgentStatus      EventType = "agent_status"
	EventArtifactWritten  EventType = "artifact_written"
	EventScreenCommand    EventType = "screen_command"
	EventAgentMessage     EventType = "agent_message"
	EventUserMessage      EventType = "user_message"
	EventUserSessionStart EventType = "user_session_start"
	EventUserSessionEnd   EventType = "user_session_end"
	EventUserSummon       EventType = "user_summon"
	EventServerError      EventType = "server_error"
)

// EndReason explains why a session ended.
type EndReason string

const (
	EndUserEnded         EndReason = "user_ended"
	EndInactivityTimeout EndReason = "inactivity_timeout"
	EndProcessCrash      EndReason = "process_crash"
)

// Event is one entry in the bridge's append-only log. IDs are assigned
// by the log and strictly increase within one bridge lifetime. Events
// emitted before any session starts carry an empty SessionID, which
// serializes as an absent field.
type Event struct {
	ID        uint64         `json:"id"`
	TS        int64          `json:"ts"`
	SessionID SessionID      `json:"sessionId,omitempty"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// InboxMessage is one entry in a per-agent mailbox file.
type InboxMessage struct {
	ID        MessageID `json:"id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Credentials is the persisted credential record for the agent process.
// At most one record is authoritative at a time; refresh replaces the
// whole record.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // epoch-ms
	LegacyToken  string `json:"legacy_token,omitempty"`
}

// SessionRecord is the durable history entry for one agent session.
type SessionRecord struct {
	SessionID  SessionID `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	EndReason  EndReason `json:"end_reason,omitempty"`
	EventCount int64     `json:"event_count"`
}

// EpochMillis converts a time to the wire timestamp format.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
