// internal/types/interfaces.go
package types

import (
	"context"
)

// EventSink is where components publish events. Implemented by the
// event log; narrow so the supervisor and inbox watcher never see the
// subscriber machinery.
type EventSink interface {
	Append(sessionID SessionID, typ EventType, payload map[string]any) Event
}

// HistoryStore records session lifecycles for later inspection.
type HistoryStore interface {
	Record(ctx context.Context, rec *SessionRecord) error
	Close(ctx context.Context, id SessionID, reason EndReason, eventCount int64) error
	List(ctx context.Context) ([]*SessionRecord, error)
}
