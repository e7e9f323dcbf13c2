package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/clawbridge/internal/types"
)

// subscriberBuffer is how many live events a slow stream consumer may
// fall behind before the server drops the connection. The client
// reconnects with Last-Event-ID and replays what it missed.
const subscriberBuffer = 256

// handleEvents streams the event log over SSE. Resume position comes
// from ?after= or the Last-Event-ID header; absent both, the full
// retained buffer is replayed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	after := int64(-1)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"after must be an integer"}`, http.StatusBadRequest)
			return
		}
		after = parsed
	} else if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			after = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so nothing appended during the replay
	// slips through the gap. Duplicates from the overlap are filtered
	// by lastSent below.
	live := make(chan types.Event, subscriberBuffer)
	overflow := make(chan struct{})
	cancel := s.opts.Log.Subscribe(func(event types.Event) {
		select {
		case live <- event:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer cancel()

	var lastSent int64 = -1
	for _, event := range s.opts.Log.After(after) {
		if err := writeSSE(w, event); err != nil {
			return
		}
		lastSent = int64(event.ID)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			slog.Warn("event stream consumer too slow, dropping", "lastSent", lastSent)
			return
		case event := <-live:
			if int64(event.ID) <= lastSent {
				continue
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			lastSent = int64(event.ID)
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.ID, data)
	return err
}
