// internal/inbox/watcher_test.go
package inbox

import (
	"testing"
	"time"

	"github.com/user/clawbridge/internal/eventlog"
	"github.com/user/clawbridge/internal/types"
)

func waitForEvents(t *testing.T, log *eventlog.Log, typ types.EventType, count int) []types.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var matched []types.Event
		for _, event := range log.After(-1) {
			if event.Type == typ {
				matched = append(matched, event)
			}
		}
		if len(matched) >= count {
			return matched
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events", count, typ)
	return nil
}

func TestWatcherRepublishesNewMessages(t *testing.T) {
	log := eventlog.New(100)
	router := NewRouter(t.TempDir(), "bridge", nil)

	watcher, err := NewWatcher(router, log, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Close()

	if !router.SendToAgent("bridge", "wake up", "scout") {
		t.Fatal("send failed")
	}

	events := waitForEvents(t, log, types.EventAgentMessage, 1)
	if events[0].Payload["from"] != "scout" || events[0].Payload["text"] != "wake up" {
		t.Errorf("unexpected payload: %v", events[0].Payload)
	}

	// The message ends up marked read and is not republished by the
	// read-marking rewrite.
	time.Sleep(200 * time.Millisecond)
	if got := waitForEvents(t, log, types.EventAgentMessage, 1); len(got) != 1 {
		t.Errorf("message republished: %d events", len(got))
	}
	messages, _ := router.Messages("bridge")
	if len(messages) != 1 || !messages[0].Read {
		t.Errorf("message not marked read: %+v", messages)
	}
}

func TestWatcherIgnoresPreexistingMessages(t *testing.T) {
	log := eventlog.New(100)
	router := NewRouter(t.TempDir(), "bridge", nil)
	router.SendToAgent("bridge", "old news", "scout")

	watcher, err := NewWatcher(router, log, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Close()

	router.SendToAgent("bridge", "fresh", "scout")

	events := waitForEvents(t, log, types.EventAgentMessage, 1)
	if len(events) != 1 || events[0].Payload["text"] != "fresh" {
		t.Errorf("expected only the fresh message, got %+v", events)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	log := eventlog.New(100)
	router := NewRouter(t.TempDir(), "bridge", nil)

	watcher, err := NewWatcher(router, log, 80*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer watcher.Close()

	for i := 0; i < 5; i++ {
		router.SendToAgent("bridge", "burst", "scout")
	}

	events := waitForEvents(t, log, types.EventAgentMessage, 5)
	if len(events) != 5 {
		t.Errorf("expected all 5 burst messages republished, got %d", len(events))
	}
}
