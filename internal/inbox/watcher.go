// internal/inbox/watcher.go
package inbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/clawbridge/internal/types"
)

// Watcher tails the bridge's own inbox file and republishes newly
// appended messages as agent_message events. Rapid writes are
// debounced so a burst of appends is processed once.
type Watcher struct {
	router   *Router
	sink     types.EventSink
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu   sync.Mutex
	seen map[types.MessageID]bool

	done chan struct{}
}

// NewWatcher starts watching the router's own inbox file. Messages
// already present at startup are recorded as seen, not republished.
func NewWatcher(router *Router, sink types.EventSink, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}

	// Watch the directory, not the file: atomic rename-into-place
	// replaces the inode, and the file may not exist yet.
	dir := filepath.Dir(router.SelfPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch inbox dir: %w", err)
	}

	w := &Watcher{
		router:   router,
		sink:     sink,
		debounce: debounce,
		watcher:  fsWatcher,
		seen:     make(map[types.MessageID]bool),
		done:     make(chan struct{}),
	}

	if messages, err := router.Messages(router.self); err == nil {
		for _, message := range messages {
			w.seen[message.ID] = true
		}
	}

	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	selfPath := w.router.SelfPath()
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != selfPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}
		case <-pending:
			timer = nil
			w.drain()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("inbox watcher error", "error", err)
		}
	}
}

// drain republishes messages it has not seen before and marks the
// inbox read. The read-marking rewrite re-triggers the watcher, but
// every message is already seen by then, so it settles.
func (w *Watcher) drain() {
	messages, err := w.router.Messages(w.router.self)
	if err != nil {
		slog.Warn("read own inbox failed", "error", err)
		return
	}

	w.mu.Lock()
	var fresh []*types.InboxMessage
	for _, message := range messages {
		if w.seen[message.ID] || message.From == healthSentinel {
			continue
		}
		w.seen[message.ID] = true
		fresh = append(fresh, message)
	}
	w.mu.Unlock()

	for _, message := range fresh {
		payload := map[string]any{
			"from": message.From,
			"text": message.Text,
		}
		if message.Summary != "" {
			payload["summary"] = message.Summary
		}
		w.sink.Append("", types.EventAgentMessage, payload)
	}

	if len(fresh) > 0 {
		if err := w.router.MarkAllRead(w.router.self); err != nil {
			slog.Warn("mark inbox read failed", "error", err)
		}
	}
}
