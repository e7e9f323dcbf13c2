// Package inbox implements the shared-filesystem mailbox channel:
// per-agent JSON message files written directly by the router, plus a
// watcher that tails the bridge's own inbox and republishes new
// messages as events. When the mailbox directory fails its health
// round-trip, sends fall back to relaying through the primary agent
// process, transparently to callers.
package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/clawbridge/internal/types"
)

const healthSentinel = "__clawbridge_health_check__"

// Router writes messages into per-agent mailbox files.
type Router struct {
	dir      string
	self     types.AgentName
	fallback func(text string) error

	mu            sync.Mutex
	healthChecked bool
	healthy       bool
}

// NewRouter creates a Router for the given mailbox directory. self is
// the bridge's own agent name (its inbox file is the one the watcher
// tails). fallback relays a tagged instruction through the primary
// agent process when direct delivery is unhealthy; it may be nil.
func NewRouter(dir string, self types.AgentName, fallback func(text string) error) *Router {
	return &Router{dir: dir, self: self, fallback: fallback}
}

// SelfPath returns the path of the router's own inbox file.
func (r *Router) SelfPath() string {
	return r.path(r.self)
}

func (r *Router) path(agent types.AgentName) string {
	return filepath.Join(r.dir, string(agent)+".json")
}

// load reads an agent's mailbox. A missing file is an empty list.
func (r *Router) load(agent types.AgentName) ([]*types.InboxMessage, error) {
	data, err := os.ReadFile(r.path(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox %s: %w", agent, err)
	}
	var messages []*types.InboxMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("unmarshal inbox %s: %w", agent, err)
	}
	return messages, nil
}

// save rewrites an agent's mailbox atomically.
func (r *Router) save(agent types.AgentName, messages []*types.InboxMessage) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal inbox %s: %w", agent, err)
	}
	data = append(data, '\n')
	path := r.path(agent)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write inbox %s: %w", agent, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename inbox %s: %w", agent, err)
	}
	return nil
}

// appendMessage appends one message to an agent's mailbox, creating
// the file if absent. Never blocks on the recipient.
func (r *Router) appendMessage(agent types.AgentName, message *types.InboxMessage) error {
	messages, err := r.load(agent)
	if err != nil {
		return err
	}
	return r.save(agent, append(messages, message))
}

// Messages returns an agent's mailbox contents.
func (r *Router) Messages(agent types.AgentName) ([]*types.InboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(agent)
}

// MarkAllRead flags every message in an agent's mailbox as read.
func (r *Router) MarkAllRead(agent types.AgentName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages, err := r.load(agent)
	if err != nil || len(messages) == 0 {
		return err
	}
	changed := false
	for _, message := range messages {
		if !message.Read {
			message.Read = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.save(agent, messages)
}

// VerifyHealth proves the mailbox channel works by writing a sentinel
// message into the router's own inbox, reading it back, and cleaning
// it up. The result is cached; call once before relying on direct
// delivery.
func (r *Router) VerifyHealth() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.healthChecked {
		return r.healthy
	}
	r.healthChecked = true
	r.healthy = r.roundTrip()
	if !r.healthy {
		slog.Warn("inbox mailbox unhealthy, sends will relay through the agent process", "dir", r.dir)
	}
	return r.healthy
}

func (r *Router) roundTrip() bool {
	sentinel := &types.InboxMessage{
		ID:        types.NewMessageID(),
		From:      healthSentinel,
		Text:      healthSentinel,
		Timestamp: time.Now(),
	}
	if err := r.appendMessage(r.self, sentinel); err != nil {
		return false
	}

	messages, err := r.load(r.self)
	if err != nil {
		return false
	}
	found := false
	kept := messages[:0]
	for _, message := range messages {
		if message.ID == sentinel.ID {
			found = true
			continue
		}
		kept = append(kept, message)
	}
	if !found {
		return false
	}
	return r.save(r.self, kept) == nil
}

// SendToAgent delivers a message to the named agent's mailbox, falling
// back to a relay instruction through the primary agent process when
// the mailbox channel is unhealthy. Returns whether the message went
// out by either path.
func (r *Router) SendToAgent(agent types.AgentName, text, speakerName string) bool {
	if r.VerifyHealth() {
		r.mu.Lock()
		err := r.appendMessage(agent, &types.InboxMessage{
			ID:        types.NewMessageID(),
			From:      speakerName,
			Text:      text,
			Timestamp: time.Now(),
		})
		r.mu.Unlock()
		if err == nil {
			return true
		}
		slog.Warn("direct inbox delivery failed", "agent", agent, "error", err)
	}

	if r.fallback == nil {
		return false
	}
	relay := fmt.Sprintf("[RELAY to:%s from:%s] %s", agent, speakerName, text)
	if err := r.fallback(relay); err != nil {
		slog.Warn("inbox relay fallback failed", "agent", agent, "error", err)
		return false
	}
	return true
}
