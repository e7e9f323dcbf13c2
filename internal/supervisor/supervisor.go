// Package supervisor owns the lifecycle of the single agent subprocess:
// spawning it with credential material, forwarding turns to its input
// stream, translating its stream-json output into event log entries,
// and detecting exit. Nothing else in the bridge may touch the process
// handle; callers get verb-shaped operations only.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/clawbridge/internal/types"
)

var (
	ErrAlreadyActive   = errors.New("a session is already active")
	ErrNoActiveSession = errors.New("no active session")
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

// Config controls how the agent subprocess is spawned and bounded.
type Config struct {
	// Command is the agent binary and its base arguments. The
	// stream-json flags are appended by the supervisor.
	Command []string
	// WorkDir is the subprocess working directory.
	WorkDir string
	// InactivityTimeout kills the session when no output has been
	// observed for this long. Enforced by ReapIdle, not internally.
	InactivityTimeout time.Duration
	// MaxMessageBytes caps a single Send payload.
	MaxMessageBytes int
	// Markers configures artifact and screen-command extraction.
	Markers MarkerConfig
	// KillGrace is how long after SIGTERM before SIGKILL.
	KillGrace time.Duration
}

// Supervisor manages at most one live agent session.
type Supervisor struct {
	cfg     Config
	sink    types.EventSink
	env     func() []string
	history types.HistoryStore

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	sessionID    types.SessionID
	endRequested bool
	idleKilled   bool
	eventCount   int64

	lastOutput atomic.Int64 // unix nanos of last stdout line
}

// New creates a Supervisor publishing to the given sink. env supplies
// the credential environment for each spawn; history may be nil.
func New(cfg Config, sink types.EventSink, env func() []string, history types.HistoryStore) *Supervisor {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"claude"}
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if env == nil {
		env = func() []string { return nil }
	}
	return &Supervisor{cfg: cfg, sink: sink, env: env, history: history}
}

// Active returns the live session id, if any.
func (s *Supervisor) Active() (types.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.cmd != nil
}

// MaxMessageBytes returns the per-message size ceiling. The gateway
// applies it to routed sends too, which never reach Send.
func (s *Supervisor) MaxMessageBytes() int {
	return s.cfg.MaxMessageBytes
}

// LastOutput returns when the subprocess last produced a stdout line.
// Zero if no session has produced output yet.
func (s *Supervisor) LastOutput() time.Time {
	nanos := s.lastOutput.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Start spawns the agent subprocess and emits session_start, returning
// the new session id and the session_start event id. The wakeup
// message, if non-empty, is written as the first input turn. Spawn
// failures are returned synchronously; once Start returns nil the
// session is live and all later failures surface as events.
func (s *Supervisor) Start(ctx context.Context, wakeup string) (types.SessionID, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return "", 0, ErrAlreadyActive
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	args := append(append([]string{}, s.cfg.Command[1:]...),
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	)
	cmd := exec.Command(s.cfg.Command[0], args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.env()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", 0, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return "", 0, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return "", 0, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return "", 0, fmt.Errorf("start agent process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.sessionID = types.NewSessionID()
	s.endRequested = false
	s.idleKilled = false
	s.eventCount = 0
	s.lastOutput.Store(time.Now().UnixNano())

	sessionID := s.sessionID
	startEvent := s.emitLocked(types.EventSessionStart, map[string]any{"pid": cmd.Process.Pid})

	if s.history != nil {
		if err := s.history.Record(ctx, &types.SessionRecord{
			SessionID: sessionID,
			StartedAt: time.Now(),
		}); err != nil {
			slog.Warn("record session history failed", "session_id", sessionID, "error", err)
		}
	}

	if wakeup != "" {
		if err := s.writeLineLocked(wakeup); err != nil {
			slog.Error("write wakeup message failed", "session_id", sessionID, "error", err)
			s.emitLocked(types.EventServerError, map[string]any{"error": "wakeup write failed"})
		}
	}

	group := &errgroup.Group{}
	group.Go(func() error { s.readStdout(sessionID, stdout); return nil })
	group.Go(func() error { s.drainStderr(sessionID, stderr); return nil })

	go func() {
		group.Wait()
		err := cmd.Wait()
		s.finalize(sessionID, err)
	}()

	slog.Info("agent session started", "session_id", sessionID, "pid", cmd.Process.Pid)
	return sessionID, startEvent.ID, nil
}

// Send writes one turn to the subprocess input and returns the id of
// the user_message event it emitted. It does not wait for a reply;
// reply ordering is whatever order the subprocess emits in. Concurrent
// callers interleave at line granularity (the write happens under the
// supervisor lock) and are otherwise not serialized.
func (s *Supervisor) Send(text, targetAgent, speakerName string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return 0, ErrNoActiveSession
	}
	if len(text) > s.cfg.MaxMessageBytes {
		return 0, ErrMessageTooLarge
	}

	payload := map[string]any{"text": text}
	if targetAgent != "" {
		payload["targetAgent"] = targetAgent
	}
	if speakerName != "" {
		payload["speakerName"] = speakerName
	}
	event := s.emitLocked(types.EventUserMessage, payload)

	line := text
	if speakerName != "" {
		line = speakerName + ": " + text
	}
	if err := s.writeLineLocked(line); err != nil {
		// The turn is already acknowledged by the user_message event;
		// surface the failure on the stream instead of to the caller.
		slog.Error("write turn to agent failed", "session_id", s.sessionID, "error", err)
		s.emitLocked(types.EventServerError, map[string]any{"error": "agent input write failed"})
	}
	return event.ID, nil
}

// Instruct writes a control instruction to the subprocess input
// without emitting a user_message event. Used for ledger resets and
// inbox relay fallback.
func (s *Supervisor) Instruct(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return ErrNoActiveSession
	}
	return s.writeLineLocked(text)
}

// End terminates the active session. Idempotent: ending when nothing
// is live is a no-op.
func (s *Supervisor) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	s.endRequested = true
	s.killLocked()
	return nil
}

// ReapIdle kills the session if no output has been observed within the
// inactivity timeout. Called on a fixed interval by the maintenance
// runner.
func (s *Supervisor) ReapIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cfg.InactivityTimeout <= 0 {
		return
	}
	idle := time.Since(time.Unix(0, s.lastOutput.Load()))
	if idle < s.cfg.InactivityTimeout {
		return
	}
	slog.Warn("killing idle agent session", "session_id", s.sessionID, "idle", idle)
	s.idleKilled = true
	s.killLocked()
}

// killLocked sends SIGTERM and escalates to SIGKILL after the grace
// period. Caller holds s.mu.
func (s *Supervisor) killLocked() {
	process := s.cmd.Process
	if process == nil {
		return
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		process.Kill()
		return
	}
	grace := s.cfg.KillGrace
	go func() {
		time.Sleep(grace)
		// Kill on an already-exited process is a harmless error.
		process.Kill()
	}()
}

// emitLocked appends an event for the live session. Caller holds s.mu.
func (s *Supervisor) emitLocked(typ types.EventType, payload map[string]any) types.Event {
	s.eventCount++
	return s.sink.Append(s.sessionID, typ, payload)
}

// writeLineLocked writes one stream-json user record. Caller holds s.mu.
func (s *Supervisor) writeLineLocked(text string) error {
	record := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal input record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// readStdout is the session's output loop: buffer, split on newlines,
// parse each line, translate to events. Unparseable lines are logged
// and skipped, never fatal.
func (s *Supervisor) readStdout(sessionID types.SessionID, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Tool results can carry large file contents on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.lastOutput.Store(time.Now().UnixNano())

		emissions, err := parseLine(s.cfg.Markers, line)
		if err != nil {
			slog.Debug("skipping unparseable agent output", "session_id", sessionID, "error", err)
			continue
		}
		s.mu.Lock()
		// The session may have been torn down while parsing; events
		// from a dead session are dropped rather than misattributed.
		if s.sessionID == sessionID {
			for _, emission := range emissions {
				s.emitLocked(emission.Type, emission.Payload)
			}
		}
		s.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("agent stdout closed", "session_id", sessionID, "error", err)
	}
}

// drainStderr logs subprocess diagnostics. Stderr never feeds the
// event log.
func (s *Supervisor) drainStderr(sessionID types.SessionID, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		slog.Debug("agent stderr", "session_id", sessionID, "line", scanner.Text())
	}
}

// finalize runs once per session, after both read loops and the
// process have finished.
func (s *Supervisor) finalize(sessionID types.SessionID, waitErr error) {
	s.mu.Lock()

	if s.sessionID != sessionID || s.cmd == nil {
		s.mu.Unlock()
		return
	}

	reason := types.EndProcessCrash
	exitCode := 0
	switch {
	case s.endRequested:
		reason = types.EndUserEnded
	case s.idleKilled:
		reason = types.EndInactivityTimeout
	case waitErr == nil:
		reason = types.EndUserEnded
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	s.emitLocked(types.EventSessionEnd, map[string]any{
		"reason":   string(reason),
		"exitCode": exitCode,
	})
	eventCount := s.eventCount

	s.stdin.Close()
	s.cmd = nil
	s.stdin = nil
	s.sessionID = ""
	s.mu.Unlock()

	if s.history != nil {
		if err := s.history.Close(context.Background(), sessionID, reason, eventCount); err != nil {
			slog.Warn("close session history failed", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("agent session ended", "session_id", sessionID, "reason", reason, "exit_code", exitCode)
}
