// internal/server/server_test.go
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/clawbridge/internal/creds"
	"github.com/user/clawbridge/internal/eventlog"
	"github.com/user/clawbridge/internal/inbox"
	"github.com/user/clawbridge/internal/supervisor"
	"github.com/user/clawbridge/internal/types"
)

type fixture struct {
	server *Server
	log    *eventlog.Log
	creds  *creds.Store
	sup    *supervisor.Supervisor
}

func newFixture(t *testing.T, opts func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()

	log := eventlog.New(100)
	store := creds.NewStore(creds.StoreConfig{
		Path:     filepath.Join(dir, "credentials.json"),
		TokenURL: "http://127.0.0.1:1/token",
		ClientID: "client-id",
	}, nil)
	pkce := creds.NewPKCE(creds.PKCEConfig{
		AuthorizeURL: "https://auth.example.com/authorize",
		ClientID:     "client-id",
		RedirectURI:  "https://example.com/callback",
		Scopes:       "user:inference",
	}, store)
	sup := supervisor.New(supervisor.Config{
		Command:           []string{"sh", "-c", "sleep 5"},
		InactivityTimeout: time.Minute,
		MaxMessageBytes:   1024,
		KillGrace:         time.Second,
	}, log, store.Env, nil)
	t.Cleanup(func() { sup.End() })

	options := Options{
		Log:        log,
		Supervisor: sup,
		Creds:      store,
		PKCE:       pkce,
		MemoryDir:  filepath.Join(dir, "memory"),
		Heartbeat:  50 * time.Millisecond,
		Version:    "test",
	}
	if opts != nil {
		opts(&options)
	}
	return &fixture{
		server: NewServer(options),
		log:    log,
		creds:  store,
		sup:    sup,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return body
}

func TestHealthBeforeSetup(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["needsSetup"] != true {
		t.Errorf("needsSetup = %v, want true", body["needsSetup"])
	}
	if body["sessionActive"] != false {
		t.Errorf("sessionActive = %v, want false", body["sessionActive"])
	}
	if body["authMethod"] != string(creds.AuthNone) {
		t.Errorf("authMethod = %v, want %s", body["authMethod"], creds.AuthNone)
	}
}

func TestTokenAuthorizer(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Authorize = TokenAuthorizer("secret")
	})

	rec := f.request(t, "GET", "/health", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated health returned %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	f.server.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("authenticated health returned %d, want 200", rec2.Code)
	}
}

func TestSetupValidatesTokenPrefix(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "POST", "/setup", map[string]string{"token": "not-a-key"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad token returned %d, want 400", rec.Code)
	}
	if !f.creds.NeedsSetup() {
		t.Error("rejected token must not persist")
	}

	rec = f.request(t, "POST", "/setup", map[string]string{"token": "sk-ant-test123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("good token returned %d: %s", rec.Code, rec.Body.String())
	}
	if f.creds.NeedsSetup() {
		t.Error("accepted token must clear setup state")
	}
	if f.creds.AuthMethod() != creds.AuthLegacy {
		t.Errorf("auth method = %s, want %s", f.creds.AuthMethod(), creds.AuthLegacy)
	}
}

func TestOAuthStartAndBadExchange(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "GET", "/oauth/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("oauth start returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	authURL, _ := body["authorizationUrl"].(string)
	if !strings.Contains(authURL, "code_challenge=") {
		t.Errorf("authorization URL missing challenge: %s", authURL)
	}
	if body["state"] == "" || body["state"] == nil {
		t.Error("oauth start returned no state token")
	}

	rec = f.request(t, "POST", "/oauth/exchange", map[string]string{
		"code":  "anything",
		"state": "not-a-real-state",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown state returned %d, want 400", rec.Code)
	}
}

func TestSendWithoutSession(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "POST", "/send", map[string]string{"message": "hello"})
	if rec.Code != http.StatusConflict {
		t.Errorf("send without session returned %d, want 409", rec.Code)
	}

	rec = f.request(t, "POST", "/send", map[string]string{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message returned %d, want 400", rec.Code)
	}
}

func TestRoutedSendHonorsSizeLimit(t *testing.T) {
	inboxDir := filepath.Join(t.TempDir(), "inbox")
	f := newFixture(t, func(o *Options) {
		o.Inbox = inbox.NewRouter(inboxDir, "bridge", nil)
	})

	big := strings.Repeat("x", 2048)
	rec := f.request(t, "POST", "/send", map[string]string{
		"message":     big,
		"targetAgent": "scout",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized routed send returned %d, want 400", rec.Code)
	}
	if f.log.Len() != 0 {
		t.Error("oversized routed send must not reach the event log")
	}

	rec = f.request(t, "POST", "/send", map[string]string{
		"message":     "status report please",
		"targetAgent": "scout",
		"speakerName": "operator",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("routed send returned %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := decodeBody(t, rec)["eventId"]; !ok {
		t.Error("routed send returned no event id")
	}
	if _, err := os.Stat(filepath.Join(inboxDir, "scout.json")); err != nil {
		t.Errorf("routed send left no mailbox file: %v", err)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "POST", "/session/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start before setup returned %d, want 400", rec.Code)
	}

	if rec := f.request(t, "POST", "/setup", map[string]string{"token": "sk-ant-test"}); rec.Code != http.StatusOK {
		t.Fatalf("setup failed: %s", rec.Body.String())
	}

	rec = f.request(t, "POST", "/session/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session start returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["sessionId"] == "" || body["sessionId"] == nil {
		t.Error("session start returned no session id")
	}
	if _, ok := body["eventId"]; !ok {
		t.Error("session start returned no event id")
	}

	rec = f.request(t, "POST", "/session/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start returned %d, want 409", rec.Code)
	}

	rec = f.request(t, "POST", "/session/end", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("session end returned %d", rec.Code)
	}
}

func TestLedgerResetWithoutSession(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "POST", "/ledger-reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger reset returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Error("ledger reset without session must still report ok")
	}
	if body["note"] != "no active session" {
		t.Errorf("note = %v", body["note"])
	}
}

func TestSessionsWithoutHistory(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(t, "GET", "/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions returned %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("sessions body = %q, want empty array", got)
	}
}

func TestArtifactServing(t *testing.T) {
	f := newFixture(t, nil)
	dir := f.server.opts.MemoryDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, "GET", "/artifacts/report.html", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact fetch returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<h1>hi</h1>") {
		t.Errorf("artifact body = %q", rec.Body.String())
	}

	rec = f.request(t, "GET", "/artifacts/secret.txt", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("non-artifact extension returned %d, want 404", rec.Code)
	}

	rec = f.request(t, "GET", "/artifacts/missing.html", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing artifact returned %d, want 404", rec.Code)
	}
}

func TestArtifactSkipsAuth(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Authorize = TokenAuthorizer("secret")
	})
	dir := f.server.opts.MemoryDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, "GET", "/artifacts/notes.md", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unauthenticated artifact fetch returned %d, want 200", rec.Code)
	}
}

func TestEventStreamReplayAndTail(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.log.Append("", types.EventClaudeText, map[string]any{"text": fmt.Sprintf("line %d", i)})
	}

	ts := httptest.NewServer(f.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/events?after=1", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	// Replay should deliver ids 2..4; then a live append arrives on
	// the same stream.
	go func() {
		time.Sleep(100 * time.Millisecond)
		f.log.Append("", types.EventClaudeText, map[string]any{"text": "live"})
	}()

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if len(ids) == 4 {
			break
		}
	}
	cancel()

	want := []string{"2", "3", "4", "5"}
	if len(ids) != len(want) {
		t.Fatalf("got ids %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("frame %d has id %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestEventStreamRejectsBadAfter(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest("GET", "/events?after=abc", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-integer after returned %d, want 400", rec.Code)
	}
}
