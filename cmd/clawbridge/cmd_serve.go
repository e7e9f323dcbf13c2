package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/clawbridge/internal/creds"
	"github.com/user/clawbridge/internal/eventlog"
	"github.com/user/clawbridge/internal/inbox"
	"github.com/user/clawbridge/internal/maintenance"
	"github.com/user/clawbridge/internal/prompt"
	"github.com/user/clawbridge/internal/server"
	"github.com/user/clawbridge/internal/state"
	"github.com/user/clawbridge/internal/supervisor"
	"github.com/user/clawbridge/internal/types"
)

const version = "0.1.0"

// recentOutputWindow defers credential refresh while the agent is
// mid-response, so a token swap never races an in-flight turn. The
// deferral yields once hard expiry is closer than the window.
const recentOutputWindow = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the clawbridge daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "clawbridge.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	for _, dir := range []string{cfg.DataDir, cfg.Agent.MemoryDir, cfg.Inbox.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Event log and session history
	log := eventlog.New(cfg.Events.BufferSize)
	history := state.NewSessionHistory(cfg.DataDir)

	// Credential store and OAuth flow manager
	store := creds.NewStore(creds.StoreConfig{
		Path:             filepath.Join(cfg.DataDir, "credentials.json"),
		TokenURL:         cfg.OAuth.TokenURL,
		ClientID:         cfg.OAuth.ClientID,
		RefreshThreshold: time.Duration(cfg.OAuth.RefreshThresholdMinutes) * time.Minute,
	}, nil)
	if seeded, err := store.BootstrapFromEnv(); err != nil {
		return fmt.Errorf("bootstrap credentials from environment: %w", err)
	} else if seeded {
		slog.Info("seeded legacy credential from ANTHROPIC_API_KEY")
	}
	pkce := creds.NewPKCE(creds.PKCEConfig{
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		ClientID:     cfg.OAuth.ClientID,
		RedirectURI:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
	}, store)

	// Agent process supervisor
	sup := supervisor.New(supervisor.Config{
		Command:           cfg.Agent.Command,
		WorkDir:           cfg.Agent.WorkDir,
		InactivityTimeout: time.Duration(cfg.Agent.InactivityTimeoutMinutes) * time.Minute,
		MaxMessageBytes:   cfg.Agent.MaxMessageBytes,
		KillGrace:         5 * time.Second,
		Markers: supervisor.MarkerConfig{
			MemoryDir:      cfg.Agent.MemoryDir,
			ScreenEndpoint: cfg.Agent.ScreenEndpoint,
		},
	}, log, store.Env, history)

	// Inbox router with the supervisor as relay fallback
	router := inbox.NewRouter(cfg.Inbox.Dir, types.AgentName(cfg.Inbox.AgentName), sup.Instruct)
	watcher, err := inbox.NewWatcher(router, log, time.Duration(cfg.Inbox.DebounceMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("start inbox watcher: %w", err)
	}
	defer watcher.Close()

	// Wake-up prompt builder
	builder, err := prompt.New(cfg.Context.Model, cfg.Context.MaxTokens)
	if err != nil {
		return fmt.Errorf("create prompt builder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background maintenance: idle reaping, proactive token refresh,
	// abandoned OAuth flow cleanup.
	jobs := maintenance.New()
	if err := jobs.Add("idle-reap", "@every 1m", sup.ReapIdle); err != nil {
		return fmt.Errorf("schedule idle reap: %w", err)
	}
	if err := jobs.Add("cred-refresh", "@every 5m", func() {
		now := time.Now()
		expires := store.ExpiresAt()
		if creds.ShouldDeferRefresh(sup.LastOutput(), expires, recentOutputWindow, now) {
			return
		}
		if _, active := sup.Active(); active && !expires.IsZero() && now.After(expires) {
			slog.Warn("live session outlived token expiry", "expires_at", expires)
		}
		if _, err := store.RefreshIfNeeded(ctx); err != nil {
			slog.Error("credential refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule credential refresh: %w", err)
	}
	if err := jobs.Add("pkce-sweep", "@every 1m", func() {
		if swept := pkce.Sweep(); swept > 0 {
			slog.Debug("swept expired oauth flows", "count", swept)
		}
	}); err != nil {
		return fmt.Errorf("schedule pkce sweep: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// HTTP gateway
	srv := server.NewServer(server.Options{
		Log:        log,
		Supervisor: sup,
		Creds:      store,
		PKCE:       pkce,
		Inbox:      router,
		History:    history,
		Prompt:     builder,
		Authorize:  server.TokenAuthorizer(cfg.HTTP.AuthToken),
		MemoryDir:  cfg.Agent.MemoryDir,
		Heartbeat:  time.Duration(cfg.Events.HeartbeatSeconds) * time.Second,
		Version:    version,
	})
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: srv,
	}
	go func() {
		slog.Info("gateway started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway error", "error", err)
		}
	}()

	slog.Info("clawbridge started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"agent_command", cfg.Agent.Command,
		"auth_method", store.AuthMethod(),
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	if err := sup.End(); err != nil {
		slog.Error("end session on shutdown failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown failed", "error", err)
	}
	return nil
}
