package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	HTTP     struct {
		Listen    string `json:"listen"`
		AuthToken string `json:"auth_token"`
	} `json:"http"`
	Agent struct {
		Command                  []string `json:"command"`
		WorkDir                  string   `json:"work_dir"`
		InactivityTimeoutMinutes int      `json:"inactivity_timeout_minutes"`
		MaxMessageBytes          int      `json:"max_message_bytes"`
		MemoryDir                string   `json:"memory_dir"`
		ScreenEndpoint           string   `json:"screen_endpoint"`
	} `json:"agent"`
	Events struct {
		BufferSize       int `json:"buffer_size"`
		HeartbeatSeconds int `json:"heartbeat_seconds"`
	} `json:"events"`
	OAuth struct {
		ClientID                string `json:"client_id"`
		AuthorizeURL            string `json:"authorize_url"`
		TokenURL                string `json:"token_url"`
		RedirectURI             string `json:"redirect_uri"`
		Scopes                  string `json:"scopes"`
		RefreshThresholdMinutes int    `json:"refresh_threshold_minutes"`
	} `json:"oauth"`
	Inbox struct {
		Dir        string `json:"dir"`
		AgentName  string `json:"agent_name"`
		DebounceMs int    `json:"debounce_ms"`
	} `json:"inbox"`
	Context struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	} `json:"context"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".clawbridge"),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = "127.0.0.1:8787"
	cfg.Agent.Command = []string{"claude"}
	cfg.Agent.InactivityTimeoutMinutes = 15
	cfg.Agent.MaxMessageBytes = 64 * 1024
	cfg.Agent.MemoryDir = filepath.Join(cfg.DataDir, "memory")
	cfg.Agent.ScreenEndpoint = "localhost:5100/screen"
	cfg.Events.BufferSize = 2000
	cfg.Events.HeartbeatSeconds = 5
	cfg.OAuth.AuthorizeURL = "https://claude.ai/oauth/authorize"
	cfg.OAuth.TokenURL = "https://console.anthropic.com/v1/oauth/token"
	cfg.OAuth.RedirectURI = "https://console.anthropic.com/oauth/code/callback"
	cfg.OAuth.Scopes = "org:create_api_key user:profile user:inference"
	cfg.OAuth.RefreshThresholdMinutes = 15
	cfg.Inbox.Dir = filepath.Join(cfg.DataDir, "inbox")
	cfg.Inbox.AgentName = "bridge"
	cfg.Inbox.DebounceMs = 200
	cfg.Context.Model = "gpt-4"
	cfg.Context.MaxTokens = 4000

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if token := os.Getenv("CLAWBRIDGE_AUTH_TOKEN"); token != "" {
		cfg.HTTP.AuthToken = token
	}
	if listen := os.Getenv("CLAWBRIDGE_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// Save writes the config to the given path atomically.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}
