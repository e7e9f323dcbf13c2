package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		url := fmt.Sprintf("http://%s/health", cfg.HTTP.Listen)
		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			return err
		}
		if cfg.HTTP.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.HTTP.AuthToken)
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.HTTP.Listen, err)
		}
		defer resp.Body.Close()

		var health map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("decode health response: %w", err)
		}

		fmt.Fprintf(os.Stdout, "status:         %v\n", health["status"])
		fmt.Fprintf(os.Stdout, "version:        %v\n", health["version"])
		fmt.Fprintf(os.Stdout, "session active: %v\n", health["sessionActive"])
		if id, ok := health["sessionId"].(string); ok && id != "" {
			fmt.Fprintf(os.Stdout, "session id:     %s\n", id)
		}
		fmt.Fprintf(os.Stdout, "auth method:    %v\n", health["authMethod"])
		fmt.Fprintf(os.Stdout, "needs setup:    %v\n", health["needsSetup"])
		return nil
	},
}
