package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/clawbridge/internal/config"
	"github.com/user/clawbridge/internal/creds"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Clawbridge Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Agent command
		command := promptValue(scanner, "Agent command", strings.Join(cfg.Agent.Command, " "))
		cfg.Agent.Command = strings.Fields(command)

		// 2. Agent working directory
		cfg.Agent.WorkDir = promptValue(scanner, "Agent working directory", cfg.Agent.WorkDir)

		// 3. HTTP listen address
		cfg.HTTP.Listen = promptValue(scanner, "HTTP listen address", cfg.HTTP.Listen)

		// 4. Gateway auth token (optional)
		cfg.HTTP.AuthToken = promptValue(scanner, "Gateway auth token (optional)", cfg.HTTP.AuthToken)

		// 5. Inactivity timeout
		timeoutStr := promptValue(scanner, "Inactivity timeout (minutes)", strconv.Itoa(cfg.Agent.InactivityTimeoutMinutes))
		if n, err := strconv.Atoi(timeoutStr); err == nil && n > 0 {
			cfg.Agent.InactivityTimeoutMinutes = n
		}

		// 6. Shared inbox directory (optional)
		cfg.Inbox.Dir = promptValue(scanner, "Shared inbox directory", cfg.Inbox.Dir)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		// 7. Legacy API key (optional; OAuth can be set up later over HTTP)
		if key := promptValue(scanner, "API key (sk-ant-..., optional)", ""); key != "" {
			if !strings.HasPrefix(key, "sk-ant-") {
				return fmt.Errorf("API key must start with sk-ant-")
			}
			store := creds.NewStore(creds.StoreConfig{
				Path: filepath.Join(cfg.DataDir, "credentials.json"),
			}, nil)
			if err := store.SetLegacyToken(key); err != nil {
				return fmt.Errorf("save API key: %w", err)
			}
			fmt.Println("API key saved.")
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		fmt.Println("Run `clawbridge serve`, then use /oauth/start to upgrade to OAuth credentials.")
		return nil
	},
}

// promptValue displays a labeled prompt with a default value and reads
// user input. If the user enters nothing, the default is returned.
func promptValue(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
