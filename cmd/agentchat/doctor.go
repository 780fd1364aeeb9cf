package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"agentchat/internal/config"
	"agentchat/internal/domain"
	"agentchat/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your agentchat setup",
		Long: `Verifies that the configuration, message store, attachment directory
and agent endpoint are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("agentchat doctor v%s\n\n", version)

			passed, failed, warned := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'agentchat init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				return fmt.Errorf("invalid config")
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if store, err := openStore(ctx, cfg); err != nil {
				printFail("Store", err.Error())
				failed++
			} else {
				if _, err := store.ListConversations(ctx, cfg.General.UserID); err != nil {
					printFail("Store", err.Error())
					failed++
				} else {
					printPass("Store", cfg.Store.Driver)
					passed++
				}
				store.Close()
			}

			storageDir := config.ExpandPath(cfg.Attachments.StorageDir)
			if err := checkWritable(storageDir); err != nil {
				printFail("Attachments", err.Error())
				failed++
			} else {
				printPass("Attachments", storageDir)
				passed++
			}
			if cfg.Attachments.SigningKey == "" {
				printWarn("Signing key", "not set; links stop working when the server restarts")
				warned++
			}

			client := provider.NewAgentClient(provider.AgentClientConfig{Logger: logger})
			if status, err := client.Health(ctx, cfg.Agent.URL); err != nil {
				printFail("Agent", fmt.Sprintf("%s: %v", cfg.Agent.URL, err))
				failed++
			} else if status != domain.LivenessHealthy {
				printWarn("Agent", fmt.Sprintf("%s reports %s", cfg.Agent.URL, status))
				warned++
			} else {
				printPass("Agent", cfg.Agent.URL)
				passed++
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
