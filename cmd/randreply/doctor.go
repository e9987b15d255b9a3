package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"randreply/internal/config"
	"randreply/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the installation",
		Long: `Verifies that the configuration, keyword file, decision log and channel
settings are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("randreply doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'randreply init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			tr := cfg.Trigger
			if !tr.Enabled {
				printWarn("Engine", "disabled (trigger.enabled=false)")
				warned++
			} else {
				printPass("Engine", fmt.Sprintf("probability %d‰, length %d..%d", tr.Probability, tr.MinLength, tr.MaxLength))
				passed++
			}

			if tr.UseExternalKeywords {
				if kws, err := config.LoadExternalKeywords(tr.ExternalKeywordsPath); err != nil {
					printWarn("Keyword file", err.Error())
					warned++
				} else {
					printPass("Keyword file", fmt.Sprintf("%d keywords from %s", len(kws), tr.ExternalKeywordsPath))
					passed++
				}
			}

			if cfg.Audit.Enabled {
				if err := checkDatabase(cfg.Audit.DBPath); err != nil {
					printFail("Decision log", err.Error())
					failed++
				} else {
					printPass("Decision log", cfg.Audit.DBPath)
					passed++
				}
			}

			ch := cfg.Channels
			enabled := 0
			for _, c := range []struct {
				name    string
				enabled bool
				ok      bool
				detail  string
			}{
				{"Telegram", ch.Telegram.Enabled, ch.Telegram.Token != "", "token missing"},
				{"Discord", ch.Discord.Enabled, ch.Discord.Token != "", "token missing"},
				{"Slack", ch.Slack.Enabled, ch.Slack.BotToken != "" && ch.Slack.AppToken != "", "bot and app tokens required"},
				{"Webhook", ch.Webhook.Enabled, ch.Webhook.CallbackURL != "", "no callbackUrl, replies cannot be delivered"},
				{"WebSocket", ch.WebSocket.Enabled, true, ""},
				{"CLI", ch.CLI.Enabled, true, ""},
			} {
				if !c.enabled {
					continue
				}
				enabled++
				if c.ok {
					printPass("Channel: "+c.name, "configured")
					passed++
				} else {
					printWarn("Channel: "+c.name, c.detail)
					warned++
				}
			}
			if enabled == 0 {
				printFail("Channels", "no channels enabled")
				failed++
			}

			for _, p := range []struct {
				name    string
				enabled bool
				addr    string
			}{
				{"WebSocket port", ch.WebSocket.Enabled, net.JoinHostPort(ch.WebSocket.Host, fmt.Sprint(ch.WebSocket.Port))},
				{"Webhook port", ch.Webhook.Enabled, net.JoinHostPort(ch.Webhook.Host, fmt.Sprint(ch.Webhook.Port))},
				{"Metrics port", cfg.Metrics.Enabled, cfg.Metrics.Listen},
			} {
				if !p.enabled {
					continue
				}
				if err := checkPort(p.addr); err != nil {
					printWarn(p.name, fmt.Sprintf("%s may be in use: %v", p.addr, err))
					warned++
				} else {
					printPass(p.name, p.addr+" available")
					passed++
				}
			}

			if cfg.Pipeline.ResponderURL == "" {
				printWarn("Responder", "no responderUrl, replies will be echoed")
				warned++
			} else {
				printPass("Responder", cfg.Pipeline.ResponderURL)
				passed++
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkDatabase opens the decision log, which creates and migrates it.
func checkDatabase(dbPath string) error {
	log, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := log.Recent(ctx, "", 1); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
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
