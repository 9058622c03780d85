package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"smsagent/internal/config"
	"smsagent/internal/provider"
	"smsagent/internal/rules"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your smsagent installation",
		Long: `Verifies that smsagent's configuration, transport tools, providers,
rules file, and database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("smsagent doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'smsagent init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}
			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Transport tooling
			switch cfg.Transport.Active {
			case "termux":
				for _, tool := range []string{cfg.Transport.Termux.ListPath, cfg.Transport.Termux.SendPath} {
					if tool == "" {
						continue
					}
					if _, err := exec.LookPath(tool); err != nil {
						printFail("Transport: "+tool, "not found in PATH (is Termux:API installed?)")
						failed++
					} else {
						printPass("Transport: "+tool, "found")
						passed++
					}
				}
			case "telegram":
				if cfg.Transport.Telegram.Token == "" {
					printFail("Transport: telegram", "token not configured")
					failed++
				} else {
					printPass("Transport: telegram", "token configured")
					passed++
				}
			}

			// 4. Self number set
			if cfg.General.SelfNumber == "" {
				printWarn("Self number", "not set; replies to your own messages cannot be suppressed")
				warned++
			} else {
				printPass("Self number", cfg.General.SelfNumber)
				passed++
			}

			// 5. Rules file parses
			if rs, err := rules.Load(rulesPath(cfg)); err != nil {
				printFail("Rules file", err.Error())
				failed++
			} else {
				printPass("Rules file", fmt.Sprintf("%d rules", len(rs)))
				passed++
			}

			// 6. Database writable
			dbPath := config.ExpandPath(cfg.Store.DBPath)
			if err := checkDatabase(dbPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", dbPath)
				passed++
			}

			// 7. Providers
			if cfg.Responder.Enabled {
				providerCount := 0
				for name, p := range cfg.Providers {
					if !p.Enabled {
						continue
					}
					providerCount++
					if p.APIKey == "" && name != "ollama" {
						printWarn("Provider: "+name, "enabled but no API key configured")
						warned++
					} else {
						printPass("Provider: "+name, "configured")
						passed++
					}
				}
				if providerCount == 0 {
					printFail("Providers", "responder enabled but no providers enabled")
					failed++
				} else {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					factory := provider.NewFactory(cfg, logger)
					if prov := factory.HealthyProvider(ctx); prov != nil {
						printPass("Provider health", prov.Name())
						passed++
					} else {
						printWarn("Provider health", "no enabled provider reachable")
						warned++
					}
					cancel()
				}
			} else {
				printWarn("Responder", "disabled; only rule matches and fallbacks will be sent")
				warned++
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				path := config.ExpandPath(cfg.General.LogFile)
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", path)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running smsagent.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nsmsagent should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! smsagent is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}
