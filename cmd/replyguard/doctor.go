package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"replyguard/internal/audit"
	"replyguard/internal/config"
	"replyguard/internal/policy"
	"replyguard/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your ReplyGuard installation",
		Long: `Verifies that ReplyGuard's configuration, classifier, database,
tenant policies and audit mirror are correctly set up. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("ReplyGuard Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'replyguard init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			config.LoadDotEnv(cfgPath)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if err := checkDatabase(cfg.Database.Path); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Database.Path)
				passed++
			}

			tenants, err := policy.NewLoader(cfg.Routing.PolicyDir, cfg.Routing.Policies, logger).Tenants()
			switch {
			case err != nil:
				printFail("Policies", err.Error())
				failed++
			case len(tenants) == 0:
				printWarn("Policies", "no tenant policy; every message will get the unconfigured response")
				warned++
			default:
				bad := 0
				for _, t := range tenants {
					path := filepath.Join(cfg.Routing.PolicyDir, t+".yaml")
					if _, err := os.Stat(path); err != nil {
						continue // inline or .yml
					}
					if _, err := policy.LoadFile(path); err != nil {
						printFail("Policy: "+t, err.Error())
						bad++
					}
				}
				if bad > 0 {
					failed += bad
				} else {
					printPass("Policies", fmt.Sprintf("%d tenant(s)", len(tenants)))
					passed++
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg.Classifier, logger)
			if len(factory.Enabled()) == 0 {
				printFail("Classifier", "no classifier enabled")
				failed++
			}
			for _, name := range factory.Enabled() {
				c, err := factory.Get(name)
				if err != nil {
					printFail("Classifier: "+name, err.Error())
					failed++
					continue
				}
				if err := c.Healthy(ctx); err != nil {
					printWarn("Classifier: "+name, fmt.Sprintf("unreachable: %v", err))
					warned++
				} else {
					printPass("Classifier: "+name, "healthy")
					passed++
				}
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("%s:%d may be in use: %v", cfg.Server.Host, cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				passed++
			}

			if cfg.Server.JWTSecret == "" {
				printWarn("Operator auth", "server.jwtSecret not set; the API is open")
				warned++
			} else {
				printPass("Operator auth", "JWT enabled")
				passed++
			}

			if cfg.Audit.JSONLPath != "" {
				if _, err := os.Stat(cfg.Audit.JSONLPath); err != nil {
					printWarn("Audit mirror", "not created yet: "+cfg.Audit.JSONLPath)
					warned++
				} else if res := audit.Verify(cfg.Audit.JSONLPath); !res.Valid {
					printFail("Audit mirror", fmt.Sprintf("chain broken at line %d: %s", res.ErrorLine, res.Error))
					failed++
				} else {
					printPass("Audit mirror", fmt.Sprintf("%d entries, chain valid", res.Lines))
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running ReplyGuard.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nReplyGuard should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! ReplyGuard is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
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

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}
