package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"replyguard/internal/audit"
	"replyguard/internal/config"
	"replyguard/internal/domain"
	"replyguard/internal/guardrail"
	"replyguard/internal/maintenance"
	"replyguard/internal/policy"
	"replyguard/internal/provider"
	"replyguard/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "replyguard",
		Short: "ReplyGuard: guarded AI replies for customer messaging",
		Long: `ReplyGuard screens inbound customer messages, drafts replies with an
external classifier and routes each one to auto-send, human review or a
canned response according to per-tenant policy.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.replyguard/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the background service"}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads .env next to the config, then the config itself, and
// reconfigures the global logger from general.logLevel/logFile.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if err := config.LoadDotEnv(cfgPath); err != nil {
		logger.Warn("dotenv not loaded", "err", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	l, err := newLogger(cfg.General)
	if err != nil {
		return nil, err
	}
	logger = l
	return cfg, nil
}

func newLogger(g config.GeneralConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openRecorder wraps the store with the hash-chained mirror when
// audit.jsonlPath is set. The returned close func is never nil.
func openRecorder(cfg *config.Config, st *store.SQLiteStore) (*audit.Recorder, func(), error) {
	if cfg.Audit.JSONLPath == "" {
		return audit.NewRecorder(st, nil, logger), func() {}, nil
	}
	chain, err := audit.Open(cfg.Audit.JSONLPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("audit mirror enabled", "path", cfg.Audit.JSONLPath)
	return audit.NewRecorder(st, chain, logger), func() { chain.Close() }, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.DataDir, cfg.Routing.PolicyDir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "policies", config.ExpandPath(cfg.Routing.PolicyDir))
			fmt.Println("Next: 'replyguard policy new' to add a tenant, then 'replyguard serve'.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show message counts, tenants and classifier health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Messages:")
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("  %-10s %d\n", s, counts[domain.MessageStatus(s)])
			}

			tenants, err := policy.NewLoader(cfg.Routing.PolicyDir, cfg.Routing.Policies, logger).Tenants()
			if err != nil {
				return err
			}
			fmt.Printf("Tenants: %s\n", orNone(strings.Join(tenants, ", ")))

			factory := provider.NewFactory(cfg.Classifier, logger)
			for _, name := range factory.Enabled() {
				c, err := factory.Get(name)
				if err != nil {
					fmt.Printf("  classifier %-12s error: %v\n", name, err)
					continue
				}
				if err := c.Healthy(ctx); err != nil {
					fmt.Printf("  classifier %-12s unhealthy: %v\n", name, err)
				} else {
					fmt.Printf("  classifier %-12s healthy\n", name)
				}
			}
			return nil
		},
	}
}

func classifyCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Run the keyword guardrail on a message without sending anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				logger.Warn("config not found, using defaults", "err", err)
				cfg = config.Defaults()
			}
			var forbidden []string
			if tenant != "" {
				p, err := policy.NewLoader(cfg.Routing.PolicyDir, cfg.Routing.Policies, logger).Policy(context.Background(), tenant)
				if err != nil {
					return err
				}
				forbidden = p.ForbiddenTopics
			}
			engine := guardrail.NewEngine(guardrail.Config{
				ExtraSecurity: cfg.Guardrail.ExtraSecurity,
				ExtraLegal:    cfg.Guardrail.ExtraLegal,
				ExtraMedical:  cfg.Guardrail.ExtraMedical,
			}, logger)
			res := engine.Classify(strings.Join(args, " "), forbidden)
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "apply this tenant's forbidden topics")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending replies once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			recorder, closeAudit, err := openRecorder(cfg, st)
			if err != nil {
				return err
			}
			defer closeAudit()

			sweeper := maintenance.NewSweeper(sweeperConfig(cfg, recorder), st)
			n, err := sweeper.Sweep(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d pending message(s)\n", n)
			return nil
		},
	}
}

func sweeperConfig(cfg *config.Config, recorder *audit.Recorder) maintenance.Config {
	return maintenance.Config{
		Enabled:  cfg.Maintenance.Enabled,
		Interval: time.Duration(cfg.Maintenance.IntervalMinutes) * time.Minute,
		MaxAge:   time.Duration(cfg.Maintenance.MaxAgeHours) * time.Hour,
		Retry:    time.Duration(cfg.Maintenance.RetrySeconds) * time.Second,
		Audit:    recorder,
		Logger:   logger,
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [path]",
		Short: "Check the hash chain of the JSONL audit mirror",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = config.ExpandPath(args[0])
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Audit.JSONLPath
			}
			if path == "" {
				return fmt.Errorf("audit.jsonlPath is not set; pass a path")
			}
			res := audit.Verify(path)
			if !res.Valid {
				return fmt.Errorf("chain broken at line %d: %s", res.ErrorLine, res.Error)
			}
			fmt.Printf("Chain valid: %d entries\n", res.Lines)
			return nil
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. classifier.default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. server.port 9090)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			safe := config.Sanitize(cfg)
			if flat {
				values := config.ListPaths(safe)
				for _, p := range config.SortedPaths(safe) {
					fmt.Printf("%s = %v\n", p, values[p])
				}
				return nil
			}
			data, _ := json.MarshalIndent(safe, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "flat", false, "print one dot path per line")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
