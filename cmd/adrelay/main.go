package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"adrelay/internal/audit"
	"adrelay/internal/config"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "adrelay",
		Short: "adrelay: chat-driven directory account administration",
		Long: `adrelay accepts !commands from IT and HR department chats, checks the
sender's sign-in and role, and hands the command to the directory automation.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.adrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(executorCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("adrelay", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

// setupLogger replaces the bootstrap logger with one at the configured level,
// writing to the log file as well when one is set. The returned closer is
// never nil.
func setupLogger(cfg config.GeneralConfig) (io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return closer, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return closer, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(config.ExpandPath(cfg.Audit.DBPath)), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Edit the config to set the department chat IDs, sign-in app and channel tokens, then run 'adrelay doctor'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and audit statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("adrelay %s\n", version)
			fmt.Printf("  config:     %s\n", cfgPath)
			fmt.Printf("  strategy:   %s\n", cfg.Dispatch.Strategy)
			fmt.Printf("  directory:  %s\n", cfg.Directory.Provider)
			fmt.Printf("  channels:   %s\n", strings.Join(enabledChannels(cfg), ", "))
			fmt.Printf("  it chat:    %s\n", orNone(cfg.Chats.ITChatID))
			fmt.Printf("  hr chat:    %s\n", orNone(cfg.Chats.HRChatID))

			store, err := audit.Open(cfg.Audit.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("\naudit (%s)\n", cfg.Audit.DBPath)
			fmt.Printf("  commands:   %d (%d succeeded, %d failed)\n", st.TotalCommands, st.SuccessfulCommands, st.FailedCommands)
			fmt.Printf("  users:      %d\n", st.UniqueUsers)
			fmt.Printf("  sign-ins:   %d\n", st.Sessions)
			fmt.Printf("  executions: %d\n", st.Executions)
			if st.LastCommand != nil {
				fmt.Printf("  last:       %s %s by %s (%s)\n",
					st.LastCommand.Timestamp.Local().Format(time.DateTime),
					st.LastCommand.Command, st.LastCommand.ActorName, st.LastCommand.Status)
			}
			return nil
		},
	}
}

func enabledChannels(cfg *config.Config) []string {
	var names []string
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Channels.Slack.Enabled {
		names = append(names, "slack")
	}
	if cfg.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	if cfg.Channels.Webhook.Enabled {
		names = append(names, "webhook")
	}
	if len(names) == 0 {
		names = append(names, "none")
	}
	return names
}

func orNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and maintain the audit trail",
	}

	var (
		user   string
		limit  int
		since  time.Duration
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent command attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAudit()
			if err != nil {
				return err
			}
			defer store.Close()

			f := audit.Filter{ActorID: user, Limit: limit}
			if since > 0 {
				f.From = time.Now().Add(-since)
			}
			recs, err := store.History(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(recs)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tUSER\tCHAT\tCOMMAND\tRESULT\tDETAILS")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Local().Format(time.DateTime), r.ActorName, r.ChatID, r.Command, r.Status, r.Details)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&user, "user", "", "only this chat user ID")
	list.Flags().IntVar(&limit, "limit", audit.DefaultHistoryLimit, "maximum rows")
	list.Flags().DurationVar(&since, "since", 0, "only attempts newer than this (e.g. 24h)")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var from, to string
	report := &cobra.Command{
		Use:   "report",
		Short: "Command attempts in a date range, joined with their sign-ins",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse(time.DateOnly, from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := time.Parse(time.DateOnly, to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			end = end.Add(24*time.Hour - time.Nanosecond)

			store, err := openAudit()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Report(cmd.Context(), start, end, user)
			if err != nil {
				return err
			}
			return printJSON(rows)
		},
	}
	report.Flags().StringVar(&from, "from", time.Now().AddDate(0, 0, -7).Format(time.DateOnly), "first day (YYYY-MM-DD)")
	report.Flags().StringVar(&to, "to", time.Now().Format(time.DateOnly), "last day (YYYY-MM-DD)")
	report.Flags().StringVar(&user, "user", "", "only this chat user ID")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit records older than the configured retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := audit.Open(cfg.Audit.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Audit.RetentionDays)
			n, err := store.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d command records older than %s\n", n, cutoff.Format(time.DateOnly))
			return nil
		},
	}

	cmd.AddCommand(list, report, purge)
	return cmd
}

func openAudit() (*audit.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return audit.Open(cfg.Audit.DBPath, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. dispatch.strategy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. dispatch.strategy direct)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
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

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(config.Sanitize(cfg))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
