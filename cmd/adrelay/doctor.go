package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"adrelay/internal/audit"
	"adrelay/internal/config"
	"adrelay/internal/directory"
	"adrelay/internal/dispatch"
)

type checker interface {
	Health(ctx context.Context) error
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the adrelay installation",
		Long: `Verifies the configuration, the audit database, the directory backend,
the execution API and the HTTP port. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("adrelay doctor v%s\n\n", version)

			r := &doctorReport{}
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'adrelay init' to create a default configuration.\n")
				return fmt.Errorf("config not found")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			runDoctorChecks(ctx, cfg, r)

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func runDoctorChecks(ctx context.Context, cfg *config.Config, r *doctorReport) {
	if cfg.Chats.ITChatID == "" || cfg.Chats.HRChatID == "" {
		r.warn("Department chats", "itChatId or hrChatId not set")
	} else {
		r.pass("Department chats", fmt.Sprintf("IT=%s HR=%s", cfg.Chats.ITChatID, cfg.Chats.HRChatID))
	}

	if cfg.Auth.ClientID == "" || cfg.Auth.ClientSecret == "" || cfg.Auth.StateSecret == "" {
		r.warn("Sign-in", "clientId, clientSecret or stateSecret missing; nobody can authenticate")
	} else {
		r.pass("Sign-in", "tenant "+orNone(cfg.Auth.TenantID))
	}

	if err := checkAuditDB(ctx, cfg.Audit.DBPath); err != nil {
		r.fail("Audit database", err.Error())
	} else {
		r.pass("Audit database", cfg.Audit.DBPath)
	}

	switch cfg.Directory.Provider {
	case "file":
		if f, err := directory.LoadFile(cfg.Directory.FilePath, cfg.Directory.Domains); err != nil {
			r.fail("Directory", err.Error())
		} else {
			r.pass("Directory", fmt.Sprintf("%d users in %s", f.Len(), cfg.Directory.FilePath))
		}
	default:
		g, err := directory.NewGraph(directory.GraphConfig{
			TenantID:     cfg.Auth.TenantID,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			BaseURL:      cfg.Auth.GraphBaseURL,
			Domains:      cfg.Directory.Domains,
			Logger:       logger,
		})
		if err != nil {
			r.fail("Directory", err.Error())
		} else {
			checkHealth(ctx, r, "Directory", g, "graph reachable")
		}
	}

	if cfg.Dispatch.Strategy == dispatch.StrategyDirect {
		exec := dispatch.NewExecutorClient(dispatch.ExecutorConfig{
			BaseURL: cfg.Dispatch.Direct.BaseURL,
			APIKey:  cfg.Dispatch.Direct.APIKey,
			Timeout: time.Duration(cfg.Dispatch.Direct.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
		checkHealth(ctx, r, "Execution API", exec, cfg.Dispatch.Direct.BaseURL)
	} else {
		r.pass("Dispatch", "relay via "+cfg.Dispatch.Relay.Channel)
	}

	if chans := enabledChannels(cfg); chans[0] == "none" {
		r.fail("Channels", "no channels enabled")
	} else {
		r.pass("Channels", fmt.Sprint(chans))
	}

	if cfg.HTTP.Enabled {
		if err := checkPort(cfg.HTTP.Host, cfg.HTTP.Port); err != nil {
			r.warn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.HTTP.Port, err))
		} else {
			r.pass("HTTP port", fmt.Sprintf(":%d available", cfg.HTTP.Port))
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkHealth(ctx context.Context, r *doctorReport, name string, c checker, detail string) {
	if err := c.Health(ctx); err != nil {
		r.fail(name, err.Error())
		return
	}
	r.pass(name, detail)
}

// checkAuditDB opens the store (running migrations) and reads from it.
func checkAuditDB(ctx context.Context, dbPath string) error {
	store, err := audit.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.Stats(ctx); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
