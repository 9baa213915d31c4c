package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"mailbridge/internal/channel"
	"mailbridge/internal/config"
	"mailbridge/internal/session"
	"mailbridge/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the mailbridge installation",
		Long: `Verifies the configuration, credentials, session and pairing stores,
and (unless --offline) that each enabled inbox is reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("mailbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'mailbridge init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.finish()
			}
			r.pass("Config validation", "valid")

			storePath := session.ResolveStorePath(cfg.Session.Store, cfg.Routing.DefaultAgent)
			if err := checkDatabase(storePath); err != nil {
				r.fail("Session store", err.Error())
			} else {
				r.pass("Session store", storePath)
			}

			if needsPairing(cfg) {
				if err := checkDatabase(cfg.Session.PairingStore); err != nil {
					r.fail("Pairing store", err.Error())
				} else {
					r.pass("Pairing store", cfg.Session.PairingStore)
				}
			}

			pc := cfg.Agent.Provider
			if pc.APIBase == "" && pc.APIKey == "" {
				r.warn("Provider", "no apiBase or apiKey configured")
			} else {
				r.pass("Provider", fmt.Sprintf("%s (%s)", pc.Name, pc.Model))
			}

			enabled := 0
			for _, d := range channel.Describe(cfg) {
				if !d.Enabled {
					continue
				}
				enabled++
				name := "Account: " + d.AccountID
				if !d.Configured {
					r.fail(name, "missing apiKey or inboxId")
					continue
				}
				if offline {
					r.pass(name, fmt.Sprintf("%s (key from %s)", d.InboxID, d.APIKeySource))
					continue
				}
				res := channel.Probe(cmd.Context(), cfg, d.AccountID, 0)
				if res.OK {
					r.pass(name, fmt.Sprintf("%s reachable in %dms", d.InboxID, res.LatencyMs))
				} else {
					r.fail(name, res.Error)
				}
			}
			if enabled == 0 {
				r.fail("Accounts", "no AgentMail account enabled")
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					r.pass("Metrics listen", cfg.Metrics.Listen+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.finish()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip network probes")
	return cmd
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorReport) finish() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nmailbridge should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! Run 'mailbridge gateway' to start.\n")
	}
	return nil
}

// checkDatabase opens the database at path and performs a throwaway write.
func checkDatabase(path string) error {
	db, err := store.Open(path, nil, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
