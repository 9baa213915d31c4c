package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailbridge/internal/account"
	"mailbridge/internal/agentmail"
	"mailbridge/internal/channel"
	"mailbridge/internal/config"
	"mailbridge/internal/credential"
	"mailbridge/internal/domain"
	"mailbridge/internal/outbound"
	"mailbridge/internal/tool"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logLevel   string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "mailbridge",
		Short:        "mailbridge: an AgentMail inbox answered by an LLM agent",
		Long:         "mailbridge listens on an AgentMail inbox and replies to each email in-thread with an agent-generated answer.",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.mailbridge/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.logLevel (debug, info, warn, error)")

	root.AddCommand(initCmd())
	root.AddCommand(setupCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(inboxCmd())
	root.AddCommand(configCmd())
	root.AddCommand(credentialCmd())
	root.AddCommand(domainCmd())
	root.AddCommand(pairingCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(daemonCmd())

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

// loadConfig loads the config file and reconfigures the logger from it.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger applies the configured level and, when general.logFile is set,
// writes to that file as well as stderr.
func setupLogger(cfg *config.Config) error {
	level := cfg.General.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv}))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
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
			if err := os.MkdirAll(config.ExpandPath(cfg.General.DataDir), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Next: mailbridge credential set <api-key> and mailbridge config set channels.agentmail.inboxId <inbox>")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Describe accounts and probe their inboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			type accountStatus struct {
				channel.AccountDescription
				Probe *channel.ProbeResult `json:"probe,omitempty"`
			}
			var out []accountStatus
			for _, d := range channel.Describe(cfg) {
				st := accountStatus{AccountDescription: d}
				if d.Enabled {
					res := channel.Probe(cmd.Context(), cfg, d.AccountID, timeout)
					st.Probe = &res
				}
				out = append(out, st)
			}
			return printJSON(out)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "probe timeout (default: channels.agentmail.probeTimeoutSeconds)")
	return cmd
}

func sendCmd() *cobra.Command {
	var accountID, subject, replyTo, threadID string
	cmd := &cobra.Command{
		Use:   "send [to] [text]",
		Short: "Send an email from an AgentMail account",
		Long:  "Sends text (Markdown) as a new message, or as a threaded reply with --reply-to. An empty [to] uses the account's defaultTo.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sender := outbound.NewSender(outbound.SenderConfig{Config: cfg, Logger: logger})

			var res any
			if replyTo != "" {
				res, err = sender.Send(cmd.Context(), domain.SendRequest{
					To:               args[0],
					Text:             args[1],
					ThreadID:         threadID,
					ReplyToMessageID: replyTo,
					AccountID:        accountID,
				})
			} else {
				ch := channel.NewAgentMail(channel.AgentMailConfig{Config: cfg, Sender: sender, Logger: logger})
				res, err = ch.SendFrom(cmd.Context(), accountID, args[0], subject, args[1])
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account id (default: the default account)")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject for a new message (default: "+outbound.DefaultSubject+")")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "message id to reply to in-thread")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id of the message being replied to")
	return cmd
}

func inboxCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List or read messages in an AgentMail inbox",
	}
	run := func(ctx context.Context, args map[string]any) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg := tool.NewRegistry(logger)
		reg.Register(tool.NewInboxTool(cfg, nil))
		args["accountId"] = accountID
		out, err := reg.Execute(ctx, tool.InboxToolName, args)
		if err != nil {
			return err
		}
		fmt.Println(out)
		if strings.HasPrefix(out, `{"error"`) {
			return fmt.Errorf("inbox %s failed", args["action"])
		}
		return nil
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), map[string]any{"action": "list", "limit": limit})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 10, "number of messages (1-50)")

	read := &cobra.Command{
		Use:   "read [message-id]",
		Short: "Read one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), map[string]any{"action": "read", "messageId": args[0]})
		},
	}

	cmd.PersistentFlags().StringVarP(&accountID, "account", "a", "", "account id (default: the default account)")
	cmd.AddCommand(list, read)
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
		Short: "Get a config value (e.g. channels.agentmail.inboxId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
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
		Short: "Set a config value (e.g. channels.agentmail.dmPolicy allowlist)",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(config.ListPaths(config.Sanitize(cfg)))
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

func credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Store AgentMail API keys in the system keyring",
	}

	var accountID string
	set := &cobra.Command{
		Use:   "set [api-key]",
		Short: "Store an API key and point the account's apiKeyKeyring at it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			id := accountID
			if id == "" {
				id = account.DefaultAccountID(cfg)
			}
			name := credential.Key(id)
			if err := credential.Set(name, strings.TrimSpace(args[0])); err != nil {
				return err
			}
			path := "channels.agentmail.apiKeyKeyring"
			if id != domain.DefaultAccountID {
				path = "channels.agentmail.accounts." + id + ".apiKeyKeyring"
			}
			if err := config.SetByPath(cfg, path, name); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("credential stored", "account", id, "keyring_item", name)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove an account's API key from the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			id := accountID
			if id == "" {
				id = account.DefaultAccountID(cfg)
			}
			if err := credential.Delete(credential.Key(id)); err != nil {
				return err
			}
			logger.Info("credential deleted", "account", id)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&accountID, "account", "a", "", "account id (default: the default account)")
	cmd.AddCommand(set, del)
	return cmd
}

// newPool builds an AgentMail client pool over the configured API base.
func newPool(cfg *config.Config) *agentmail.Pool {
	return agentmail.NewPool(agentmail.ClientConfig{BaseURL: cfg.Channels.AgentMail.APIBase, Logger: logger})
}
