package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mailbridge/internal/config"
	"mailbridge/internal/credential"
	"mailbridge/internal/domain"

	"github.com/spf13/cobra"
)

// providerMeta describes a provider option for the setup prompts.
type providerMeta struct {
	Label        string
	Name         string // provider factory name
	EnvVar       string
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Label: "ollama", Name: "ollama", APIBase: "http://localhost:11434/v1", DefaultModel: "llama3.1:8b"},
	{Label: "openai", Name: "openai", EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
	{Label: "anthropic", Name: "anthropic", EnvVar: "ANTHROPIC_API_KEY", APIBase: "https://api.anthropic.com/v1", DefaultModel: "claude-sonnet-4-5"},
	{Label: "openrouter", Name: "openai-compatible", EnvVar: "OPENROUTER_API_KEY", APIBase: "https://openrouter.ai/api/v1", DefaultModel: "openai/gpt-4o-mini"},
	{Label: "groq", Name: "openai-compatible", EnvVar: "GROQ_API_KEY", APIBase: "https://api.groq.com/openai/v1", DefaultModel: "llama-3.3-70b-versatile"},
	{Label: "deepseek", Name: "openai-compatible", EnvVar: "DEEPSEEK_API_KEY", APIBase: "https://api.deepseek.com/v1", DefaultModel: "deepseek-chat"},
}

var dmPolicies = []struct {
	ID   string
	Desc string
}{
	{"open", "Answer anyone who writes"},
	{"allowlist", "Answer only listed addresses"},
	{"pairing", "Unknown senders get a code the operator approves"},
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: inbox → API key → sender policy → LLM provider",
		Long:  "Guides you through the AgentMail inbox, where its API key is kept, who may write to it, and which LLM answers. Writes config to the path used by --config or default.",
		RunE:  runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	am := &cfg.Channels.AgentMail

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}
	choose := func(n int, def string) (int, error) {
		choice, err := prompt(def)
		if err != nil {
			return 0, err
		}
		var idx int
		if k, _ := fmt.Sscanf(choice, "%d", &idx); k != 1 || idx < 1 || idx > n {
			idx = 1
		}
		return idx - 1, nil
	}

	// Step 1: Inbox
	fmt.Println("\n--- Step 1: AgentMail inbox ---")
	fmt.Fprint(os.Stdout, "Inbox id (e.g. support@agentmail.to)")
	inbox, err := prompt(am.InboxID)
	if err != nil {
		return err
	}
	am.InboxID = inbox
	if at := strings.LastIndex(inbox, "@"); at > 0 {
		am.Username = inbox[:at]
		am.Domain = inbox[at+1:]
	}

	// Step 2: API key
	fmt.Println("\n--- Step 2: API key ---")
	fmt.Fprint(os.Stdout, "AgentMail API key (paste key, ${ENV_VAR}, or leave empty to keep current)")
	key, err := prompt("")
	if err != nil {
		return err
	}
	if key != "" {
		if strings.HasPrefix(key, "${") {
			am.APIKey = key
		} else {
			fmt.Fprint(os.Stdout, "Store key in the OS keyring instead of the config file? (y/n)")
			ans, err := prompt("y")
			if err != nil {
				return err
			}
			if strings.HasPrefix(strings.ToLower(ans), "y") {
				name := credential.Key(domain.DefaultAccountID)
				if err := credential.Set(name, key); err != nil {
					return fmt.Errorf("store key: %w", err)
				}
				am.APIKeyKeyring = name
				am.APIKey = ""
				fmt.Fprintf(os.Stdout, "  Stored in keyring as %s\n", name)
			} else {
				am.APIKey = key
			}
		}
	}

	// Step 3: Sender policy
	fmt.Println("\n--- Step 3: Who may write ---")
	defPolicy := "1"
	for i, p := range dmPolicies {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, p.ID, p.Desc)
		if p.ID == am.DMPolicy {
			defPolicy = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(os.Stdout, "Choose policy (1-%d)", len(dmPolicies))
	pi, err := choose(len(dmPolicies), defPolicy)
	if err != nil {
		return err
	}
	am.DMPolicy = dmPolicies[pi].ID
	if am.DMPolicy == "allowlist" {
		fmt.Fprint(os.Stdout, "Allowed addresses or domains, comma separated (e.g. alice@example.com, @example.org)")
		list, err := prompt(strings.Join(am.AllowFrom, ", "))
		if err != nil {
			return err
		}
		am.AllowFrom = nil
		for _, s := range strings.Split(list, ",") {
			if s = strings.TrimSpace(s); s != "" {
				am.AllowFrom = append(am.AllowFrom, s)
			}
		}
	}

	// Step 4: Provider
	fmt.Println("\n--- Step 4: LLM provider ---")
	defNum := "1"
	for i, p := range knownProviders {
		fmt.Fprintf(os.Stdout, "  %d) %s", i+1, p.Label)
		if p.EnvVar != "" {
			fmt.Fprintf(os.Stdout, " (set %s)", p.EnvVar)
		}
		fmt.Println()
		if p.APIBase == cfg.Agent.Provider.APIBase {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(os.Stdout, "Choose provider (1-%d)", len(knownProviders))
	idx, err := choose(len(knownProviders), defNum)
	if err != nil {
		return err
	}
	prov := knownProviders[idx]
	pc := &cfg.Agent.Provider
	if pc.APIBase != prov.APIBase {
		pc.Model = prov.DefaultModel
		pc.APIKey = ""
	}
	pc.Name = prov.Name
	pc.APIBase = prov.APIBase
	fmt.Fprint(os.Stdout, "Model")
	if pc.Model, err = prompt(orDefault(pc.Model, prov.DefaultModel)); err != nil {
		return err
	}
	if prov.EnvVar != "" {
		fmt.Fprintf(os.Stdout, "API key: paste key or env var (e.g. ${%s})", prov.EnvVar)
		k, err := prompt(orDefault(pc.APIKey, "${"+prov.EnvVar+"}"))
		if err != nil {
			return err
		}
		pc.APIKey = k
	}
	fmt.Fprintf(os.Stdout, "  Using provider: %s (%s)\n", prov.Label, pc.Model)

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'mailbridge doctor', then 'mailbridge gateway'.")
	return nil
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
