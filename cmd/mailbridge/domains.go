package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"mailbridge/internal/account"
	"mailbridge/internal/agentmail"
	"mailbridge/internal/domain"

	"github.com/spf13/cobra"
)

func domainCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Register and verify a custom sending domain",
	}
	cmd.PersistentFlags().StringVarP(&accountID, "account", "a", "", "account whose API key is used (default: the default account)")

	client := func() (*agentmail.Client, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		acct := account.Resolve(cfg, accountID)
		if acct.APIKey == "" {
			return nil, fmt.Errorf("account %s: %w", acct.AccountID, domain.ErrNotConfigured)
		}
		return newPool(cfg).Get(acct.APIKey), nil
	}

	var feedback bool
	setup := &cobra.Command{
		Use:   "setup [domain]",
		Short: "Register a domain and print the DNS records to publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			d, err := c.CreateDomain(cmd.Context(), agentmail.CreateDomainRequest{
				Domain:          strings.ToLower(strings.TrimSpace(args[0])),
				FeedbackEnabled: feedback,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Domain %s registered (id %s, status %s)\n\n", d.Domain, d.DomainID, d.Status)
			printRecords(d.Records)
			fmt.Printf("\nAfter publishing the records run: mailbridge domain verify %s\n", d.DomainID)
			return nil
		},
	}
	setup.Flags().BoolVar(&feedback, "feedback", true, "enable bounce and complaint feedback")

	verify := &cobra.Command{
		Use:   "verify [domain-id]",
		Short: "Re-check DNS for a registered domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.VerifyDomain(cmd.Context(), args[0]); err != nil {
				return err
			}
			d, err := c.GetDomain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Domain %s status: %s\n", d.Domain, d.Status)
			if len(d.Records) > 0 && !strings.EqualFold(d.Status, "verified") {
				fmt.Println()
				printRecords(d.Records)
			}
			return nil
		},
	}

	cmd.AddCommand(setup, verify)
	return cmd
}

func printRecords(records []agentmail.DNSRecord) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNAME\tVALUE\tPRIORITY")
	for _, r := range records {
		prio := ""
		if r.Priority > 0 {
			prio = fmt.Sprint(r.Priority)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Type, r.Name, r.Value, prio)
	}
	tw.Flush()
}
