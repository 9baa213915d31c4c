package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"mailbridge/internal/account"
	"mailbridge/internal/domain"
	"mailbridge/internal/outbound"
	"mailbridge/internal/pairing"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage senders admitted under the pairing DM policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending pairing codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPairing(cfg)
			if err != nil {
				return err
			}
			defer ps.Close()

			pending, err := ps.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending pairing requests.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tACCOUNT\tSENDER\tREQUESTED\tEXPIRES")
			for _, r := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Code, r.AccountID, r.Sender, humanize.Time(r.CreatedAt), humanize.Time(r.ExpiresAt))
			}
			return tw.Flush()
		},
	})

	var notify bool
	approve := &cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code and notify the sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPairing(cfg)
			if err != nil {
				return err
			}
			defer ps.Close()

			req, err := ps.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s for account %s\n", req.Sender, req.AccountID)
			if !notify {
				return nil
			}

			sender := outbound.NewSender(outbound.SenderConfig{Config: cfg, Logger: logger})
			_, err = sender.Send(cmd.Context(), domain.SendRequest{
				To:        req.Sender,
				Subject:   pairing.ApprovedSubject,
				Text:      pairing.ApprovedMessage,
				AccountID: req.AccountID,
			})
			if err != nil {
				logger.Warn("approval notice not sent", "sender", req.Sender, "err", err)
			}
			return nil
		},
	}
	approve.Flags().BoolVar(&notify, "notify", true, "email the sender that access was approved")
	cmd.AddCommand(approve)

	var accountID string
	revoke := &cobra.Command{
		Use:   "revoke [sender]",
		Short: "Remove a paired sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPairing(cfg)
			if err != nil {
				return err
			}
			defer ps.Close()

			id := accountID
			if id == "" {
				id = account.DefaultAccountID(cfg)
			}
			if err := ps.Revoke(cmd.Context(), id, args[0]); err != nil {
				return err
			}
			logger.Info("pairing revoked", "account", id, "sender", args[0])
			return nil
		},
	}
	revoke.Flags().StringVarP(&accountID, "account", "a", "", "account id (default: the default account)")
	cmd.AddCommand(revoke)

	return cmd
}
