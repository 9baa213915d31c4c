package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"mailbridge/internal/config"
	"mailbridge/internal/session"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect or reset stored conversations",
	}
	cmd.PersistentFlags().StringVar(&agentID, "agent", "", "agent id (default: routing.defaultAgent)")

	openStore := func(cfg *config.Config) (*session.SQLiteStore, error) {
		id := agentID
		if id == "" {
			id = cfg.Routing.DefaultAgent
		}
		return session.OpenSQLite(session.ResolveStorePath(cfg.Session.Store, id), logger)
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
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

			sums, err := st.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(sums)
			}
			if len(sums) == 0 {
				fmt.Printf("No sessions in %s\n", st.Path())
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tACCOUNT\tPEER\tTURNS\tLAST INBOUND")
			for _, s := range sums {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.SessionKey, s.AccountID, s.Peer, s.Turns, humanize.Time(s.UpdatedAt))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	reset := &cobra.Command{
		Use:   "reset [session-key]",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
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

			if err := st.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("session reset", "session", args[0], "store", st.Path())
			return nil
		},
	}

	cmd.AddCommand(list, reset)
	return cmd
}
