package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage session to group mappings",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mapped sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		groups, err := openGroups(cfg)
		if err != nil {
			return err
		}
		defer groups.Close()
		journal := openJournal(cfg)

		ctx := context.Background()
		list, err := groups.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tGROUP\tRELAYED\tCREATED")
		for _, m := range list {
			var count int64
			if journal != nil {
				if n, err := journal.Count(ctx, m.SessionID); err == nil {
					count = n
				}
			}
			created := "-"
			if !m.CreatedAt.IsZero() {
				created = m.CreatedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.SessionID, m.GroupID, count, created)
		}
		return w.Flush()
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Forget a session mapping or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		groups, err := openGroups(cfg)
		if err != nil {
			return err
		}
		defer groups.Close()

		ctx := context.Background()
		out := cmd.OutOrStdout()
		if args[0] == "all" {
			list, err := groups.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, m := range list {
				if err := groups.Delete(ctx, m.SessionID); err != nil {
					return fmt.Errorf("clear session %s: %w", m.SessionID, err)
				}
			}
			fmt.Fprintf(out, "Cleared %d sessions.\n", len(list))
			return nil
		}

		sessionID := types.SessionID(args[0])
		if !hasSession(ctx, groups, sessionID) {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		if err := groups.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		fmt.Fprintf(out, "Session %s cleared.\n", sessionID)
		return nil
	},
}

func hasSession(ctx context.Context, groups types.GroupStore, sessionID types.SessionID) bool {
	list, err := groups.List(ctx)
	if err != nil {
		return false
	}
	for _, m := range list {
		if m.SessionID == sessionID {
			return true
		}
	}
	return false
}
