package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenlink/proxy/client"
)

func (a *app) admin() *client.Admin {
	return client.New(client.WithLogger(a.logger)).Admin(a.cfg.Endpoint)
}

func newPendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List sessions and tokens waiting for an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			pending, err := a.admin().Pending(ctx)
			if err != nil {
				return err
			}
			return a.emit(pending, func(w io.Writer) {
				row(w, "KIND", "ID", "ORIGIN", "SINCE")
				for _, s := range pending.Sessions {
					row(w, "session", s.SessionID, s.Origin, s.CreatedAt)
				}
				for _, id := range pending.Tokens {
					row(w, "token", id, "", "")
				}
			})
		},
	}
}

func newApproveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve PIN",
		Short: "Approve the session showing PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			approved, err := a.admin().Approve(ctx, args[0])
			if err != nil {
				return err
			}
			return a.emit(approved, func(w io.Writer) {
				fmt.Fprintf(w, "Approved session %s from %s\n", approved.SessionID, approved.Origin)
			})
		},
	}
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock PROVIDER PIN",
		Short: "Log a token in on behalf of waiting clients",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			if err := a.admin().Unlock(ctx, args[0], args[1]); err != nil {
				return err
			}
			return a.emit(map[string]any{"provider": args[0], "logged_in": true}, func(w io.Writer) {
				fmt.Fprintf(w, "Unlocked %s\n", args[0])
			})
		},
	}
}
