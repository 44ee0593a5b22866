package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRevokeCmd(root *rootOptions) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Destroy a share before it is used",
		Long: `Revokes an active share so its code no longer opens anything.

Revoking a share that was already used, expired or revoked reports that the
share was not found.

Example:
  keyshare revoke --code ABCD-2345`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}

			stop := startSpinner("Revoking share...", root.verbose)
			err = c.Revoke(cmd.Context(), code)
			stop()
			if err != nil {
				return describe(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), successMark(), "Share revoked")
			return nil
		},
	}

	cmd.Flags().StringVarP(&code, "code", "c", "", "share code to revoke")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}
