package main

import (
	"os"

	"github.com/spf13/cobra"
	"key.share/internal/client"
)

const defaultServer = "http://localhost:4000"

type rootOptions struct {
	server  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "keyshare",
		Short: "Share a secret once, by code",
		Long: `Keyshare hands a secret to one recipient through a short one-time code.

The secret is encrypted on the server and destroyed the first time it is
fetched, when it expires, or when it is revoked.

Usage:
  keyshare init                      # prompt for a secret, print a code
  keyshare fetch --code ABCD-2345    # append the secret to .env
  keyshare revoke --code ABCD-2345   # destroy a share before it is used`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("KEYSHARE_SERVER")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "keyshare server URL (env KEYSHARE_SERVER)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "disable the spinner and print progress")

	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newFetchCmd(opts))
	cmd.AddCommand(newRevokeCmd(opts))

	return cmd
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, nil)
}
