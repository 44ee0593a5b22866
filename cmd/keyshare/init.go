package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type initOptions struct {
	*rootOptions
	fromFile string
	ttl      int
}

func newInitCmd(root *rootOptions) *cobra.Command {
	opts := &initOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a one-time share and print its code",
		Long: `Encrypts a secret on the server and prints the code that opens it once.

The secret is read from --from-file, typed at a hidden prompt, or piped on
stdin.

Examples:
  keyshare init
  keyshare init --from-file .env.production --ttl 30
  echo "API_KEY=abc" | keyshare init`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.fromFile, "from-file", "f", "", "read the secret from this file")
	cmd.Flags().IntVar(&opts.ttl, "ttl", 0, "minutes until the share expires (server default when 0)")

	return cmd
}

func (o *initOptions) run(cmd *cobra.Command) error {
	if o.ttl < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}

	secret, err := o.secret(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("secret is empty")
	}

	c, err := o.client()
	if err != nil {
		return err
	}

	stop := startSpinner("Creating share...", o.verbose)
	res, err := c.Create(cmd.Context(), secret, o.ttl)
	stop()
	if err != nil {
		return describe(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, successMark(), "Share created")
	fmt.Fprintln(out, "  Code:   ", highlight(formatCode(res.ShareCode)))
	fmt.Fprintln(out, "  Expires:", res.ExpiresAt.Local().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(out, infoMark(), "Send the code over a different channel. It works once.")
	return nil
}

func (o *initOptions) secret(in io.Reader) (string, error) {
	if o.fromFile != "" {
		data, err := os.ReadFile(o.fromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", o.fromFile, err)
		}
		return string(data), nil
	}
	return readSecret(in, "Secret: ")
}
