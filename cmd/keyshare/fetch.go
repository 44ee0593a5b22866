package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type fetchOptions struct {
	*rootOptions
	code    string
	noWrite bool
	envFile string
	key     string
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Open a share and save the secret",
		Long: `Retrieves the secret behind a code. The share is destroyed on success.

By default the secret is appended to .env. Use --key to write it as
NAME=secret, --env-file to pick another file, or --no-write to print it.

Examples:
  keyshare fetch --code ABCD-2345
  keyshare fetch --code ABCD-2345 --key DATABASE_URL
  keyshare fetch --code ABCD-2345 --no-write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.code, "code", "c", "", "share code (prompted when omitted)")
	cmd.Flags().BoolVar(&opts.noWrite, "no-write", false, "print the secret instead of writing it to a file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "file the secret is appended to")
	cmd.Flags().StringVarP(&opts.key, "key", "k", "", "write the secret as KEY=secret")

	return cmd
}

func (o *fetchOptions) run(cmd *cobra.Command) error {
	if o.key != "" && !envKeyPattern.MatchString(o.key) {
		return fmt.Errorf("invalid --key %q: use letters, digits and underscores", o.key)
	}

	code := o.code
	if code == "" {
		var err error
		if code, err = readLine(cmd.InOrStdin(), "Share code: "); err != nil {
			return err
		}
	}
	if code == "" {
		return fmt.Errorf("a share code is required")
	}

	c, err := o.client()
	if err != nil {
		return err
	}

	stop := startSpinner("Fetching share...", o.verbose)
	secret, err := c.Retrieve(cmd.Context(), code)
	stop()
	if err != nil {
		return describe(err)
	}

	out := cmd.OutOrStdout()
	if o.noWrite {
		fmt.Fprintln(out, secret)
		return nil
	}

	if err := appendEnv(o.envFile, o.key, secret); err != nil {
		// The share is gone; do not lose the secret as well.
		fmt.Fprintln(cmd.ErrOrStderr(), errorMark(), "could not write", o.envFile+":", err)
		fmt.Fprintln(out, secret)
		return err
	}

	fmt.Fprintln(out, successMark(), "Secret written to", highlight(o.envFile))
	return nil
}

// appendEnv appends one entry to path, creating it with owner-only
// permissions.
func appendEnv(path, key, secret string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := ensureTrailingNewline(f); err != nil {
		return err
	}

	_, err = f.WriteString(envEntry(key, secret))
	return err
}

func envEntry(key, secret string) string {
	if key == "" {
		return strings.TrimRight(secret, "\n") + "\n"
	}
	if strings.ContainsAny(secret, "\n\"'# \t\\$") {
		return key + "=" + strconv.Quote(secret) + "\n"
	}
	return key + "=" + secret + "\n"
}

// ensureTrailingNewline keeps a new entry off the previous line when the
// file does not end in a newline.
func ensureTrailingNewline(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err = f.WriteString("\n")
	}
	return err
}
