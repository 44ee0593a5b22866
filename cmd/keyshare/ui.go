package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
	"key.share/internal/client"
)

var (
	successMark = func() string { return color.New(color.FgGreen).Sprint("✓") }
	errorMark   = func() string { return color.New(color.FgRed).Sprint("✗") }
	infoMark    = func() string { return color.New(color.FgCyan).Sprint("→") }
	highlight   = color.New(color.FgYellow, color.Bold).SprintFunc()
	muted       = color.New(color.Faint).SprintFunc()
)

// startSpinner shows message on stderr while a request is in flight. It is
// a no-op in verbose mode or when stderr is not a terminal.
func startSpinner(message string, verbose bool) func() {
	if verbose || !term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintln(os.Stderr, muted(message))
		return func() {}
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	return s.Stop
}

// readSecret reads a secret without echo when in is a terminal, otherwise
// it reads in to EOF.
func readSecret(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return string(secret), nil
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// readLine prompts for a single visible line.
func readLine(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// formatCode groups a code for reading aloud: ABCD2345 -> ABCD-2345.
func formatCode(code string) string {
	if len(code) != 8 {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// describe turns API failures into something a person can act on.
func describe(err error) error {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, client.ErrNotFound):
		return errors.New("share not found: the code is wrong, or the share was already used, expired or was revoked")
	case errors.Is(err, client.ErrLocked):
		return errors.New("share is locked after too many failed attempts; ask the sender for a new one")
	case errors.Is(err, client.ErrThrottled) && errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
		return fmt.Errorf("too many attempts, try again in %s", apiErr.RetryAfter)
	case errors.Is(err, client.ErrThrottled):
		return errors.New("too many attempts, try again later")
	case errors.Is(err, client.ErrUnavailable):
		return errors.New("server is temporarily unavailable, try again shortly")
	case errors.As(err, &apiErr):
		return errors.New(apiErr.Message)
	default:
		return err
	}
}
