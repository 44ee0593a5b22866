// Command keyshare creates and opens one-time secret shares from the
// terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMark(), err)
		os.Exit(1)
	}
}
