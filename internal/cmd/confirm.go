package cmd

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// confirm asks a single-key yes/no question on the terminal. It returns
// false when stdin is not a terminal.
func confirm(out io.Writer, prompt string) bool {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false
	}

	fmt.Fprintf(out, "%s [y/N] ", prompt)

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false
	}
	defer term.Restore(fd, oldState) // nolint:errcheck // best-effort restore

	var b [1]byte
	if _, err := os.Stdin.Read(b[:]); err != nil {
		return false
	}

	fmt.Fprintln(out)
	return b[0] == 'y' || b[0] == 'Y'
}
