package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompt writes label to w and reads one line from r without its line
// ending. Input typed on a terminal is not echoed.
func Prompt(r io.Reader, w io.Writer, label string) (string, error) {
	fmt.Fprint(w, label)

	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(b), nil
	}

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return "", errors.New("no input")
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}
