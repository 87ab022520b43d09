package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptHidden prompts for input without echoing it to the terminal. When
// stdin isn't a terminal, for example piped input in scripts, it falls back
// to a plain line read.
func promptHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return promptRead()
}

// promptLine prompts for a line of input with normal echo.
func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	return promptRead()
}

func promptRead() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptNewSecret prompts for a new PIN or PUK twice and verifies both
// entries match.
func promptNewSecret(name string) (string, error) {
	first, err := promptHidden(fmt.Sprintf("Enter new %s: ", name))
	if err != nil {
		return "", err
	}
	second, err := promptHidden(fmt.Sprintf("Repeat new %s: ", name))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("%s entries don't match", name)
	}
	return first, nil
}

// confirm requires the user to type "yes" before a destructive operation
// proceeds.
func confirm(prompt string) (bool, error) {
	line, err := promptLine(prompt + " Type \"yes\" to continue: ")
	if err != nil {
		return false, err
	}
	return line == "yes", nil
}
