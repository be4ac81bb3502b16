package cmd

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

var errPasswordMismatch = errors.New("passwords do not match")

// resolvePassword returns given when set and otherwise prompts on the
// terminal, asking twice when confirm is true.
func resolvePassword(given string, confirm bool) (string, error) {
	if given != "" {
		return given, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password given and stdin is not a terminal")
	}

	password, err := prompt(fd, "Password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if confirm {
		again, err := prompt(fd, "Repeat password: ")
		if err != nil {
			return "", err
		}
		if again != password {
			return "", errPasswordMismatch
		}
	}
	return password, nil
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}
