package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

// isTerminal returns true if the file descriptor is a terminal
func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// stdinIsTerminal reports whether cmd reads from an interactive terminal.
func stdinIsTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && isTerminal(int(f.Fd()))
}

// readSecret returns the secret stored under key in the environment or
// config file, or prompts for it. Prompts go to stderr so stdout stays
// machine readable.
func readSecret(cmd *cobra.Command, key, prompt string) ([]byte, error) {
	if v := viper.GetString(key); v != "" {
		return []byte(v), nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	defer fmt.Fprintln(cmd.ErrOrStderr())

	if stdinIsTerminal(cmd) {
		f := cmd.InOrStdin().(*os.File)
		secret, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return nil, errs.Errorf(errs.InvalidArgument, "failed to read password: %v", err)
		}
		return secret, nil
	}

	// Fallback for piped input
	line, err := readLine(cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errs.Errorf(errs.InvalidArgument, "no input for %s (set %s)", key, envName(key))
	}
	return line, nil
}

// readNewSecret is readSecret with a confirmation prompt when interactive.
func readNewSecret(cmd *cobra.Command, key, prompt, confirm string) ([]byte, error) {
	if v := viper.GetString(key); v != "" {
		return []byte(v), nil
	}
	first, err := readSecret(cmd, key, prompt)
	if err != nil {
		return nil, err
	}
	if !stdinIsTerminal(cmd) {
		return first, nil
	}
	second, err := readSecret(cmd, key, confirm)
	defer crypto.SecureWipe(second)
	if err != nil {
		crypto.SecureWipe(first)
		return nil, err
	}
	if !bytes.Equal(first, second) {
		crypto.SecureWipe(first)
		return nil, errs.New(errs.InvalidArgument, "passwords do not match")
	}
	return first, nil
}

// readLine reads up to a newline one byte at a time, so that later reads
// from the same stream (for example an envelope body) see the rest.
func readLine(r io.Reader) ([]byte, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Errorf(errs.InvalidArgument, "failed to read input: %v", err)
		}
	}
	return bytes.TrimSuffix(line, []byte("\r")), nil
}

// readInput returns the contents of path, or of stdin when path is "" or "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, errs.Errorf(errs.InvalidArgument, "failed to read stdin: %v", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Errorf(errs.NotFound, "input file not found: %s", path)
		}
		return nil, errs.Wrap(errs.StorageError, err)
	}
	return data, nil
}
