package main

import (
	"fmt"
	"os"

	"golang.org/x/xerrors"
)

// Exit codes
const (
	ExitSuccess            = 0
	ExitError              = 1
	ExitPathArguments      = 2
	ExitDecodeUnavailable  = 3
	ExitUnsupportedVersion = 4
)

var version = "dev"

// exitError carries the exit code for an error returned by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var e *exitError
	if xerrors.As(err, &e) {
		return e.code
	}
	return ExitError
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.Name(), err)
		os.Exit(exitCode(err))
	}
}
