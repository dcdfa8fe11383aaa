// Command cm-node runs a copy machine node: it joins the cluster, copies its
// share of a directory tree and serves window updates to its replicas.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cm-node:", err)
		os.Exit(exitCode(err))
	}
}

const (
	exitFailure      = 1
	exitCommandError = 2
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	msg  string
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *exitError) Unwrap() error { return e.err }

func wrapExit(code int, msg string, err error) error {
	return &exitError{code: code, msg: msg, err: err}
}

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return exitFailure
}
