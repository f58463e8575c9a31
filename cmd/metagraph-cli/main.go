// Package main provides the metadata engine command line interface.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes: 0 success, 1 validation error, 2 I/O or backend error,
// 3 authentication error.
const (
	exitOK         = 0
	exitValidation = 1
	exitIO         = 2
	exitAuth       = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func validationErr(err error) error { return &exitError{code: exitValidation, err: err} }
func ioErr(err error) error         { return &exitError{code: exitIO, err: err} }
func authErr(err error) error       { return &exitError{code: exitAuth, err: err} }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitValidation)
	}
	os.Exit(exitOK)
}
