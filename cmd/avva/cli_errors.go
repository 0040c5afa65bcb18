// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/avva/pkg/errors"
)

// CLIError wraps AvvaError with a hint for the operator.
type CLIError struct {
	*errors.AvvaError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(ae *errors.AvvaError, hint string) *CLIError {
	return &CLIError{AvvaError: ae, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.AvvaError == nil {
		return "unknown error"
	}
	msg := e.AvvaError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the AvvaError.
func (e *CLIError) Unwrap() error {
	if e.AvvaError == nil {
		return nil
	}
	return e.AvvaError
}

// NewNotFoundError reports an unknown resource.
func NewNotFoundError(resource, name string) *CLIError {
	ae := errors.New(errors.CodeInvalidInput, fmt.Sprintf("%s '%s' not found", resource, name), nil).
		WithContext("resource", resource).
		WithContext("name", name)
	return NewCLIError(ae, fmt.Sprintf("run 'avva %ss list' to see what is available", resource))
}

// NewInvalidArgumentError reports a bad argument.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	ae := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument %q: %s", arg, reason), nil).
		WithContext("argument", arg)
	return NewCLIError(ae, "run 'avva help' for usage information")
}

// NewConfigError reports a configuration that could not be loaded.
func NewConfigError(err error, configPath string) *CLIError {
	ae := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check your configuration and AVVA_ environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(ae, hint)
}

type errorOutput struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func printError(w io.Writer, err error, asJSON bool) {
	out := errorOutput{Code: "UNKNOWN", Message: err.Error()}
	if _, ok := errors.CodeOf(err); ok {
		ae := errors.AsAvvaError(err)
		out = errorOutput{Code: string(ae.Code), Message: ae.Message}
		if ae.Err != nil {
			out.Message += ": " + ae.Err.Error()
		}
	}
	if ce, ok := err.(*CLIError); ok {
		out.Hint = ce.Hint
	}
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]errorOutput{"error": out})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", out.Code, out.Message)
	if out.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", out.Hint)
	}
}
