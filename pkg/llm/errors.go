// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Reason classifies a backend failure.
type Reason string

const (
	ReasonAuth          Reason = "auth"
	ReasonUnreachable   Reason = "unreachable"
	ReasonModelNotFound Reason = "model_not_found"
	ReasonRateLimit     Reason = "rate_limit"
	ReasonServer        Reason = "server"
	ReasonTimeout       Reason = "timeout"
	ReasonUnknown       Reason = "unknown"
)

// ProviderError wraps a backend failure with a coarse classification.
type ProviderError struct {
	Provider   string
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies err. A zero status means the HTTP status is
// unknown and the error value itself is inspected.
func NewProviderError(provider string, status int, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	reason := ReasonFromStatus(status)
	if reason == ReasonUnknown {
		reason = reasonFromError(err)
	}
	return &ProviderError{Provider: provider, Reason: reason, StatusCode: status, Err: err}
}

// ReasonOf returns the classification of err, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	if err == nil {
		return ""
	}
	return reasonFromError(err)
}

// ReasonFromStatus maps an HTTP status code to a Reason.
func ReasonFromStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServer
	default:
		return ReasonUnknown
	}
}

func reasonFromError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonUnreachable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ReasonUnreachable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return ReasonUnreachable
	case strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"):
		return ReasonAuth
	}
	return ReasonUnknown
}
