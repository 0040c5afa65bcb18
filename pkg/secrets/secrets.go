// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets keeps provider API keys in the OS keychain, one entry per
// provider id under the "avva" service.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	zkr "github.com/zalando/go-keyring"
)

// Service is the keychain service name.
const Service = "avva"

// DisableEnv turns keychain lookups off when set to 1 (CI, containers).
const DisableEnv = "AVVA_KEYRING_DISABLED"

// ErrDisabled is returned by Set and Delete when the keychain is disabled.
var ErrDisabled = errors.New("keyring disabled")

func disabled() bool {
	return os.Getenv(DisableEnv) == "1"
}

// Get returns the stored key for provider. A missing entry is not an error.
func Get(provider string) (string, error) {
	if disabled() {
		return "", nil
	}
	v, err := zkr.Get(Service, provider)
	if errors.Is(err, zkr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keychain get %s: %w", provider, err)
	}
	return v, nil
}

// Set stores key for provider.
func Set(provider, key string) error {
	if disabled() {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if provider == "" || key == "" {
		return errors.New("provider and key are required")
	}
	return zkr.Set(Service, provider, key)
}

// Delete removes the key for provider. Deleting a missing entry succeeds.
func Delete(provider string) error {
	if disabled() {
		return ErrDisabled
	}
	if err := zkr.Delete(Service, provider); err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return err
	}
	return nil
}

// Resolve picks the first non-empty key from the explicit value, the
// environment variable env and the keychain entry for provider.
func Resolve(provider, explicit, env string) string {
	if k := strings.TrimSpace(explicit); k != "" {
		return k
	}
	if env != "" {
		if k := strings.TrimSpace(os.Getenv(env)); k != "" {
			return k
		}
	}
	k, err := Get(provider)
	if err != nil {
		return ""
	}
	return k
}
