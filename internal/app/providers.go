// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/config"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/llm"
	"github.com/jllopis/avva/pkg/secrets"
	"github.com/jllopis/avva/providers/anthropic"
	"github.com/jllopis/avva/providers/gemini"
	"github.com/jllopis/avva/providers/lmstudio"
	"github.com/jllopis/avva/providers/openai"
)

// Provider kinds understood by NewProvider.
const (
	KindOllama   = "ollama"
	KindClaude   = "claude"
	KindOpenAI   = "openai"
	KindGoogle   = "google"
	KindLMStudio = "lmstudio"
)

// Kinds lists the provider kinds in display order.
var Kinds = []string{KindOllama, KindClaude, KindOpenAI, KindGoogle, KindLMStudio}

var kindAliases = map[string]string{
	"anthropic": KindClaude,
	"gemini":    KindGoogle,
	"lm-studio": KindLMStudio,
}

// NormalizeKind maps aliases to a canonical kind.
func NormalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if canonical, ok := kindAliases[k]; ok {
		return canonical
	}
	return k
}

// BrainConfig converts a configured provider into its persisted form.
func BrainConfig(p config.ProviderConfig) brain.Config {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	settings := make(map[string]any, len(p.Settings))
	for k, v := range p.Settings {
		settings[k] = v
	}
	return brain.Config{
		ID:           p.ID,
		Name:         name,
		Kind:         NormalizeKind(p.Kind),
		Active:       p.Active,
		Fallback:     p.Fallback,
		FilterLevel:  p.FilterLevel,
		PrivacyLevel: p.PrivacyLevel,
		Settings:     settings,
	}
}

// NewProvider builds the reasoning provider described by cfg. API keys come
// from settings, then the kind's environment variable, then the keychain.
func NewProvider(ctx context.Context, cfg brain.Config, assistantName string, logger *slog.Logger) (brain.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Setting("model", "")
	baseURL := cfg.Setting("base_url", "")
	opts := []brain.ChatOption{
		brain.WithName(cfg.Name),
		brain.WithAssistantName(assistantName),
		brain.WithChatLogger(logger),
	}
	if n, err := strconv.Atoi(cfg.Setting("max_tokens", "")); err == nil && n > 0 {
		opts = append(opts, brain.WithMaxTokens(n))
	}
	if t, err := strconv.ParseFloat(cfg.Setting("temperature", ""), 64); err == nil {
		opts = append(opts, brain.WithTemperature(t))
	}
	privacy := func(def brain.PrivacyLevel) brain.ChatOption {
		if cfg.PrivacyLevel != "" {
			return brain.WithPrivacy(brain.ParsePrivacyLevel(cfg.PrivacyLevel))
		}
		return brain.WithPrivacy(def)
	}

	kind := NormalizeKind(cfg.Kind)
	var backend llm.Provider
	switch kind {
	case KindOllama:
		var oopts []llm.OllamaOption
		if model != "" {
			oopts = append(oopts, llm.WithOllamaModel(model))
		}
		b := llm.NewOllama(baseURL, oopts...)
		backend = b
		opts = append(opts,
			brain.WithModel(b.Model()),
			brain.WithStrictModelCheck(true),
			privacy(brain.PrivacyLocal),
			brain.WithCapabilities(brain.CapChat, brain.CapJSONMode, brain.CapStreaming, brain.CapOffline),
		)
	case KindClaude:
		aopts := []anthropic.Option{
			anthropic.WithAPIKey(secrets.Resolve(cfg.ID, cfg.Setting("api_key", ""), "ANTHROPIC_API_KEY")),
			anthropic.WithModel(model),
		}
		if baseURL != "" {
			aopts = append(aopts, anthropic.WithBaseURL(baseURL))
		}
		b := anthropic.New(aopts...)
		backend = b
		opts = append(opts,
			brain.WithModel(b.Model()),
			brain.WithCost(anthropic.Cost),
			privacy(brain.PrivacyTrustedCloud),
			brain.WithCapabilities(brain.CapChat, brain.CapJSONMode, brain.CapStreaming, brain.CapToolCalling, brain.CapVision),
		)
	case KindOpenAI:
		oopts := []openai.Option{
			openai.WithAPIKey(secrets.Resolve(cfg.ID, cfg.Setting("api_key", ""), "OPENAI_API_KEY")),
			openai.WithModel(model),
		}
		if baseURL != "" {
			oopts = append(oopts, openai.WithBaseURL(baseURL))
		}
		b := openai.New(oopts...)
		backend = b
		opts = append(opts,
			brain.WithModel(b.Model()),
			privacy(brain.PrivacyExternalCloud),
			brain.WithCapabilities(brain.CapChat, brain.CapJSONMode, brain.CapStreaming, brain.CapToolCalling, brain.CapVision),
		)
	case KindGoogle:
		gopts := []gemini.Option{
			gemini.WithAPIKey(secrets.Resolve(cfg.ID, cfg.Setting("api_key", ""), "GOOGLE_API_KEY")),
			gemini.WithModel(model),
		}
		if baseURL != "" {
			gopts = append(gopts, gemini.WithBaseURL(baseURL))
		}
		b, err := gemini.New(ctx, gopts...)
		if err != nil {
			return nil, errors.New(errors.CodeProviderMisconfigured, "create gemini client", err).WithContext("provider", cfg.ID)
		}
		backend = b
		opts = append(opts,
			brain.WithModel(b.Model()),
			privacy(brain.PrivacyExternalCloud),
			brain.WithCapabilities(brain.CapChat, brain.CapJSONMode, brain.CapStreaming, brain.CapToolCalling, brain.CapVision),
		)
	case KindLMStudio:
		var lopts []lmstudio.Option
		if model != "" {
			lopts = append(lopts, lmstudio.WithModel(model))
		}
		b := lmstudio.New(baseURL, lopts...)
		backend = b
		opts = append(opts,
			brain.WithModel(b.Model()),
			privacy(brain.PrivacyLocal),
			brain.WithCapabilities(brain.CapChat, brain.CapJSONMode, brain.CapStreaming, brain.CapOffline),
		)
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown provider kind %q", cfg.Kind), nil).
			WithContext("provider", cfg.ID)
	}
	return brain.NewChatBrain(cfg.ID, kind, backend, opts...), nil
}
