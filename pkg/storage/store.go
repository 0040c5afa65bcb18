// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists permissions, provider configuration, settings,
// interaction history, usage and user memories.
package storage

import (
	"context"
	"time"

	"github.com/jllopis/avva/pkg/brain"
)

// Roles recorded in the interaction history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Interaction is one history line.
type Interaction struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	ToolCall  string    `json:"tool_call,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageTotals aggregates brain_usage rows for one provider.
type UsageTotals struct {
	Provider         string  `json:"provider"`
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Memory is a remembered fact.
type Memory struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable key/value and append-log service used by the
// assistant. Implementations are safe for concurrent use.
type Store interface {
	Permissions(ctx context.Context) ([]string, error)
	GrantPermission(ctx context.Context, name string) error
	RevokePermission(ctx context.Context, name string) error

	SaveBrain(ctx context.Context, cfg brain.Config) error
	DeleteBrain(ctx context.Context, id string) error
	Brains(ctx context.Context) ([]brain.Config, error)
	SaveCapabilities(ctx context.Context, id string, caps []string) error
	Capabilities(ctx context.Context, id string) ([]string, error)

	SetSetting(ctx context.Context, key, value string) error
	Setting(ctx context.Context, key string) (string, bool, error)

	LogUsage(ctx context.Context, provider string, usage brain.Usage) error
	Usage(ctx context.Context) ([]UsageTotals, error)

	LogInteraction(ctx context.Context, role, text, toolCall string) error
	History(ctx context.Context, limit int) ([]Interaction, error)

	Remember(ctx context.Context, key, value string) error
	Recall(ctx context.Context, key string) (Memory, bool, error)
	Memories(ctx context.Context) ([]Memory, error)
	ClearMemories(ctx context.Context) error

	Close() error
}
