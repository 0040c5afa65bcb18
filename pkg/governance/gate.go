// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"fmt"
	"log/slog"
)

// Gate authorizes tool invocations against policy rules and the grant set.
type Gate struct {
	policy PolicyEngine
	perms  *Permissions
	hook   ApprovalHook
	logger *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPolicy sets the policy engine evaluated before permissions.
func WithPolicy(policy PolicyEngine) GateOption {
	return func(g *Gate) {
		g.policy = policy
	}
}

// WithApprovalHook sets the confirmation step for missing permissions.
func WithApprovalHook(hook ApprovalHook) GateOption {
	return func(g *Gate) {
		g.hook = hook
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate creates a gate over perms. Without an approval hook every missing
// permission is refused.
func NewGate(perms *Permissions, opts ...GateOption) *Gate {
	if perms == nil {
		perms = NewPermissions(nil)
	}
	g := &Gate{perms: perms, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Permissions returns the grant set the gate writes to.
func (g *Gate) Permissions() *Permissions {
	return g.perms
}

// Authorize decides whether tool may run given its required permissions.
// Missing permissions are confirmed one at a time in sorted order and the
// walk stops at the first refusal.
func (g *Gate) Authorize(ctx context.Context, tool string, required []string) Decision {
	if g.policy != nil {
		d := g.policy.Evaluate(ctx, Action{Type: ActionTool, Name: tool})
		if !d.IsAllowed() {
			g.logger.Info("tool denied by policy", "tool", tool, "rule", d.RuleID)
			if d.Reason == "" {
				d.Reason = fmt.Sprintf("tool %q is blocked by policy", tool)
			}
			return d
		}
	}

	for _, name := range g.perms.Missing(required) {
		if err := ctx.Err(); err != nil {
			return Decision{Status: DecisionStatusDeny, Permission: name, Reason: "authorization cancelled"}
		}
		if !g.confirm(ctx, tool, name) {
			g.logger.Info("permission denied", "tool", tool, "permission", name)
			return Decision{
				Status:     DecisionStatusDeny,
				Permission: name,
				Reason:     fmt.Sprintf("permission %q was not granted", name),
			}
		}
		if err := g.perms.Grant(ctx, name); err != nil {
			g.logger.Error("permission grant failed", "tool", tool, "permission", name, "error", err)
			return Decision{Status: DecisionStatusDeny, Permission: name, Reason: err.Error()}
		}
	}
	return Decision{Allowed: true, Status: DecisionStatusAllow}
}

// Require asks for a single permission outside of a tool call, used for
// startup checks.
func (g *Gate) Require(ctx context.Context, permission string) bool {
	return g.Authorize(ctx, "", []string{permission}).IsAllowed()
}

func (g *Gate) confirm(ctx context.Context, tool, permission string) bool {
	if g.hook == nil {
		return false
	}
	action := Action{Type: ActionPermission, Name: permission}
	if tool != "" {
		action.Metadata = map[string]string{"tool": tool}
	}
	if g.policy != nil {
		if d := g.policy.Evaluate(ctx, action); d.Status == DecisionStatusDeny {
			return false
		}
	}
	return g.hook.Request(ctx, action).IsAllowed()
}
