package governance

import (
	"context"
	"testing"

	"github.com/jllopis/avva/pkg/config"
)

func TestRuleSetEvaluate(t *testing.T) {
	rules := []Rule{
		{ID: "deny-launch", Effect: "deny", Type: ActionTool, Name: "launch_*", Reason: "blocked"},
		{ID: "allow-clock", Effect: "allow", Type: ActionTool, Name: "get_*"},
	}
	engine := NewRuleSet(rules)

	decision := engine.Evaluate(context.Background(), Action{Type: ActionTool, Name: "get_time"})
	if !decision.Allowed {
		t.Fatalf("expected allowed")
	}
	decision = engine.Evaluate(context.Background(), Action{Type: ActionTool, Name: "launch_application"})
	if decision.Allowed {
		t.Fatalf("expected denied")
	}
	if decision.Reason != "blocked" {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
	decision = engine.Evaluate(context.Background(), Action{Type: ActionPermission, Name: "launch_x"})
	if !decision.Allowed {
		t.Fatalf("tool rules must not apply to permission actions")
	}
}

func TestRuleSetFromConfig(t *testing.T) {
	cfg := config.GovernanceConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "deny-memory", Effect: "deny", Tool: "clear_*", Reason: "no wiping"},
			{Effect: "allow", Tool: "*"},
		},
	}
	engine := RuleSetFromConfig(cfg)
	decision := engine.Evaluate(context.Background(), Action{Type: ActionTool, Name: "clear_memory"})
	if decision.Allowed {
		t.Fatalf("expected denied decision")
	}
	if decision.RuleID != "deny-memory" {
		t.Fatalf("unexpected rule id: %s", decision.RuleID)
	}
	decision = engine.Evaluate(context.Background(), Action{Type: ActionTool, Name: "recall"})
	if !decision.Allowed || decision.RuleID != "rule" {
		t.Fatalf("expected default rule id on allow, got %+v", decision)
	}
}
