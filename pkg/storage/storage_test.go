package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/governance"
	"github.com/jllopis/avva/pkg/orchestrator"
)

var dbSeq atomic.Int64

func newSQLite(t *testing.T) Store {
	t.Helper()
	dsn := fmt.Sprintf("file:avva_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	s, err := OpenSQLite(context.Background(), dsn)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": newSQLite,
		"memory": func(*testing.T) Store { return NewMemoryStore() },
	}
}

// Compile-time checks that stores satisfy their consumers.
var (
	_ governance.PermissionStore = Store(nil)
	_ orchestrator.Store         = Store(nil)
)

func TestPermissions(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			for _, p := range []string{"system.launch", "ai.generate", "ai.generate"} {
				if err := s.GrantPermission(ctx, p); err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.Permissions(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, ",") != "ai.generate,system.launch" {
				t.Errorf("unexpected permissions %v", got)
			}
			if err := s.RevokePermission(ctx, "ai.generate"); err != nil {
				t.Fatal(err)
			}
			got, _ = s.Permissions(ctx)
			if strings.Join(got, ",") != "system.launch" {
				t.Errorf("unexpected permissions after revoke %v", got)
			}
		})
	}
}

func TestBrains(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			cfg := brain.Config{
				ID: "ollama", Name: "Ollama", Kind: "ollama", Active: true,
				FilterLevel: "minimal", Settings: map[string]any{"model": "llama3.2"},
			}
			if err := s.SaveBrain(ctx, cfg); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveBrain(ctx, brain.Config{ID: "claude", Name: "Claude", Kind: "claude", Fallback: true}); err != nil {
				t.Fatal(err)
			}
			cfg.Active = false
			if err := s.SaveBrain(ctx, cfg); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveCapabilities(ctx, "ollama", []string{"offline", "chat"}); err != nil {
				t.Fatal(err)
			}

			got, err := s.Brains(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != "claude" || !got[0].Fallback {
				t.Fatalf("unexpected brains %+v", got)
			}
			if got[1].Active || got[1].Setting("model", "") != "llama3.2" || got[1].FilterLevel != "minimal" {
				t.Errorf("unexpected ollama config %+v", got[1])
			}
			caps, _ := s.Capabilities(ctx, "ollama")
			if strings.Join(caps, ",") != "chat,offline" {
				t.Errorf("unexpected capabilities %v", caps)
			}

			if err := s.DeleteBrain(ctx, "ollama"); err != nil {
				t.Fatal(err)
			}
			got, _ = s.Brains(ctx)
			if len(got) != 1 {
				t.Errorf("expected one brain after delete, got %+v", got)
			}
			caps, _ = s.Capabilities(ctx, "ollama")
			if len(caps) != 0 {
				t.Errorf("capabilities should go with the provider, got %v", caps)
			}
		})
	}
}

func TestSettingsAndUsage(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			if _, ok, err := s.Setting(ctx, orchestrator.SettingRulesOnly); err != nil || ok {
				t.Fatalf("expected missing setting, got ok=%v err=%v", ok, err)
			}
			_ = s.SetSetting(ctx, orchestrator.SettingRulesOnly, "true")
			_ = s.SetSetting(ctx, orchestrator.SettingRulesOnly, "false")
			v, ok, _ := s.Setting(ctx, orchestrator.SettingRulesOnly)
			if !ok || v != "false" {
				t.Errorf("setting = %q/%v", v, ok)
			}

			_ = s.LogUsage(ctx, "claude", brain.Usage{PromptTokens: 100, CompletionTokens: 20, CostUSD: 0.5})
			_ = s.LogUsage(ctx, "claude", brain.Usage{PromptTokens: 50, CompletionTokens: 10, CostUSD: 0.25})
			_ = s.LogUsage(ctx, "ollama", brain.Usage{PromptTokens: 7})
			usage, err := s.Usage(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(usage) != 2 {
				t.Fatalf("unexpected usage %+v", usage)
			}
			c := usage[0]
			if c.Provider != "claude" || c.Calls != 2 || c.PromptTokens != 150 || c.CompletionTokens != 30 || c.CostUSD != 0.75 {
				t.Errorf("unexpected claude totals %+v", c)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			_ = s.LogInteraction(ctx, RoleUser, "what time is it", "")
			_ = s.LogInteraction(ctx, RoleAssistant, "It is 12:00", "get_time()")
			_ = s.LogInteraction(ctx, RoleUser, "thanks", "")

			all, err := s.History(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 || all[0].Text != "what time is it" || all[1].ToolCall != "get_time()" {
				t.Errorf("unexpected history %+v", all)
			}
			last, _ := s.History(ctx, 2)
			if len(last) != 2 || last[0].Role != RoleAssistant || last[1].Text != "thanks" {
				t.Errorf("unexpected limited history %+v", last)
			}
			if all[0].CreatedAt.IsZero() {
				t.Error("expected a timestamp")
			}
		})
	}
}

func TestMemories(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			if err := s.Remember(ctx, " Wifi Password ", "hunter2"); err != nil {
				t.Fatal(err)
			}
			_ = s.Remember(ctx, "car", "level 2")
			m, ok, err := s.Recall(ctx, "wifi password")
			if err != nil || !ok || m.Value != "hunter2" {
				t.Fatalf("recall = %+v %v %v", m, ok, err)
			}
			all, _ := s.Memories(ctx)
			if len(all) != 2 || all[0].Key != "car" {
				t.Errorf("unexpected memories %+v", all)
			}
			if err := s.Remember(ctx, "  ", "x"); !errors.IsCode(err, errors.CodeInvalidInput) {
				t.Errorf("expected invalid input, got %v", err)
			}
			_ = s.ClearMemories(ctx)
			if _, ok, _ := s.Recall(ctx, "car"); ok {
				t.Error("memories not cleared")
			}
		})
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "avva.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.GrantPermission(ctx, "audio.record")
	_ = s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	perms, _ := s.Permissions(ctx)
	if len(perms) != 1 || perms[0] != "audio.record" {
		t.Errorf("permissions lost across reopen: %v", perms)
	}
}

func TestGovernanceWritesThrough(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	perms, err := governance.LoadPermissions(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if err := perms.Grant(ctx, "memory.write"); err != nil {
		t.Fatal(err)
	}
	stored, _ := s.Permissions(ctx)
	if len(stored) != 1 || stored[0] != "memory.write" {
		t.Errorf("grant not persisted: %v", stored)
	}
}

func TestIsBusy(t *testing.T) {
	if !isBusy(fmt.Errorf("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("expected busy")
	}
	if isBusy(fmt.Errorf("no such table")) || isBusy(nil) {
		t.Error("unexpected busy")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "postgres", "", nil); err == nil {
		t.Fatal("expected error")
	}
	s, err := Open(context.Background(), "memory", "", nil)
	if err != nil || s == nil {
		t.Fatalf("memory driver: %v", err)
	}
}
