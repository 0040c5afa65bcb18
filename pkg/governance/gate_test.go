package governance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type memStore struct {
	mu      sync.Mutex
	granted map[string]bool
	fail    bool
}

func newMemStore(names ...string) *memStore {
	s := &memStore{granted: map[string]bool{}}
	for _, n := range names {
		s.granted[n] = true
	}
	return s
}

func (s *memStore) Permissions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for n := range s.granted {
		out = append(out, n)
	}
	return out, nil
}

func (s *memStore) GrantPermission(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.granted[name] = true
	return nil
}

func (s *memStore) RevokePermission(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.granted, name)
	return nil
}

func TestGateDeniedPermissionLeavesSetUnchanged(t *testing.T) {
	store := newMemStore("audio.record")
	perms, err := LoadPermissions(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	before := strings.Join(perms.List(), ",")

	gate := NewGate(perms, WithApprovalHook(FuncApprovalHook(func(context.Context, Action) bool { return false })))
	d := gate.Authorize(context.Background(), "summarize", []string{"ai.generate"})
	if d.IsAllowed() {
		t.Fatal("expected denial")
	}
	if d.Permission != "ai.generate" {
		t.Errorf("expected denied permission to be reported, got %q", d.Permission)
	}
	if after := strings.Join(perms.List(), ","); after != before {
		t.Errorf("grant set changed: %s -> %s", before, after)
	}
	if store.granted["ai.generate"] {
		t.Errorf("denied permission must not be persisted")
	}
}

func TestGateGrantsOnApproval(t *testing.T) {
	store := newMemStore()
	perms := NewPermissions(nil, WithPermissionStore(store))
	var asked []string
	gate := NewGate(perms, WithApprovalHook(FuncApprovalHook(func(_ context.Context, a Action) bool {
		asked = append(asked, a.Name)
		if a.Metadata["tool"] != "launch_application" {
			t.Errorf("expected tool metadata, got %v", a.Metadata)
		}
		return true
	})))

	d := gate.Authorize(context.Background(), "launch_application", []string{"system.launch", "audio.record"})
	if !d.IsAllowed() {
		t.Fatalf("expected allow, got %+v", d)
	}
	if strings.Join(asked, ",") != "audio.record,system.launch" {
		t.Errorf("expected sorted prompts, got %v", asked)
	}
	if !perms.Has("system.launch") || !store.granted["system.launch"] {
		t.Errorf("grant should be durable")
	}

	asked = nil
	if d := gate.Authorize(context.Background(), "launch_application", []string{"system.launch"}); !d.IsAllowed() {
		t.Fatal("granted permission should not be asked again")
	}
	if len(asked) != 0 {
		t.Errorf("unexpected prompts %v", asked)
	}
}

func TestGateShortCircuitsOnFirstDenial(t *testing.T) {
	perms := NewPermissions(nil)
	calls := 0
	gate := NewGate(perms, WithApprovalHook(FuncApprovalHook(func(_ context.Context, a Action) bool {
		calls++
		return a.Name == "a.first"
	})))
	d := gate.Authorize(context.Background(), "tool", []string{"c.third", "b.second", "a.first"})
	if d.IsAllowed() || d.Permission != "b.second" {
		t.Fatalf("expected denial on b.second, got %+v", d)
	}
	if calls != 2 {
		t.Errorf("expected walk to stop after the denial, got %d prompts", calls)
	}
	if !perms.Has("a.first") || perms.Has("c.third") {
		t.Errorf("unexpected grant set %v", perms.List())
	}
}

func TestGatePolicyDenyIsFinal(t *testing.T) {
	perms := NewPermissions(nil)
	gate := NewGate(perms,
		WithPolicy(NewRuleSet([]Rule{{ID: "r1", Effect: "deny", Type: ActionTool, Name: "launch_*"}})),
		WithApprovalHook(AllowAll()),
	)
	d := gate.Authorize(context.Background(), "launch_application", []string{"system.launch"})
	if d.IsAllowed() || d.RuleID != "r1" {
		t.Fatalf("expected policy denial, got %+v", d)
	}
	if perms.Has("system.launch") {
		t.Errorf("policy denial must not grant anything")
	}
}

func TestGateWithoutHookRefuses(t *testing.T) {
	gate := NewGate(NewPermissions([]string{"ai.generate"}))
	if !gate.Require(context.Background(), "ai.generate") {
		t.Error("granted permission should pass without a hook")
	}
	if gate.Require(context.Background(), "audio.record") {
		t.Error("missing permission should be refused without a hook")
	}
}

func TestGateStoreFailureDenies(t *testing.T) {
	store := newMemStore()
	store.fail = true
	perms := NewPermissions(nil, WithPermissionStore(store))
	gate := NewGate(perms, WithApprovalHook(AllowAll()))
	if d := gate.Authorize(context.Background(), "remember", []string{"memory.write"}); d.IsAllowed() {
		t.Fatal("expected denial when the grant cannot be persisted")
	}
	if perms.Has("memory.write") {
		t.Error("failed grant must not change the set")
	}
}

func TestPermissionsRevoke(t *testing.T) {
	store := newMemStore("memory.write")
	perms, _ := LoadPermissions(context.Background(), store)
	if err := perms.Revoke(context.Background(), "memory.write"); err != nil {
		t.Fatal(err)
	}
	if perms.Has("memory.write") || store.granted["memory.write"] {
		t.Error("revoke should remove from set and store")
	}
	if err := perms.Grant(context.Background(), "  "); err == nil {
		t.Error("expected error for empty permission")
	}
}
