// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, "orchestrator:\n  rules_only: false\n")

	w, err := NewWatcher(LoadOptions{Path: path}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	changes := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { changes <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	if w.Config().Orchestrator.RulesOnly {
		t.Fatal("unexpected initial value")
	}
	writeFile(t, path, "orchestrator:\n  rules_only: true\n")

	select {
	case cfg := <-changes:
		if !cfg.Orchestrator.RulesOnly {
			t.Errorf("expected rules_only after reload")
		}
		if !w.Config().Orchestrator.RulesOnly {
			t.Errorf("Config() not updated")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for config change notification")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(LoadOptions{Path: path}, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	changes := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) { changes <- cfg })
	w.Start(context.Background())
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	select {
	case <-changes:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, "assistant:\n  name: Avva\n")

	w, err := NewWatcher(LoadOptions{Path: path}, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	w.Start(context.Background())
	defer w.Stop()

	writeFile(t, path, "assistant:\n  confidence_threshold: 7\n")
	time.Sleep(200 * time.Millisecond)
	if w.Config().Assistant.Name != "Avva" {
		t.Errorf("invalid reload replaced the config: %+v", w.Config().Assistant)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, "")
	w, err := NewWatcher(LoadOptions{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	w.Start(context.Background())
	w.Stop()
	w.Stop()

	noFile, err := NewWatcher(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	noFile.Start(context.Background())
	noFile.Stop()
}

func TestReloadableConfig(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	r := NewReloadableConfig(cfg)
	if r.Assistant().Name != "Avva" {
		t.Errorf("unexpected assistant %+v", r.Assistant())
	}
	next := *cfg
	next.Orchestrator.RulesOnly = true
	r.Update(&next)
	if !r.Orchestrator().RulesOnly || r.Get() != &next {
		t.Error("update not visible")
	}
	if r.Log().Level != "info" {
		t.Errorf("unexpected log config %+v", r.Log())
	}
}
