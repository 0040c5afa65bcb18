// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package intent

import (
	"reflect"
	"testing"
)

func TestStaticSubstringMatch(t *testing.T) {
	r := New()
	if err := r.AddStatic("turn off wifi", "wifi_off()", "network"); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}

	m, ok := r.Match("please turn off wifi now")
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Call.String() != "wifi_off()" {
		t.Errorf("expected wifi_off(), got %s", m.Call.String())
	}
	if m.Tier != TierStatic {
		t.Errorf("expected static tier, got %s", m.Tier)
	}
}

func TestRegexSubstitution(t *testing.T) {
	r := New()
	if err := r.Add("regex:open (.+)", `launch_application("$1")`, "launcher"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m, ok := r.Match("open firefox")
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Call.Name != "launch_application" || !reflect.DeepEqual(m.Call.Values(), []string{"firefox"}) {
		t.Errorf("unexpected call %+v", m.Call)
	}
	if m.Call.String() != `launch_application("firefox")` {
		t.Errorf("expected launch_application(\"firefox\"), got %s", m.Call.String())
	}
	if m.Tier != TierRegex {
		t.Errorf("expected regex tier")
	}
}

func TestRegexIsCaseInsensitive(t *testing.T) {
	r := New()
	_ = r.AddRegex("open (.+)", `launch_application("$1")`, "launcher")
	m, ok := r.Match("OPEN Terminal")
	if !ok {
		t.Fatal("expected a match")
	}
	if got := m.Call.Values()[0]; got != "Terminal" {
		t.Errorf("capture should keep original case, got %q", got)
	}
}

func TestLongestPhraseWins(t *testing.T) {
	r := New()
	_ = r.AddStatic("time", "get_time()", "clock")
	_ = r.AddStatic("what time zone", "get_timezone()", "clock")
	_ = r.AddStatic("zone", "get_zone()", "clock")

	m, ok := r.Match("tell me what time zone I am in")
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Call.Name != "get_timezone" {
		t.Errorf("expected the longest phrase to win, got %s", m.Call.Name)
	}
}

func TestEqualLengthTieBreakIsLexical(t *testing.T) {
	for i := 0; i < 10; i++ {
		r := New()
		_ = r.AddStatic("beta", "b()", "x")
		_ = r.AddStatic("alfa", "a()", "x")
		m, ok := r.Match("alfa beta")
		if !ok || m.Call.Name != "a" {
			t.Fatalf("expected lexical tie-break to pick alfa, got %+v", m)
		}
	}
}

func TestStaticBeforeRegex(t *testing.T) {
	r := New()
	_ = r.AddRegex("open (.+)", `launch_application("$1")`, "launcher")
	_ = r.AddStatic("open the pod bay doors", "refuse()", "hal")

	m, ok := r.Match("open the pod bay doors")
	if !ok || m.Call.Name != "refuse" {
		t.Fatalf("expected static tier first, got %+v", m)
	}
}

func TestRegexFirstRegisteredWins(t *testing.T) {
	r := New()
	_ = r.AddRegex("play (.+)", `play_music("$1")`, "music")
	_ = r.AddRegex("play (.+) on (.+)", `play_on("$1", "$2")`, "music")

	m, _ := r.Match("play jazz on kitchen")
	if m.Call.Name != "play_music" {
		t.Errorf("expected first registered pattern, got %s", m.Call.Name)
	}
}

func TestBrokenTemplateIsNoMatch(t *testing.T) {
	r := New()
	_ = r.AddStatic("broken", "foo(", "bad")
	if _, ok := r.Match("this is broken"); ok {
		t.Fatal("malformed template must not produce a match")
	}
}

func TestInvalidRegexRejected(t *testing.T) {
	r := New()
	if err := r.AddRegex("open ((", "x()", "bad"); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSubstituteHighIndexFirst(t *testing.T) {
	groups := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	got := Substitute(`f("$10", "$1")`, groups)
	if got != `f("j", "a")` {
		t.Errorf("unexpected substitution %s", got)
	}
}

func TestRemoveSource(t *testing.T) {
	r := New()
	_ = r.AddStatic("what time", "get_time()", "clock")
	_ = r.AddRegex("open (.+)", `launch_application("$1")`, "launcher")
	r.RemoveSource("clock")

	if s, re := r.Len(); s != 0 || re != 1 {
		t.Errorf("expected 0 static and 1 regex, got %d/%d", s, re)
	}
}

func TestRegexCapturesKeptVerbatim(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		template string
		command  string
		want     []string
	}{
		{"backslashes", "open (.+)", `launch_application("$1")`, `open C:\Tools\app`, []string{`C:\Tools\app`}},
		{"trailing backslash", "open (.+)", `launch_application("$1")`, `open foo\`, []string{`foo\`}},
		{"apostrophe in single quotes", "say (.+)", `speak('$1')`, "say it's fine", []string{"it's fine"}},
		{"double quotes", "say (.+)", `speak("$1")`, `say "hi" twice`, []string{`"hi" twice`}},
		{"comma in bare argument", "note (.+)", `note($1)`, "note eggs, milk", []string{"eggs, milk"}},
		{"placeholder text in capture", "price (.+) for (.+)", `discount("$1", "$2")`, "price $2 off for shoes", []string{"$2 off", "shoes"}},
		{"two groups", "play (.+) on (.+)", `play_on("$1", '$2')`, `play rock 'n' roll on kitchen\1`, []string{"rock 'n' roll", `kitchen\1`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			if err := r.AddRegex(tt.pattern, tt.template, "test"); err != nil {
				t.Fatal(err)
			}
			m, ok := r.Match(tt.command)
			if !ok {
				t.Fatalf("expected %q to match", tt.command)
			}
			if got := m.Call.Values(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBrokenRegexTemplateIsNoMatch(t *testing.T) {
	r := New()
	if err := r.AddRegex("open (.+)", `launch_application("$1"`, "bad"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Match("open firefox"); ok {
		t.Fatal("malformed template must not produce a match")
	}
}

func TestSharedPhraseKeepsEarlierOwner(t *testing.T) {
	r := New()
	_ = r.AddStatic("what time", "get_time()", "clock")
	_ = r.AddStatic("what time", "world_time()", "worldclock")

	m, ok := r.Match("what time is it")
	if !ok || m.Source != "clock" || m.Call.Name != "get_time" {
		t.Fatalf("expected the first registration to match, got %+v", m)
	}

	r.RemoveSource("worldclock")
	m, ok = r.Match("what time is it")
	if !ok || m.Source != "clock" {
		t.Fatalf("removing another source must keep clock's phrase, got %+v %v", m, ok)
	}

	_ = r.AddStatic("what time", "get_clock()", "clock")
	if s, _ := r.Len(); s != 1 {
		t.Errorf("re-registering from the same source should replace, got %d entries", s)
	}
	if m, _ := r.Match("what time"); m.Call.Name != "get_clock" {
		t.Errorf("expected replaced template, got %s", m.Call.Name)
	}
}
