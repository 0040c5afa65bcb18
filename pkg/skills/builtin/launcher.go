// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/sahilm/fuzzy"

	"github.com/jllopis/avva/pkg/skills"
)

// LaunchPermission guards starting programs.
const LaunchPermission = "system.launch"

// Freedesktop Exec field codes stripped before running a command.
var fieldCodes = []string{"%U", "%u", "%F", "%f", "%i", "%c", "%k", "%n", "%m", "%v"}

// Generic requests mapped to the words apps use to describe themselves.
var categoryAliases = map[string][]string{
	"browser":    {"internet", "web", "browser", "navigator"},
	"terminal":   {"terminal", "console", "shell", "command prompt"},
	"calculator": {"calc", "calculator", "math"},
	"editor":     {"text editor", "code", "editor", "ide"},
	"files":      {"file manager", "explorer", "files"},
	"settings":   {"preferences", "settings", "configuration"},
	"music":      {"music", "audio", "player"},
	"video":      {"video", "movie", "media"},
}

var terminalCandidates = []string{"gnome-terminal", "kgx", "konsole", "alacritty", "kitty", "xterm"}

// ambiguityMargin is the score gap under which the two best matches are
// reported instead of launched.
const ambiguityMargin = 5

// DesktopEntry is a launchable application parsed from a .desktop file.
type DesktopEntry struct {
	Name     string
	Exec     string
	Terminal bool
	Keywords []string
	Path     string
}

// StartFunc starts argv without waiting for it.
type StartFunc func(argv []string) error

// Launcher starts desktop applications, or executables found on PATH.
type Launcher struct {
	dirs     []string
	lookPath func(string) (string, error)
	start    StartFunc
	logger   *slog.Logger

	once    sync.Once
	entries []DesktopEntry
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithSearchDirs replaces the application directories.
func WithSearchDirs(dirs ...string) LauncherOption {
	return func(l *Launcher) { l.dirs = dirs }
}

// WithStarter replaces process creation.
func WithStarter(fn StartFunc) LauncherOption {
	return func(l *Launcher) {
		if fn != nil {
			l.start = fn
		}
	}
}

// WithLookPath replaces PATH lookup.
func WithLookPath(fn func(string) (string, error)) LauncherOption {
	return func(l *Launcher) {
		if fn != nil {
			l.lookPath = fn
		}
	}
}

// WithLauncherLogger sets the logger.
func WithLauncherLogger(logger *slog.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLauncher creates a launcher over the XDG application directories.
func NewLauncher(opts ...LauncherOption) *Launcher {
	dirs := []string{filepath.Join(xdg.DataHome, "applications")}
	for _, d := range xdg.DataDirs {
		dirs = append(dirs, filepath.Join(d, "applications"))
	}
	dirs = append(dirs, "/var/lib/flatpak/exports/share/applications")
	l := &Launcher{
		dirs:     dirs,
		lookPath: exec.LookPath,
		start:    startDetached,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func startDetached(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func (*Launcher) Describe() skills.Manifest {
	return skills.Manifest{
		Name:        "launcher",
		EntryPoint:  "launcher",
		Permissions: []string{LaunchPermission},
		Intents: skills.Intents{
			Regex: skills.Templates{
				{Key: "regex:(?:open|launch|start) (?:the )?(.+?)(?: app| application)?$", Call: `launch_application("$1")`},
			},
		},
		Tools: map[string]skills.ToolSpec{
			"launch_application": {Description: "Launch a desktop application by name or generic intent (e.g. 'browser', 'terminal')."},
		},
	}
}

func (l *Launcher) Bind() map[string]skills.ToolFunc {
	return map[string]skills.ToolFunc{
		"launch_application": func(_ context.Context, in skills.Input) (any, error) {
			return l.Launch(in.Arg(0, "app"))
		},
	}
}

// Launch resolves query and starts it. Ambiguous and unknown queries are
// reported as structured results, not errors.
func (l *Launcher) Launch(query string) (map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return map[string]any{"status": "error", "text": "No application specified."}, nil
	}
	matches := l.Resolve(query)
	var entry DesktopEntry
	switch {
	case len(matches) > 1 && matches[0].Score-matches[1].Score < ambiguityMargin:
		options := make([]string, 0, 5)
		for i := 0; i < len(matches) && i < 5; i++ {
			options = append(options, matches[i].Entry.Name)
		}
		return map[string]any{
			"status":  "ambiguous",
			"text":    fmt.Sprintf("Which one did you mean: %s?", strings.Join(options, ", ")),
			"options": options,
		}, nil
	case len(matches) > 0:
		entry = matches[0].Entry
	default:
		// Only bare names found on PATH are allowed; never paths.
		if strings.ContainsAny(query, `/\`) {
			return notFound(query), nil
		}
		exe, err := l.lookPath(query)
		if err != nil {
			return notFound(query), nil
		}
		entry = DesktopEntry{Name: query, Exec: exe, Terminal: true}
	}

	argv := strings.Fields(cleanExec(entry.Exec))
	if len(argv) == 0 {
		return notFound(query), nil
	}
	if entry.Terminal {
		argv = append([]string{l.terminal(), "-e"}, argv...)
	}
	if err := l.start(argv); err != nil {
		return nil, fmt.Errorf("launch %s: %w", entry.Name, err)
	}
	l.logger.Info("application launched", "component", "launcher", "app", entry.Name, "argv", argv)
	return map[string]any{
		"status": "launched",
		"app":    entry.Name,
		"text":   fmt.Sprintf("Opening %s.", entry.Name),
	}, nil
}

func notFound(query string) map[string]any {
	return map[string]any{
		"status": "not_found",
		"query":  query,
		"text":   fmt.Sprintf("I couldn't find an application called %s.", query),
	}
}

func (l *Launcher) terminal() string {
	for _, t := range terminalCandidates {
		if _, err := l.lookPath(t); err == nil {
			return t
		}
	}
	return "xterm"
}

// Candidate is a ranked application.
type Candidate struct {
	Entry DesktopEntry
	Score int
}

// Resolve ranks the indexed applications against query, best first.
func (l *Launcher) Resolve(query string) []Candidate {
	entries := l.Entries()
	if len(entries) == 0 {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(query))
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = strings.ToLower(e.Name)
	}

	best := make(map[int]int)
	for _, m := range fuzzy.Find(q, names) {
		best[m.Index] = m.Score
	}
	// Exact names always win.
	for i, n := range names {
		if n == q {
			best[i] = 1 << 20
		}
	}
	if category := categoryOf(q); category != "" {
		for i, e := range entries {
			if describes(e, category) {
				best[i] += 20
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for i, s := range best {
		out = append(out, Candidate{Entry: entries[i], Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.Name < out[j].Entry.Name
	})
	return out
}

func categoryOf(q string) string {
	for canonical, aliases := range categoryAliases {
		if q == canonical {
			return canonical
		}
		for _, a := range aliases {
			if q == a {
				return canonical
			}
		}
	}
	return ""
}

func describes(e DesktopEntry, category string) bool {
	if strings.Contains(strings.ToLower(e.Name), category) {
		return true
	}
	for _, kw := range e.Keywords {
		if strings.Contains(kw, category) {
			return true
		}
	}
	return false
}

// Entries returns the application index, built on first use.
func (l *Launcher) Entries() []DesktopEntry {
	l.once.Do(func() {
		seen := make(map[string]bool)
		for _, dir := range l.dirs {
			paths, _ := filepath.Glob(filepath.Join(dir, "*.desktop"))
			for _, p := range paths {
				base := filepath.Base(p)
				if seen[base] {
					continue
				}
				e, ok := parseDesktopFile(p)
				if !ok {
					continue
				}
				seen[base] = true
				l.entries = append(l.entries, e)
			}
		}
		l.logger.Debug("application index built", "component", "launcher", "entries", len(l.entries))
	})
	return l.entries
}

func parseDesktopFile(path string) (DesktopEntry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return DesktopEntry{}, false
	}
	defer f.Close()

	e := DesktopEntry{Path: path}
	hidden := false
	section := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line
			continue
		}
		if section != "[Desktop Entry]" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			e.Name = value
		case "Exec":
			e.Exec = value
		case "Terminal":
			e.Terminal = strings.EqualFold(value, "true")
		case "Keywords":
			for _, kw := range strings.Split(value, ";") {
				if kw = strings.TrimSpace(kw); kw != "" {
					e.Keywords = append(e.Keywords, strings.ToLower(kw))
				}
			}
		case "NoDisplay", "Hidden":
			hidden = hidden || strings.EqualFold(value, "true")
		}
	}
	if e.Name == "" || e.Exec == "" || hidden {
		return DesktopEntry{}, false
	}
	return e, true
}

func cleanExec(cmd string) string {
	for _, code := range fieldCodes {
		cmd = strings.ReplaceAll(cmd, code, "")
	}
	return strings.TrimSpace(cmd)
}
