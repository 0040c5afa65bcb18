package builtin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/avva/pkg/intent"
	"github.com/jllopis/avva/pkg/skills"
	"github.com/jllopis/avva/pkg/storage"
)

type staticPerms []string

func (p staticPerms) List() []string { return p }

type fakeSampler struct {
	cpu, ram, disk float64
	err            error
}

func (f fakeSampler) CPU(context.Context) (float64, error) { return f.cpu, f.err }
func (f fakeSampler) RAM() (float64, error)                { return f.ram, f.err }
func (f fakeSampler) Disk() (float64, error)               { return f.disk, f.err }

func fixedNow() time.Time {
	return time.Date(2026, time.March, 5, 14, 7, 0, 0, time.UTC)
}

func newRegistry(t *testing.T, d Deps) (*skills.Registry, *intent.Resolver) {
	t.Helper()
	res := intent.New()
	reg := skills.NewRegistry(skills.WithResolver(res))
	plugins, missing := Plugins(Catalog(d), nil)
	if len(missing) != 0 {
		t.Fatalf("unexpected missing plugins %v", missing)
	}
	report := reg.LoadAll(plugins...)
	if len(report.Failed) != 0 {
		t.Fatalf("built-in plugins failed to load: %v", report.Failed)
	}
	return reg, res
}

func call(t *testing.T, reg *skills.Registry, tool string, args ...string) any {
	t.Helper()
	b, err := reg.ResolveTool(tool)
	if err != nil {
		t.Fatalf("ResolveTool(%s): %v", tool, err)
	}
	out, err := b.Func(context.Background(), skills.Input{Args: args})
	if err != nil {
		t.Fatalf("%s: %v", tool, err)
	}
	return out
}

func TestCatalogLoadsEverything(t *testing.T) {
	reg, _ := newRegistry(t, Deps{
		Permissions: staticPerms{"ai.generate"},
		Memory:      storage.NewMemoryStore(),
		Now:         fixedNow,
		Stats:       fakeSampler{},
		Launcher:    NewLauncher(WithSearchDirs()),
	})
	var ids []string
	for _, b := range reg.Tools() {
		ids = append(ids, b.ID)
	}
	want := []string{
		"clear_memory", "get_active_permissions", "get_cpu_info", "get_date", "get_disk_info",
		"get_ram_info", "get_system_stats", "get_time", "launch_application", "recall", "remember",
	}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("tools = %v\nwant %v", ids, want)
	}
	if got := reg.Permissions(); !reflect.DeepEqual(got, []string{"memory.write", "system.launch"}) {
		t.Errorf("permissions = %v", got)
	}
}

func TestCatalogSkipsPluginsWithoutCollaborators(t *testing.T) {
	c := Catalog(Deps{Stats: fakeSampler{}})
	if _, ok := c["security"]; ok {
		t.Error("security needs a permission lister")
	}
	if _, ok := c["memory"]; ok {
		t.Error("memory needs a store")
	}
	_, missing := Plugins(c, []string{"clock", "memory"})
	if !reflect.DeepEqual(missing, []string{"memory"}) {
		t.Errorf("missing = %v", missing)
	}
}

func TestClockIntents(t *testing.T) {
	reg, res := newRegistry(t, Deps{Permissions: staticPerms{}, Memory: storage.NewMemoryStore(), Now: fixedNow, Stats: fakeSampler{}})
	tests := []struct {
		command string
		tool    string
		want    string
	}{
		{"Hey, what time is it?", "get_time", "The current time is 02:07 PM."},
		{"what day is it today", "get_date", "Today is Thursday, March 05, 2026."},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			m, ok := res.Match(tt.command)
			if !ok || m.Call.Name != tt.tool {
				t.Fatalf("expected %s, got %+v", tt.tool, m)
			}
			if got := call(t, reg, tt.tool); got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestSecurityIsStructured(t *testing.T) {
	reg, _ := newRegistry(t, Deps{Permissions: staticPerms{"system.launch", "ai.generate"}, Memory: storage.NewMemoryStore(), Stats: fakeSampler{}})
	out, ok := call(t, reg, "get_active_permissions").(map[string]any)
	if !ok {
		t.Fatal("expected structured output")
	}
	if out["count"] != 2 || !reflect.DeepEqual(out["permissions"], []string{"ai.generate", "system.launch"}) {
		t.Errorf("unexpected output %v", out)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	reg, res := newRegistry(t, Deps{Permissions: staticPerms{}, Memory: store, Stats: fakeSampler{}})

	m, ok := res.Match("remember that my car is blue")
	if !ok || m.Call.Name != "remember" || !reflect.DeepEqual(m.Call.Values(), []string{"my car", "blue"}) {
		t.Fatalf("unexpected match %+v", m)
	}
	if got := call(t, reg, "remember", "car", "blue"); got != "Got it. Your car is blue." {
		t.Errorf("remember: %v", got)
	}
	if got := call(t, reg, "recall", "Car"); got != "Your car is blue." {
		t.Errorf("recall: %v", got)
	}
	if got := call(t, reg, "recall", "boat"); !strings.Contains(got.(string), "don't have anything") {
		t.Errorf("recall missing: %v", got)
	}
	all := call(t, reg, "recall").(map[string]any)
	if all["count"] != 1 {
		t.Errorf("recall all: %v", all)
	}
	if got := call(t, reg, "clear_memory"); got != "Cleared 1 memories." {
		t.Errorf("clear: %v", got)
	}
	if got := call(t, reg, "recall"); got != "I don't remember anything yet." {
		t.Errorf("after clear: %v", got)
	}

	b, _ := reg.ResolveTool("remember")
	if !reflect.DeepEqual(b.Permissions, []string{MemoryPermission}) {
		t.Errorf("remember must require %s, got %v", MemoryPermission, b.Permissions)
	}
	if b, _ := reg.ResolveTool("recall"); len(b.Permissions) != 0 {
		t.Errorf("recall should be unguarded, got %v", b.Permissions)
	}
}

func TestSystemStats(t *testing.T) {
	reg, res := newRegistry(t, Deps{Permissions: staticPerms{}, Memory: storage.NewMemoryStore(), Stats: fakeSampler{cpu: 12.5, ram: 40, disk: 71.2}})
	out := call(t, reg, "get_system_stats").(map[string]any)
	if out["text"] != "CPU: 12.5%, RAM: 40.0%, Disk: 71.2%" {
		t.Errorf("unexpected stats %v", out)
	}
	if got := call(t, reg, "get_ram_info"); got != "You are using 40.0% of your memory." {
		t.Errorf("ram: %v", got)
	}
	if m, ok := res.Match("how is the cpu usage"); !ok || m.Call.Name != "get_cpu_info" {
		t.Errorf("cpu intent: %+v", m)
	}

	failing, _ := newRegistry(t, Deps{Permissions: staticPerms{}, Memory: storage.NewMemoryStore(), Stats: fakeSampler{err: errors.New("no proc")}})
	b, _ := failing.ResolveTool("get_cpu_info")
	if _, err := b.Func(context.Background(), skills.Input{}); err == nil {
		t.Error("sampler errors must surface")
	}
}

func TestProcSampler(t *testing.T) {
	root := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("meminfo", "MemTotal:       16000000 kB\nMemFree:         1000000 kB\nMemAvailable:    4000000 kB\n")
	write("stat", "cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 50 0 50 400 0 0 0 0 0 0\n")

	s := NewProcSampler(WithProcRoot(root), WithSampleInterval(0), WithDiskPath(root))
	ram, err := s.RAM()
	if err != nil || ram != 75 {
		t.Errorf("RAM = %v, %v", ram, err)
	}
	cpu, err := s.CPU(context.Background())
	if err != nil || cpu != 0 {
		t.Errorf("identical samples should give 0, got %v %v", cpu, err)
	}
	if _, err := s.Disk(); err != nil {
		t.Errorf("Disk: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProcSampler(WithProcRoot(root), WithSampleInterval(time.Hour)).CPU(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if _, err := NewProcSampler(WithProcRoot(t.TempDir())).RAM(); err == nil {
		t.Error("missing meminfo should fail")
	}
}

func writeDesktop(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLauncher(t *testing.T) {
	dir := t.TempDir()
	writeDesktop(t, dir, "firefox.desktop", "[Desktop Entry]\nName=Firefox\nExec=firefox %u\nKeywords=Internet;WWW;Browser;\n")
	writeDesktop(t, dir, "htop.desktop", "[Desktop Entry]\nName=Htop\nExec=htop\nTerminal=true\n")
	writeDesktop(t, dir, "hidden.desktop", "[Desktop Entry]\nName=Secret\nExec=secret\nNoDisplay=true\n")
	writeDesktop(t, dir, "gedit.desktop", "[Desktop Entry]\nName=Text Editor\nExec=gedit %F\n[Desktop Action new]\nName=New Window\nExec=gedit --new-window\n")

	paths := map[string]string{"xterm": "/usr/bin/xterm", "kitty": "/usr/bin/kitty", "htop": "/usr/bin/htop"}
	var started [][]string
	l := NewLauncher(
		WithSearchDirs(dir),
		WithStarter(func(argv []string) error { started = append(started, argv); return nil }),
		WithLookPath(func(name string) (string, error) {
			if p, ok := paths[name]; ok {
				return p, nil
			}
			return "", errors.New("not found")
		}),
	)

	if n := len(l.Entries()); n != 3 {
		t.Fatalf("expected 3 visible entries, got %d", n)
	}

	tests := []struct {
		query  string
		status string
		argv   []string
	}{
		{"firefox", "launched", []string{"firefox"}},
		{"browser", "launched", []string{"firefox"}},
		{"htop", "launched", []string{"kitty", "-e", "htop"}},
		{"kitty", "launched", []string{"kitty", "-e", "/usr/bin/kitty"}},
		{"/bin/sh", "not_found", nil},
		{"nonexistent", "not_found", nil},
		{"", "error", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			started = nil
			out, err := l.Launch(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if out["status"] != tt.status {
				t.Fatalf("status = %v (%v)", out["status"], out)
			}
			if tt.argv == nil {
				if len(started) != 0 {
					t.Errorf("nothing should start, got %v", started)
				}
				return
			}
			if len(started) != 1 || !reflect.DeepEqual(started[0], tt.argv) {
				t.Errorf("started %v want %v", started, tt.argv)
			}
		})
	}
}

func TestLauncherAmbiguous(t *testing.T) {
	dir := t.TempDir()
	writeDesktop(t, dir, "a.desktop", "[Desktop Entry]\nName=Web Browser One\nExec=one\nKeywords=browser;\n")
	writeDesktop(t, dir, "b.desktop", "[Desktop Entry]\nName=Web Browser Two\nExec=two\nKeywords=browser;\n")
	l := NewLauncher(WithSearchDirs(dir), WithStarter(func([]string) error {
		t.Fatal("ambiguous queries must not launch")
		return nil
	}))
	out, err := l.Launch("web")
	if err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ambiguous" || len(out["options"].([]string)) != 2 {
		t.Errorf("unexpected result %v", out)
	}
}

func TestLauncherIntent(t *testing.T) {
	res := intent.New()
	reg := skills.NewRegistry(skills.WithResolver(res))
	if err := reg.Load(NewLauncher(WithSearchDirs())); err != nil {
		t.Fatal(err)
	}
	m, ok := res.Match("Open the Firefox app")
	if !ok || m.Call.Name != "launch_application" || m.Call.Values()[0] != "Firefox" {
		t.Errorf("unexpected match %+v", m)
	}
}
