package orchestrator

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/brain/braintest"
	"github.com/jllopis/avva/pkg/contextfilter"
	"github.com/jllopis/avva/pkg/errors"
)

type memStore struct {
	mu       sync.Mutex
	brains   map[string]brain.Config
	settings map[string]string
	usage    []brain.Usage
}

func newMemStore() *memStore {
	return &memStore{brains: map[string]brain.Config{}, settings: map[string]string{}}
}

func (s *memStore) SaveBrain(_ context.Context, cfg brain.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brains[cfg.ID] = cfg
	return nil
}

func (s *memStore) DeleteBrain(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.brains, id)
	return nil
}

func (s *memStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStore) Setting(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memStore) LogUsage(_ context.Context, _ string, u brain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func register(t *testing.T, o *Orchestrator, p brain.Provider, cfg brain.Config) {
	t.Helper()
	if err := o.Register(context.Background(), p, cfg); err != nil {
		t.Fatalf("Register(%s): %v", p.ID(), err)
	}
}

const natural = `{"intent": null, "arguments": null, "confidence": 0.2, "natural_response": "hello"}`

func TestSelectFallbackWithoutCheckingOthers(t *testing.T) {
	o := New(nil)
	active := braintest.New("claude", natural)
	active.Status = brain.StatusUnreachable
	fallback := braintest.New("ollama", natural)
	third := braintest.New("gemini", natural)

	register(t, o, active, brain.Config{Active: true})
	register(t, o, fallback, brain.Config{Fallback: true})
	register(t, o, third, brain.Config{})

	p, err := o.SelectBrain(context.Background(), RequestContext{Query: "tell me a joke"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID() != "ollama" {
		t.Fatalf("selected %s, want ollama", p.ID())
	}
	if n := third.HealthChecks(); n != 0 {
		t.Errorf("third provider health checked %d times", n)
	}
}

func TestSelection(t *testing.T) {
	local := braintest.New("ollama", natural)
	local.Privacy = brain.PrivacyLocal
	vision := braintest.New("gemini", natural)
	vision.Caps = brain.Caps(brain.CapChat, brain.CapVision)
	cloud := braintest.New("claude", natural)

	tests := []struct {
		name       string
		rulesOnly  bool
		noAuto     bool
		localDown  bool
		rc         RequestContext
		wantID     string
		wantReason string
	}{
		{name: "active", rc: RequestContext{}, wantID: "claude", wantReason: ReasonActive},
		{name: "rules only", rulesOnly: true, rc: RequestContext{Sensitive: true}, wantID: brain.RulesID, wantReason: ReasonRulesOnly},
		{name: "sensitive goes local", rc: RequestContext{Sensitive: true}, wantID: "ollama", wantReason: ReasonPrivacy},
		{name: "requires privacy goes local", rc: RequestContext{RequiresPrivacy: true}, wantID: "ollama", wantReason: ReasonPrivacy},
		{name: "sensitive with local down uses baseline", localDown: true, rc: RequestContext{Sensitive: true}, wantID: brain.RulesID, wantReason: ReasonPrivacy},
		{name: "capability", rc: RequestContext{RequiredCapability: brain.CapVision}, wantID: "gemini", wantReason: ReasonCapability},
		{name: "auto selection off", noAuto: true, rc: RequestContext{Sensitive: true}, wantID: "claude", wantReason: ReasonActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local.Status = brain.StatusAvailable
			if tt.localDown {
				local.Status = brain.StatusUnreachable
			}
			o := New(nil, WithRulesOnly(tt.rulesOnly), WithAutoSelection(!tt.noAuto))
			register(t, o, local, brain.Config{})
			register(t, o, vision, brain.Config{})
			register(t, o, cloud, brain.Config{Active: true})

			e, reason := o.selectEntry(context.Background(), tt.rc)
			if e.p.ID() != tt.wantID || reason != tt.wantReason {
				t.Errorf("got %s/%s, want %s/%s", e.p.ID(), reason, tt.wantID, tt.wantReason)
			}
		})
	}
}

func TestHealthCachedWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	o := New(nil, WithClock(clock.Now), WithHealthTTL(30*time.Second))
	active := braintest.New("claude", natural)
	register(t, o, active, brain.Config{Active: true})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := o.SelectBrain(ctx, RequestContext{}); err != nil {
			t.Fatal(err)
		}
	}
	if n := active.HealthChecks(); n != 1 {
		t.Fatalf("health checks = %d within ttl, want 1", n)
	}
	clock.Advance(31 * time.Second)
	_, _ = o.SelectBrain(ctx, RequestContext{})
	if n := active.HealthChecks(); n != 2 {
		t.Fatalf("health checks = %d after ttl, want 2", n)
	}
}

func TestExecuteFallsBack(t *testing.T) {
	o := New(nil)
	active := braintest.New("claude", natural)
	active.Err = stderrors.New("connection refused")
	fallback := braintest.New("ollama", `{"intent":"get_time","arguments":{},"confidence":0.95}`)
	register(t, o, active, brain.Config{Active: true})
	register(t, o, fallback, brain.Config{Fallback: true})

	resp := o.Execute(context.Background(), brain.Request{Prompt: "time?"}, RequestContext{Query: "time?"})
	if !resp.Success || resp.Provider != "ollama" || resp.Intent != "get_time" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if active.Executions() != 1 || fallback.Executions() != 1 {
		t.Errorf("executions active=%d fallback=%d", active.Executions(), fallback.Executions())
	}
}

func TestExecuteChainExhausted(t *testing.T) {
	baseline := braintest.New("rules", "")
	baseline.Err = stderrors.New("boom")
	o := New(baseline)
	active := braintest.New("claude", natural)
	active.Err = stderrors.New("timeout")
	fallback := braintest.New("ollama", natural)
	fallback.Err = stderrors.New("refused")
	register(t, o, active, brain.Config{Active: true})
	register(t, o, fallback, brain.Config{Fallback: true})

	resp := o.Execute(context.Background(), brain.Request{Prompt: "x"}, RequestContext{})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.ErrorKind != errors.CodeAllProvidersFailed || !errors.IsCode(resp.Err, errors.CodeAllProvidersFailed) {
		t.Errorf("unexpected kind %s / %v", resp.ErrorKind, resp.Err)
	}
	if !strings.Contains(resp.NaturalResponse, AllFailedMessage) {
		t.Errorf("unexpected text %q", resp.NaturalResponse)
	}
	for _, f := range []*braintest.Fake{baseline, active, fallback} {
		if f.Executions() != 1 {
			t.Errorf("%s executed %d times, want 1", f.ID(), f.Executions())
		}
	}
}

func TestExecuteVisitsEachProviderOnce(t *testing.T) {
	o := New(nil)
	only := braintest.New("claude", natural)
	only.Err = stderrors.New("down")
	register(t, o, only, brain.Config{Active: true, Fallback: true})

	resp := o.Execute(context.Background(), brain.Request{Prompt: "hello"}, RequestContext{})
	if !resp.Success || resp.Provider != brain.RulesID {
		t.Fatalf("expected baseline answer, got %+v", resp)
	}
	if only.Executions() != 1 {
		t.Errorf("provider executed %d times, want 1", only.Executions())
	}
}

func TestBreakerSkipsFailingProvider(t *testing.T) {
	o := New(nil, WithBreaker(2, time.Minute))
	active := braintest.New("claude", natural)
	active.Err = stderrors.New("503")
	register(t, o, active, brain.Config{Active: true})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		o.Execute(ctx, brain.Request{Prompt: "hi"}, RequestContext{})
	}
	if n := active.Executions(); n != 2 {
		t.Errorf("executions = %d, want 2 before the breaker opens", n)
	}
	info := o.List()
	if info[0].Breaker != "open" {
		t.Errorf("breaker = %s, want open", info[0].Breaker)
	}
}

func TestContextFilteredPerProvider(t *testing.T) {
	o := New(nil, WithFilter(contextfilter.New(), contextfilter.LevelAuto))
	cloud := braintest.New("claude", natural)
	register(t, o, cloud, brain.Config{Active: true})

	rc := RequestContext{Query: "mail bob@example.com", Requester: "alice", Extra: map[string]any{"api_key": "x"}}
	o.Execute(context.Background(), brain.Request{Prompt: rc.Query}, rc)

	reqs := cloud.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	got := reqs[0].Context
	if len(got) != 2 || got["query"] != rc.Query || got["privacy_note"] != contextfilter.PrivacyNote {
		t.Errorf("external cloud provider should only see the query, got %v", got)
	}
}

func TestFilterLevelOverride(t *testing.T) {
	o := New(nil)
	cloud := braintest.New("claude", natural)
	register(t, o, cloud, brain.Config{Active: true, FilterLevel: "none"})

	rc := RequestContext{Query: "hi", Requester: "alice"}
	o.Execute(context.Background(), brain.Request{Prompt: "hi"}, rc)
	if got := cloud.Requests()[0].Context; got["requester"] != "alice" {
		t.Errorf("filter level none should keep the requester, got %v", got)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	o := New(nil, WithStore(store))
	register(t, o, braintest.New("claude", natural), brain.Config{Active: true})
	register(t, o, braintest.New("ollama", natural), brain.Config{})

	if err := o.SetActive(ctx, "ollama"); err != nil {
		t.Fatal(err)
	}
	if err := o.SetFallback(ctx, "claude"); err != nil {
		t.Fatal(err)
	}
	if !store.brains["ollama"].Active || store.brains["claude"].Active || !store.brains["claude"].Fallback {
		t.Errorf("unexpected persisted roles %+v", store.brains)
	}
	if err := o.SetActive(ctx, "nope"); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected invalid input for unknown provider, got %v", err)
	}

	if err := o.SetRulesOnly(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := o.SetAutoSelection(ctx, false); err != nil {
		t.Fatal(err)
	}
	if store.settings[SettingRulesOnly] != "true" || store.settings[SettingAutoSelection] != "false" {
		t.Errorf("unexpected settings %v", store.settings)
	}

	restored := New(nil, WithStore(store))
	if err := restored.LoadSettings(ctx); err != nil {
		t.Fatal(err)
	}
	if !restored.RulesOnly() || restored.AutoSelection() {
		t.Errorf("settings not restored: rules_only=%v auto=%v", restored.RulesOnly(), restored.AutoSelection())
	}

	if err := o.Unregister(ctx, "ollama"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.brains["ollama"]; ok {
		t.Error("unregistered provider still persisted")
	}
	if err := o.Unregister(ctx, brain.RulesID); err == nil {
		t.Error("baseline must not be removable")
	}
}

func TestUsageLogged(t *testing.T) {
	store := newMemStore()
	o := New(nil, WithStore(store))
	p := braintest.New("claude", natural)
	p.Usage = &brain.Usage{PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.01}
	register(t, o, p, brain.Config{Active: true})

	o.Execute(context.Background(), brain.Request{Prompt: "hi"}, RequestContext{})
	if len(store.usage) != 1 || store.usage[0].PromptTokens != 10 {
		t.Errorf("unexpected usage log %+v", store.usage)
	}
}

func collectStream(t *testing.T, ch <-chan brain.Chunk) (string, brain.Response) {
	t.Helper()
	var text strings.Builder
	var final brain.Response
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return text.String(), final
			}
			text.WriteString(c.Text)
			if c.Done && c.Response != nil {
				final = *c.Response
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestExecuteStream(t *testing.T) {
	o := New(nil)
	p := braintest.New("claude", "")
	p.Caps = brain.Caps(brain.CapChat, brain.CapStreaming)
	p.Stream = []string{"Hello ", "there"}
	register(t, o, p, brain.Config{Active: true})

	ch, err := o.ExecuteStream(context.Background(), brain.Request{Prompt: "hi"}, RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	text, final := collectStream(t, ch)
	if text != "Hello there" || !final.Success || final.NaturalResponse != "Hello there" {
		t.Errorf("got %q / %+v", text, final)
	}
}

func TestExecuteStreamFallsBackBeforeText(t *testing.T) {
	o := New(nil)
	broken := braintest.New("claude", "")
	broken.Caps = brain.Caps(brain.CapChat, brain.CapStreaming)
	broken.Err = stderrors.New("refused")
	register(t, o, broken, brain.Config{Active: true})

	ch, err := o.ExecuteStream(context.Background(), brain.Request{Prompt: "hello"}, RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	_, final := collectStream(t, ch)
	if !final.Success || final.Provider != brain.RulesID {
		t.Errorf("expected baseline to answer, got %+v", final)
	}
}

func TestHealthAll(t *testing.T) {
	o := New(nil)
	a := braintest.New("claude", natural)
	b := braintest.New("ollama", natural)
	b.Status = brain.StatusMisconfigured
	register(t, o, a, brain.Config{})
	register(t, o, b, brain.Config{})

	got := o.HealthAll(context.Background(), true)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].ID != "claude" || got[1].Health.Status != brain.StatusMisconfigured || got[2].ID != brain.RulesID {
		t.Errorf("unexpected health %+v", got)
	}
	o.HealthAll(context.Background(), true)
	if a.HealthChecks() != 2 {
		t.Errorf("refresh should bypass the cache, checks=%d", a.HealthChecks())
	}
}

func TestRegisterReservedID(t *testing.T) {
	o := New(nil)
	if err := o.Register(context.Background(), braintest.New(brain.RulesID, ""), brain.Config{}); err == nil {
		t.Fatal("expected error for reserved id")
	}
}
