package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/avva/pkg/brain"
	"github.com/jllopis/avva/pkg/errors"
)

// MemoryStore keeps everything in process memory. Used for tests and for
// storage.driver=memory.
type MemoryStore struct {
	mu           sync.RWMutex
	permissions  map[string]time.Time
	brains       map[string]brain.Config
	capabilities map[string][]string
	settings     map[string]string
	usage        map[string]*UsageTotals
	history      []Interaction
	memories     map[string]Memory
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions:  make(map[string]time.Time),
		brains:       make(map[string]brain.Config),
		capabilities: make(map[string][]string),
		settings:     make(map[string]string),
		usage:        make(map[string]*UsageTotals),
		memories:     make(map[string]Memory),
	}
}

func (s *MemoryStore) Permissions(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.permissions), nil
}

func (s *MemoryStore) GrantPermission(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[name]; !ok {
		s.permissions[name] = time.Now()
	}
	return nil
}

func (s *MemoryStore) RevokePermission(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permissions, name)
	return nil
}

func (s *MemoryStore) SaveBrain(_ context.Context, cfg brain.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brains[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) DeleteBrain(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.brains, id)
	delete(s.capabilities, id)
	return nil
}

func (s *MemoryStore) Brains(context.Context) ([]brain.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]brain.Config, 0, len(s.brains))
	for _, id := range sortedKeys(s.brains) {
		out = append(out, s.brains[id])
	}
	return out, nil
}

func (s *MemoryStore) SaveCapabilities(_ context.Context, id string, caps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.brains[id]; !ok {
		return errors.New(errors.CodeStorage, "save capabilities: unknown provider", nil).WithContext("provider", id)
	}
	c := append([]string(nil), caps...)
	sort.Strings(c)
	s.capabilities[id] = c
	return nil
}

func (s *MemoryStore) Capabilities(_ context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.capabilities[id]...), nil
}

func (s *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) Setting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *MemoryStore) LogUsage(_ context.Context, provider string, u brain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.usage[provider]
	if !ok {
		t = &UsageTotals{Provider: provider}
		s.usage[provider] = t
	}
	t.Calls++
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.CostUSD += u.CostUSD
	return nil
}

func (s *MemoryStore) Usage(context.Context) ([]UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UsageTotals, 0, len(s.usage))
	for _, id := range sortedKeys(s.usage) {
		out = append(out, *s.usage[id])
	}
	return out, nil
}

func (s *MemoryStore) LogInteraction(_ context.Context, role, text, toolCall string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Interaction{
		ID:        int64(len(s.history) + 1),
		Role:      role,
		Text:      text,
		ToolCall:  toolCall,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) History(_ context.Context, limit int) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Interaction(nil), h...), nil
}

func (s *MemoryStore) Remember(_ context.Context, key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New(errors.CodeInvalidInput, "empty memory key", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[key] = Memory{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Recall(_ context.Context, key string) (Memory, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[normalizeKey(key)]
	return m, ok, nil
}

func (s *MemoryStore) Memories(context.Context) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Memory, 0, len(s.memories))
	for _, k := range sortedKeys(s.memories) {
		out = append(out, s.memories[k])
	}
	return out, nil
}

func (s *MemoryStore) ClearMemories(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = make(map[string]Memory)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*MemoryStore)(nil)
