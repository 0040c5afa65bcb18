package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// PermissionStore persists granted permissions.
type PermissionStore interface {
	Permissions(ctx context.Context) ([]string, error)
	GrantPermission(ctx context.Context, name string) error
	RevokePermission(ctx context.Context, name string) error
}

// Permissions is the process-wide grant set. Reads are concurrent; Grant and
// Revoke write through to the store before the in-memory set changes.
type Permissions struct {
	mu      sync.RWMutex
	granted map[string]struct{}
	store   PermissionStore
	logger  *slog.Logger
}

// PermissionsOption configures a Permissions set.
type PermissionsOption func(*Permissions)

// WithPermissionStore sets the durable backing store.
func WithPermissionStore(store PermissionStore) PermissionsOption {
	return func(p *Permissions) {
		p.store = store
	}
}

// WithPermissionsLogger sets the logger.
func WithPermissionsLogger(logger *slog.Logger) PermissionsOption {
	return func(p *Permissions) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPermissions creates a grant set seeded with initial.
func NewPermissions(initial []string, opts ...PermissionsOption) *Permissions {
	p := &Permissions{
		granted: make(map[string]struct{}, len(initial)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, name := range initial {
		if name = normalizePermission(name); name != "" {
			p.granted[name] = struct{}{}
		}
	}
	return p
}

// LoadPermissions builds a grant set from the store contents.
func LoadPermissions(ctx context.Context, store PermissionStore, opts ...PermissionsOption) (*Permissions, error) {
	if store == nil {
		return NewPermissions(nil, opts...), nil
	}
	names, err := store.Permissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	opts = append(opts, WithPermissionStore(store))
	return NewPermissions(names, opts...), nil
}

// Has reports whether name is granted.
func (p *Permissions) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.granted[normalizePermission(name)]
	return ok
}

// Missing returns the entries of required that are not granted, sorted.
func (p *Permissions) Missing(required []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = normalizePermission(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := p.granted[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// List returns the granted permissions sorted.
func (p *Permissions) List() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.granted))
	for name := range p.granted {
		out = append(out, name)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Grant adds name to the set.
func (p *Permissions) Grant(ctx context.Context, name string) error {
	name = normalizePermission(name)
	if name == "" {
		return fmt.Errorf("empty permission")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.granted[name]; ok {
		return nil
	}
	if p.store != nil {
		if err := p.store.GrantPermission(ctx, name); err != nil {
			return fmt.Errorf("grant %s: %w", name, err)
		}
	}
	p.granted[name] = struct{}{}
	p.logger.Info("permission granted", "permission", name)
	return nil
}

// Revoke removes name from the set.
func (p *Permissions) Revoke(ctx context.Context, name string) error {
	name = normalizePermission(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.granted[name]; !ok {
		return nil
	}
	if p.store != nil {
		if err := p.store.RevokePermission(ctx, name); err != nil {
			return fmt.Errorf("revoke %s: %w", name, err)
		}
	}
	delete(p.granted, name)
	p.logger.Info("permission revoked", "permission", name)
	return nil
}

func normalizePermission(name string) string {
	return strings.TrimSpace(name)
}
