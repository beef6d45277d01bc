// Package registry keeps each provider's whitelist of conditions, actions and
// provider modules.
package registry

import (
	"sort"
	"sync"

	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
)

// Kind is the category of a whitelisted reference.
type Kind string

const (
	KindCondition Kind = "condition"
	KindAction    Kind = "action"
	KindModule    Kind = "module"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCondition, KindAction, KindModule:
		return true
	}
	return false
}

// Entry is one whitelisted reference.
type Entry struct {
	Provider string     `json:"provider"`
	Kind     Kind       `json:"kind"`
	Ref      plugin.Ref `json:"ref"`
}

type entryKey struct {
	provider string
	kind     Kind
	ref      plugin.Ref
}

// Registry stores provider whitelists.
// Readers are never blocked by other readers.
type Registry struct {
	mu      sync.RWMutex
	entries map[entryKey]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[entryKey]struct{})}
}

// IsWhitelisted reports whether provider allows ref for kind.
func (r *Registry) IsWhitelisted(provider string, kind Kind, ref plugin.Ref) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[entryKey{provider, kind, ref}]
	return ok
}

// Whitelist adds refs to provider's list. Only the provider may edit its
// own list. Returns the refs that were newly added.
func (r *Registry) Whitelist(caller, provider string, kind Kind, refs ...plugin.Ref) ([]plugin.Ref, error) {
	if err := r.check(caller, provider, kind, refs); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []plugin.Ref
	for _, ref := range refs {
		k := entryKey{provider, kind, ref}
		if _, ok := r.entries[k]; ok {
			continue
		}
		r.entries[k] = struct{}{}
		added = append(added, ref)
	}
	return added, nil
}

// Dewhitelist removes refs from provider's list. Returns the refs that were
// actually removed.
func (r *Registry) Dewhitelist(caller, provider string, kind Kind, refs ...plugin.Ref) ([]plugin.Ref, error) {
	if err := r.check(caller, provider, kind, refs); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []plugin.Ref
	for _, ref := range refs {
		k := entryKey{provider, kind, ref}
		if _, ok := r.entries[k]; !ok {
			continue
		}
		delete(r.entries, k)
		removed = append(removed, ref)
	}
	return removed, nil
}

func (r *Registry) check(caller, provider string, kind Kind, refs []plugin.Ref) error {
	if provider == "" {
		return fault.New(fault.CodeInvalidArgument, "provider is required")
	}
	if !kind.Valid() {
		return fault.New(fault.CodeInvalidArgument, "unknown whitelist kind %q", kind)
	}
	if caller != provider {
		return fault.New(fault.CodeUnauthorized, "only the provider may edit its whitelist").
			WithAccount(provider).WithDetail("caller", caller)
	}
	for _, ref := range refs {
		if ref == "" {
			return fault.New(fault.CodeInvalidArgument, "empty %s reference", kind).WithAccount(provider)
		}
	}
	return nil
}

// List returns provider's refs of kind in sorted order.
func (r *Registry) List(provider string, kind Kind) []plugin.Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var refs []plugin.Ref
	for k := range r.entries {
		if k.provider == provider && k.kind == kind {
			refs = append(refs, k.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Entries returns every whitelist entry sorted by provider, kind, ref.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, Entry{Provider: k.provider, Kind: k.kind, Ref: k.ref})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Ref < b.Ref
	})
	return out
}

// Restore replaces all entries without authorization checks.
func (r *Registry) Restore(entries []Entry) error {
	next := make(map[entryKey]struct{}, len(entries))
	for _, e := range entries {
		if e.Provider == "" || !e.Kind.Valid() || e.Ref == "" {
			return fault.New(fault.CodeInvalidArgument, "invalid whitelist entry %+v", e)
		}
		next[entryKey{e.Provider, e.Kind, e.Ref}] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = next
	return nil
}

// ProviderEntries returns provider's full whitelist across all kinds.
func (r *Registry) ProviderEntries(provider string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Provider == provider {
			out = append(out, e)
		}
	}
	return out
}
