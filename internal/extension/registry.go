package extension

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/volatilevault/vault/internal/cache"
	"github.com/volatilevault/vault/pkg/errors"
)

// Registry maps instance names to live backends. Names are unique across storages and exfils.
// Registration happens during startup; lookups are safe from any goroutine.
type Registry struct {
	mu       sync.RWMutex
	names    map[string]struct{}
	storages []StorageProvider
	exfils   []ExfilProvider

	// locations remembers which storage answered for a file id.
	locations *cache.LRUCache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names:     make(map[string]struct{}),
		locations: cache.NewLRUCache(nil),
	}
}

func (r *Registry) claim(name string) error {
	if name == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "extension name must not be empty")
	}
	if _, exists := r.names[name]; exists {
		return errors.Newf(errors.ErrCodeDuplicateRegistration, "extension %q is already registered", name).
			WithComponent("registry")
	}
	r.names[name] = struct{}{}
	return nil
}

// RegisterStorage adds a storage backend.
func (r *Registry) RegisterStorage(provider StorageProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.claim(provider.Name()); err != nil {
		return err
	}
	r.storages = append(r.storages, provider)
	return nil
}

// RegisterExfil adds an exfil backend.
func (r *Registry) RegisterExfil(provider ExfilProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.claim(provider.Name()); err != nil {
		return err
	}
	r.exfils = append(r.exfils, provider)
	return nil
}

// Storage returns the storage registered as name.
func (r *Registry) Storage(name string) (StorageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.storages {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeUnknownStorage, "storage %q not found", name)
}

// Exfil returns the exfil registered as name.
func (r *Registry) Exfil(name string) (ExfilProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.exfils {
		if e.Name() == name {
			return e, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeUnknownExtension, "exfil %q not found", name)
}

// Storages returns the storages in registration order.
func (r *Registry) Storages() []StorageProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StorageProvider(nil), r.storages...)
}

// Exfils returns the exfils in registration order.
func (r *Registry) Exfils() []ExfilProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ExfilProvider(nil), r.exfils...)
}

// StorageForFile returns the first storage, in registration order, that reports holding id.
// Lookup errors only surface when no storage claims the file.
func (r *Registry) StorageForFile(ctx context.Context, id string) (StorageProvider, error) {
	if name, ok := r.locations.Get(id); ok {
		if s, err := r.Storage(name); err == nil {
			if found, err := s.Has(ctx, id); err == nil && found {
				return s, nil
			}
		}
		r.locations.Delete(id)
	}

	var lookupErr error
	for _, s := range r.Storages() {
		ok, err := s.Has(ctx, id)
		if err != nil {
			lookupErr = multierr.Append(lookupErr, err)
			continue
		}
		if ok {
			r.locations.Put(id, s.Name())
			return s, nil
		}
	}

	notFound := errors.Newf(errors.ErrCodeUnknownFile, "file %s not found", id)
	if lookupErr != nil {
		return nil, notFound.WithCause(lookupErr)
	}
	return nil, notFound
}

// LocationStats reports the file location cache counters.
func (r *Registry) LocationStats() cache.Stats {
	return r.locations.Stats()
}

// StorageInfos returns the client descriptions of initialized storages.
func (r *Registry) StorageInfos() []Info {
	var infos []Info
	for _, s := range r.Storages() {
		if s.State() == StateInitialized {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

// ExfilInfos returns the client descriptions of initialized exfils.
func (r *Registry) ExfilInfos() []Info {
	var infos []Info
	for _, e := range r.Exfils() {
		if e.State() == StateInitialized {
			infos = append(infos, e.Info())
		}
	}
	return infos
}

// Hosts returns the sorted union of every exfil's static hosts.
func (r *Registry) Hosts() []string {
	seen := make(map[string]struct{})
	for _, e := range r.Exfils() {
		for _, h := range e.Hosts() {
			seen[h] = struct{}{}
		}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
