package principal

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("principal: not found")

// Registry resolves platform registrations. Implementations return
// ErrNotFound when no registration matches; any other error is a storage
// failure.
type Registry interface {
	// FindByConsumerKey resolves an OAuth 1 consumer key.
	FindByConsumerKey(ctx context.Context, key string) (*Platform, error)
	// Find resolves the exact (iss, clientID, deploymentID) triple; empty
	// strings match registrations stored with empty fields.
	Find(ctx context.Context, iss, clientID, deploymentID string) (*Platform, error)
	// SavePublicKey persists the platform's current verification key after
	// a rotation detected during verification.
	SavePublicKey(ctx context.Context, p *Platform) error
}

// LookupPlatform resolves a 1.3 registration with progressively looser
// matching: the full triple first, then without the deployment, then by
// issuer alone. The first hit wins.
func LookupPlatform(ctx context.Context, r Registry, iss, clientID, deploymentID string) (*Platform, error) {
	triples := [][3]string{
		{iss, clientID, deploymentID},
		{iss, clientID, ""},
		{iss, "", ""},
	}
	seen := map[[3]string]bool{}
	for _, tr := range triples {
		if seen[tr] {
			continue
		}
		seen[tr] = true
		p, err := r.Find(ctx, tr[0], tr[1], tr[2])
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// MemoryRegistry is a fixed, process-local Registry. Suitable for tools with
// a static registration list and for tests.
type MemoryRegistry struct {
	mu        sync.RWMutex
	byKey     map[string]*Platform
	byTriple  map[[3]string]*Platform
	platforms []*Platform
}

func NewMemoryRegistry(platforms ...*Platform) *MemoryRegistry {
	r := &MemoryRegistry{
		byKey:    make(map[string]*Platform),
		byTriple: make(map[[3]string]*Platform),
	}
	for _, p := range platforms {
		r.Add(p)
	}
	return r
}

func (r *MemoryRegistry) Add(p *Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Key != "" {
		r.byKey[p.Key] = p
	}
	r.byTriple[[3]string{p.PlatformID, p.ClientID, p.DeploymentID}] = p
	r.platforms = append(r.platforms, p)
}

func (r *MemoryRegistry) FindByConsumerKey(_ context.Context, key string) (*Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byKey[key]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (r *MemoryRegistry) Find(_ context.Context, iss, clientID, deploymentID string) (*Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byTriple[[3]string{iss, clientID, deploymentID}]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (r *MemoryRegistry) SavePublicKey(_ context.Context, p *Platform) error {
	// the in-memory registration is the live object; nothing to persist
	_ = p
	return nil
}
