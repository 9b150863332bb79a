package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type (
	// Map is the minimal replicated-map contract the tenant registry needs.
	//
	// Map is satisfied by *rmap.Map from goa.design/pulse/rmap, which makes
	// tenant registrations durable across process restarts and visible to
	// every evictor node. Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// TenantRegistry records which tenants have active session managers so
	// background processes (the evictor) know whose keyspaces to scan.
	TenantRegistry struct {
		m Map
	}

	// MemoryMap is an in-process Map for tests and single-node deployments.
	MemoryMap struct {
		mu sync.RWMutex
		kv map[string]string
	}
)

const tenantKeyPrefix = "loom:tenant:"

// NewTenantRegistry builds a registry over the given map.
func NewTenantRegistry(m Map) *TenantRegistry {
	return &TenantRegistry{m: m}
}

// Register records a tenant. Idempotent.
func (r *TenantRegistry) Register(ctx context.Context, tenant string) error {
	if tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if _, err := r.m.Set(ctx, tenantKeyPrefix+tenant, "1"); err != nil {
		return fmt.Errorf("register tenant %q: %w", tenant, err)
	}
	return nil
}

// Deregister removes a tenant.
func (r *TenantRegistry) Deregister(ctx context.Context, tenant string) error {
	if _, err := r.m.Delete(ctx, tenantKeyPrefix+tenant); err != nil {
		return fmt.Errorf("deregister tenant %q: %w", tenant, err)
	}
	return nil
}

// Tenants returns the sorted registered tenants.
func (r *TenantRegistry) Tenants() []string {
	var tenants []string
	for _, key := range r.m.Keys() {
		if strings.HasPrefix(key, tenantKeyPrefix) {
			tenants = append(tenants, strings.TrimPrefix(key, tenantKeyPrefix))
		}
	}
	sort.Strings(tenants)
	return tenants
}

// NewMemoryMap builds an empty in-process map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{kv: make(map[string]string)}
}

// Set stores a key and returns its previous value.
func (m *MemoryMap) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.kv[key]
	m.kv[key] = value
	return prev, nil
}

// Get reads a key.
func (m *MemoryMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	return v, ok
}

// Keys returns all keys.
func (m *MemoryMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.kv))
	for k := range m.kv {
		keys = append(keys, k)
	}
	return keys
}

// Delete removes a key and returns its previous value.
func (m *MemoryMap) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.kv[key]
	delete(m.kv, key)
	return prev, nil
}
