package ingest

import "sync/atomic"

// RegistryEntry maps an entity to the device and area discovered from the
// hub's registries.
type RegistryEntry struct {
	DeviceID string
	AreaID   string
}

// RegistryCache is the process-scoped entity_id → (device_id, area_id)
// snapshot. Discovery replaces the whole map atomically; readers always see
// a consistent snapshot and never block writers.
type RegistryCache struct {
	snapshot atomic.Pointer[map[string]RegistryEntry]
}

// NewRegistryCache creates an empty cache.
func NewRegistryCache() *RegistryCache {
	c := &RegistryCache{}
	empty := map[string]RegistryEntry{}
	c.snapshot.Store(&empty)
	return c
}

// Lookup returns the registry entry for an entity, if discovered.
func (c *RegistryCache) Lookup(entityID string) (RegistryEntry, bool) {
	m := *c.snapshot.Load()
	entry, ok := m[entityID]
	return entry, ok
}

// Replace publishes a new snapshot. The map must not be mutated by the
// caller after Replace returns.
func (c *RegistryCache) Replace(entries map[string]RegistryEntry) {
	if entries == nil {
		entries = map[string]RegistryEntry{}
	}
	c.snapshot.Store(&entries)
}

// Len returns the number of entities in the current snapshot.
func (c *RegistryCache) Len() int {
	return len(*c.snapshot.Load())
}
