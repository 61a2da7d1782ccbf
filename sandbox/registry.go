package sandbox

import (
	"sort"
	"sync"
)

// ContainerRecord is what the engine knows about one running sandbox
type ContainerRecord struct {
	SandboxID   string
	ContainerID string
	Ports       []int
	VolumeName  string
	ProjectDir  string
	NetworkName string
}

// Registry maps sandbox ids to container records for one engine. It lives
// as long as the process; entries are lost on restart while the containers
// they describe may keep running.
type Registry struct {
	mu      sync.RWMutex
	records map[string]ContainerRecord
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]ContainerRecord)}
}

func (rec ContainerRecord) clone() ContainerRecord {
	rec.Ports = append([]int(nil), rec.Ports...)
	return rec
}

// Put registers or replaces the record for rec.SandboxID
func (r *Registry) Put(rec ContainerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.SandboxID] = rec.clone()
}

// Get returns a copy of the record for a sandbox id
func (r *Registry) Get(sandboxID string) (ContainerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[sandboxID]
	if !ok {
		return ContainerRecord{}, false
	}
	return rec.clone(), true
}

// Delete removes the record for a sandbox id, if any
func (r *Registry) Delete(sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sandboxID)
}

// List returns all records ordered by sandbox id
func (r *Registry) List() []ContainerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ContainerRecord, 0, len(r.records))
	for _, k := range sortedKeys(r.records) {
		out = append(out, r.records[k].clone())
	}
	return out
}

// Len returns the number of registered sandboxes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
