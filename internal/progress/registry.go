package progress

import (
	"sync"
	"time"

	"github.com/dataset-eval/harness/pkg/models"
)

// DefaultGraceSeconds is the eviction grace period used when unset,
// matching the MBFLOW_EVAL_REGISTRY_GRACE_SECONDS default in
// internal/config (SPEC_FULL.md §4.8 expansion).
const DefaultGraceSeconds = 30

// Registry is the shared, mutex-guarded run registry (§4.8/§5): create
// and get/delete of run handles, with a grace period between run
// completion and eviction so slow consumers can finish reading.
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*Handle
	grace time.Duration
}

// Handle pairs a run job with its bus, the registry's unit of
// bookkeeping.
type Handle struct {
	Job *models.RunJob
	Bus *Bus
}

// NewRegistry builds a registry with the given eviction grace period
// (0 defaults to DefaultGraceSeconds).
func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGraceSeconds * time.Second
	}
	return &Registry{jobs: make(map[string]*Handle), grace: grace}
}

// Create registers a new run job in status pending and returns its
// handle.
func (r *Registry) Create(id, outputFile string, bufferSize int) *Handle {
	bus := NewBus(bufferSize)
	handle := &Handle{
		Job: &models.RunJob{ID: id, Status: models.RunPending, Events: bus.events, OutputFile: outputFile},
		Bus: bus,
	}

	r.mu.Lock()
	r.jobs[id] = handle
	r.mu.Unlock()

	return handle
}

// Get returns the handle for a run ID, or false if unknown or already
// evicted.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.jobs[id]
	return h, ok
}

// SetStatus advances a run's status. Status advances monotonically
// (§3); callers are responsible for only moving it forward.
func (r *Registry) SetStatus(id string, status models.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.jobs[id]; ok {
		h.Job.Status = status
	}
}

// Complete marks a run done (or error) and schedules its eviction
// after the registry's grace period.
func (r *Registry) Complete(id string, status models.RunStatus) {
	r.SetStatus(id, status)

	if h, ok := r.Get(id); ok {
		h.Bus.Close()
	}

	time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		delete(r.jobs, id)
		r.mu.Unlock()
	})
}
