package registry

import (
	"sync"

	"github.com/crowdio/foreman/pkg/transport"
	"github.com/crowdio/foreman/pkg/types"
)

// Registry tracks live connections for workers and clients plus the
// available-workers set. One mutex guards all maps; every operation is
// O(1) except the by-connection reverse lookups, which run only on
// disconnect. The registry does no I/O.
type Registry struct {
	mu        sync.Mutex
	workers   map[string]transport.Conn
	clients   map[string]transport.Conn
	available map[string]struct{}
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		workers:   make(map[string]transport.Conn),
		clients:   make(map[string]transport.Conn),
		available: make(map[string]struct{}),
	}
}

// AddWorker registers a worker connection and marks it available
func (r *Registry) AddWorker(workerID string, conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = conn
	r.available[workerID] = struct{}{}
}

// RemoveWorker drops a worker connection. Returns false if unknown.
func (r *Registry) RemoveWorker(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; !ok {
		return false
	}
	delete(r.workers, workerID)
	delete(r.available, workerID)
	return true
}

// WorkerConn returns the connection for a worker, or nil
func (r *Registry) WorkerConn(workerID string) transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[workerID]
}

// Acquire atomically claims an available worker for assignment. It
// returns the worker's connection, or nil if the worker is unknown or
// already busy. This is the registry half of the assignment critical
// section; Release undoes it on rollback.
func (r *Registry) Acquire(workerID string) transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.available[workerID]; !ok {
		return nil
	}
	conn, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	delete(r.available, workerID)
	return conn
}

// Release returns a connected worker to the available set
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; ok {
		r.available[workerID] = struct{}{}
	}
}

// IsAvailable reports whether the worker is in the available set
func (r *Registry) IsAvailable(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.available[workerID]
	return ok
}

// AvailableWorkers snapshots the available worker ids
func (r *Registry) AvailableWorkers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.available))
	for id := range r.available {
		out = append(out, id)
	}
	return out
}

// WorkerIDs snapshots all connected worker ids, busy or not
func (r *Registry) WorkerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, id)
	}
	return out
}

// FindWorkerByConn reverse-looks-up a worker id by connection handle.
// Linear in worker count; disconnect path only.
func (r *Registry) FindWorkerByConn(conn transport.Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.workers {
		if c == conn {
			return id, true
		}
	}
	return "", false
}

// AddClient registers the client connection that submitted a job
func (r *Registry) AddClient(jobID string, conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[jobID] = conn
}

// RemoveClient drops a client connection entry. Returns false if unknown.
func (r *Registry) RemoveClient(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[jobID]; !ok {
		return false
	}
	delete(r.clients, jobID)
	return true
}

// ClientConn returns the client connection for a job, or nil
func (r *Registry) ClientConn(jobID string) transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[jobID]
}

// FindJobByConn reverse-looks-up a job id by client connection handle.
// Linear in client count; disconnect path only.
func (r *Registry) FindJobByConn(conn transport.Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if c == conn {
			return id, true
		}
	}
	return "", false
}

// Stats snapshots the connection counts for the observability surface
func (r *Registry) Stats() types.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.Stats{
		ConnectedWorkers: len(r.workers),
		AvailableWorkers: len(r.available),
		BusyWorkers:      len(r.workers) - len(r.available),
		ActiveJobs:       len(r.clients),
	}
}
