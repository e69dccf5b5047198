package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicate = errors.New("connection already registered")
	ErrClosing   = errors.New("registry is closing")
)

// Handle is the non-owning view of a live connection kept by the registry.
type Handle struct {
	ConnectionID string
	UserID       string
	SessionID    string
	RemoteAddr   string
	StartedAt    time.Time
	Phase        func() string
	Close        func()
}

// Info is a point-in-time description of a registered connection.
type Info struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	Phase        string    `json:"phase"`
	StartedAt    time.Time `json:"started_at"`
}

// Registry maps connection ids to live orchestrators. It is safe for
// concurrent use by many connections.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	closing bool
	wg      sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register inserts h and returns a function that removes it. The returned
// function is safe to call any number of times. Once CloseAll has run every
// registration fails with ErrClosing.
func (r *Registry) Register(h Handle) (unregister func(), err error) {
	if h.ConnectionID == "" {
		return nil, errors.New("connection id must be non-empty")
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now().UTC()
	}
	e := &entry{handle: h}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil, ErrClosing
	}
	if _, exists := r.entries[h.ConnectionID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicate
	}
	r.entries[h.ConnectionID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	return func() { r.unregister(h.ConnectionID, e) }, nil
}

func (r *Registry) unregister(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists registered connections ordered by start time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		handles = append(handles, e.handle)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		info := Info{
			ConnectionID: h.ConnectionID,
			UserID:       h.UserID,
			SessionID:    h.SessionID,
			RemoteAddr:   h.RemoteAddr,
			StartedAt:    h.StartedAt,
		}
		if h.Phase != nil {
			info.Phase = h.Phase()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CloseAll asks every registered connection to close and refuses later
// registrations. Close callbacks run outside the registry lock since they
// usually unregister.
func (r *Registry) CloseAll() (closed int) {
	r.mu.Lock()
	r.closing = true
	closers := make([]func(), 0, len(r.entries))
	for _, e := range r.entries {
		if e.handle.Close != nil {
			closers = append(closers, e.handle.Close)
		}
	}
	r.mu.Unlock()

	for _, c := range closers {
		c()
		closed++
	}
	return closed
}

// Wait blocks until every registered connection has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
