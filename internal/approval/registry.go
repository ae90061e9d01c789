package approval

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/common/logger"
	"go.uber.org/zap"
)

// Resolver resolves a pending question with a translated response. Calling
// it more than once is safe; only the first call wins.
type Resolver func(Response)

// pendingEntry tracks one registered question.
type pendingEntry struct {
	id    string
	timer *time.Timer
	ch    chan Response
	once  sync.Once
}

// Registry holds pending approval questions keyed by id. Each registered id
// is resolved exactly once: by the returned Resolver, or by the timeout
// path, never both.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	timeout time.Duration
	logger  *logger.Logger
}

// NewRegistry creates a registry whose questions auto-resolve after timeout.
func NewRegistry(timeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		pending: make(map[string]*pendingEntry),
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "question-registry")),
	}
}

// Register records a pending id and arms its timeout. The returned channel
// receives the resolution exactly once. If the resolver is not invoked
// before the timeout elapses, onTimeout supplies the default response.
func (r *Registry) Register(id string, onTimeout func() Response) (<-chan Response, Resolver) {
	entry := &pendingEntry{
		id: id,
		ch: make(chan Response, 1),
	}

	resolve := func(resp Response) {
		entry.once.Do(func() {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			entry.ch <- resp
			r.forget(id)
		})
	}

	entry.timer = time.AfterFunc(r.timeout, func() {
		r.logger.Warn("approval question timed out, auto-resolving",
			zap.String("question_id", id),
			zap.Duration("timeout", r.timeout))
		resolve(onTimeout())
	})

	r.mu.Lock()
	r.pending[id] = entry
	r.mu.Unlock()

	return entry.ch, resolve
}

// Clear cancels the timeout for id if still armed. The question remains
// resolvable through its Resolver.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	r.mu.Unlock()
	if ok && entry.timer != nil {
		entry.timer.Stop()
	}
}

// Cleanup cancels all armed timers and forgets all ids. Questions already
// handed out stay unresolved; callers use this only at shutdown.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(r.pending, id)
	}
}

// Len returns the number of pending ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
