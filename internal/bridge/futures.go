package bridge

import "sync"

// Result is the final outcome delivered to a waiting caller.
type Result struct {
	RequestID        string
	Content          string
	AgentID          *string
	ProcessingTimeMs int64
	Error            *string
}

// Future is a single-use result slot. It resolves at most once.
type Future struct {
	ch   chan *Result
	once sync.Once
}

// Done exposes the resolution channel for select-based waiting.
func (f *Future) Done() <-chan *Result {
	return f.ch
}

func (f *Future) resolve(res *Result) {
	f.once.Do(func() {
		f.ch <- res
	})
}

// Registry holds pending futures keyed by request ID. It is strictly
// per-process: a latency fast-path, never the source of correctness. The
// durable request log is what other replicas see.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Future
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Future)}
}

// Register creates (or returns) the future for a request.
func (r *Registry) Register(requestID string) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fut, ok := r.pending[requestID]; ok {
		return fut
	}
	fut := &Future{ch: make(chan *Result, 1)}
	r.pending[requestID] = fut
	return fut
}

// Resolve completes the future for a request if one is pending on this
// process. Returns false when no caller is waiting here — the response landed
// on a different replica and the waiter's polling path will pick it up.
func (r *Registry) Resolve(requestID string, res *Result) bool {
	r.mu.Lock()
	fut, ok := r.pending[requestID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	fut.resolve(res)
	return true
}

// Remove drops the pending future. Called by the waiter on every exit path.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, requestID)
}

// Len reports the number of pending futures.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
