package runtime

import (
	"fmt"
	"sync"
)

/*
The handler registry is the dispatch table for the stage execution system.

Purpose:
	- Map a work unit's kind (download/transcribe/enrich) to a concrete
	  stage handler implementation
	- Enforce a one-to-one relationship between kind and handler
	- Provide a safe, concurrent lookup mechanism for workers

Idea:
	The registry is the *only* place where kind -> code binding happens.
	Workers do not know about stages directly; they only ask the registry
	for a handler that claims responsibility for a given kind.
*/

/*
Handler is the minimal contract required to execute a stage.

Semantics:
	- Type() returns the work unit kind this handler is responsible for.
	- Run(ctx) performs the stage's work using runtime.Context as the only
	  mechanism to read the payload and report progress, failure, or
	  success.

IMPORTANT:
	- Handlers must be side-effect safe under retries
	- Handlers must assume they can be re-run after partial execution
*/
type Handler interface {
	Type() string
	Run(ctx *Context) error
}

/*
Registry is a concurrency-safe map of kind -> handler.

Invariants:
	- At most one handler may be registered per kind
	- Registration is expected to happen at process startup
	- Lookups may happen concurrently from many worker goroutines
*/
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler to the registry. Duplicate registration for the
// same kind is a startup wiring error, not a runtime condition to resolve
// silently.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for kind=%s", t)
	}
	r.handlers[t] = h
	return nil
}

// Get retrieves the handler responsible for a given kind. A miss is
// treated by the dispatcher as a fatal wiring error, not retryable.
func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
