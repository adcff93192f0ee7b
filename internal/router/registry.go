package router

import (
	"log/slog"
	"sync"
)

// HandlerFunc applies one inbound event. Replies go to the origin through the
// context; a returned error is reported to the origin only.
type HandlerFunc func(actx *ActionContext) error

// Registry is the dispatch table keyed by event name.
type Registry struct {
	logger    *slog.Logger
	handlers  map[string]HandlerFunc
	handlerMu sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

func (r *Registry) RegisterHandler(event string, fn HandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	if _, exists := r.handlers[event]; exists {
		panic("handler already registered: " + event)
	}
	r.handlers[event] = fn
	r.logger.Debug("Registered handler", slog.String("event", event))
}

func (r *Registry) GetHandler(event string) (HandlerFunc, bool) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	fn, ok := r.handlers[event]
	return fn, ok
}

func (r *Registry) Events() []string {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}
