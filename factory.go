package agentd

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFactoryCapacity bounds the compiled-agent cache. Distinct
// (model, key, base URL, max tokens) tuples beyond this evict the least
// recently used entry; an evicted agent is rebuilt on next use.
const DefaultFactoryCapacity = 32

// AgentBuilder compiles an agent for a cache key: provider bound to the
// key's credentials, plus the shared tool registry and middleware.
type AgentBuilder func(key AgentKey) (*Agent, error)

// Factory caches compiled agents by AgentKey. Agents are stateless with
// respect to conversation (state lives in checkpoints), so one compiled
// agent safely serves concurrent turns across users and threads.
type Factory struct {
	mu      sync.Mutex
	cache   *lru.Cache[AgentKey, *Agent]
	builder AgentBuilder
	logger  *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// FactoryLogger sets the structured logger.
func FactoryLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a factory with the given cache capacity.
// capacity <= 0 uses DefaultFactoryCapacity.
func NewFactory(capacity int, builder AgentBuilder, opts ...FactoryOption) *Factory {
	if capacity <= 0 {
		capacity = DefaultFactoryCapacity
	}
	cache, err := lru.New[AgentKey, *Agent](capacity)
	if err != nil {
		// lru.New only fails on capacity <= 0, which is handled above.
		panic(err)
	}
	f := &Factory{cache: cache, builder: builder}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = nopLogger
	}
	return f
}

// GetOrBuild returns the cached agent for key, compiling it on miss.
// The build runs under the factory lock so concurrent turns with the
// same key share one compilation.
func (f *Factory) GetOrBuild(key AgentKey) (*Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.cache.Get(key); ok {
		return a, nil
	}
	a, err := f.builder(key)
	if err != nil {
		return nil, err
	}
	f.cache.Add(key, a)
	f.logger.Debug("compiled agent", "model", key.Model, "base_url", key.BaseURL, "cached", f.cache.Len())
	return a, nil
}

// Len returns the number of cached agents.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}
