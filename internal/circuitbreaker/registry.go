package circuitbreaker

import (
	"sort"
	"sync"

	"epayment-client/internal/common/logging"
)

// Registry hands out one breaker per name, typically per remote host, so an
// outage of the token endpoint does not open the breaker for the API.
type Registry struct {
	config    Config
	overrides map[string]Config
	logger    logging.Logger
	breakers  map[string]*GoBreakerAdapter
	mu        sync.RWMutex
}

// NewRegistry creates a registry whose breakers all use config
func NewRegistry(config Config, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Registry{
		config:    config,
		overrides: make(map[string]Config),
		logger:    logger,
		breakers:  make(map[string]*GoBreakerAdapter),
	}
}

// Configure sets the config used for name instead of the registry default.
// It only affects breakers not created yet.
func (r *Registry) Configure(name string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = config
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (r *Registry) GetOrCreate(name string) *GoBreakerAdapter {
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, ok := r.breakers[name]; ok {
		return breaker
	}

	config, ok := r.overrides[name]
	if !ok {
		config = r.config
	}
	breaker = NewGoBreaker(name, config, r.logger)
	r.breakers[name] = breaker
	return breaker
}

// Stats returns statistics for every breaker, sorted by name
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
