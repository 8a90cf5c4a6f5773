// Package health aggregates component health checks
package health

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"perp_gateway/internal/core"
)

// Check reports a component problem as a non-nil error
type Check func() error

// Manager aggregates health checks by component name
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]Check
	failed map[string]bool
}

// NewManager creates a Manager; logger may be nil
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{
		checks: make(map[string]Check),
		failed: make(map[string]bool),
	}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces the check of component
func (m *Manager) Register(component string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status runs every check and returns "healthy" or "unhealthy: <reason>" per component
func (m *Manager) Status() map[string]string {
	out := make(map[string]string)
	for name, err := range m.run() {
		if err != nil {
			out[name] = "unhealthy: " + err.Error()
		} else {
			out[name] = "healthy"
		}
	}
	return out
}

// Check returns nil when every component is healthy, otherwise the joined failures
// in component order
func (m *Manager) Check() error {
	results := m.run()
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := results[name]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// IsHealthy reports whether every check passes
func (m *Manager) IsHealthy() bool {
	return m.Check() == nil
}

func (m *Manager) run() map[string]error {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, c := range checks {
		results[name] = c()
	}

	// log transitions only
	m.mu.Lock()
	for name, err := range results {
		was := m.failed[name]
		m.failed[name] = err != nil
		if m.logger == nil || was == (err != nil) {
			continue
		}
		if err != nil {
			m.logger.Warn("Component unhealthy", "name", name, "error", err)
		} else {
			m.logger.Info("Component recovered", "name", name)
		}
	}
	m.mu.Unlock()
	return results
}
