// Package health aggregates readiness probes for the subsystems the
// service depends on, such as the database pool and the payment
// gateway breaker.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a subsystem. Implementations should honor ctx
// deadlines so a stuck dependency cannot hang the health endpoint.
type Checker func(ctx context.Context) Status

type namedChecker struct {
	name  string
	check Checker
}

// Registry collects checkers registered at startup and runs them when
// the health endpoint is hit.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under name. Checkers run in registration
// order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
}

// CheckAll probes every registered subsystem. The aggregate is healthy
// only when all individual probes are.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checkers))
	for _, nc := range checkers {
		st := nc.check(ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
