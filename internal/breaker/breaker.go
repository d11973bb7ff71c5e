/*
Copyright 2024 Fluxsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package breaker implements a per-resource circuit breaker. Each
// named external resource gets exactly one breaker instance, owned by
// a Registry that is constructed at process start and passed to
// whatever needs it.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitOpenError is returned when a call is rejected without being
// attempted because the breaker is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Config fixes a breaker's behavior at creation time. IsFailure
// classifies which errors count toward tripping; errors outside the
// class propagate without touching breaker state.
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	IsFailure        func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(error) bool { return true }
	}
	return c
}

// Breaker guards one named resource. All state transitions happen
// under the breaker's mutex.
type Breaker struct {
	mu              sync.Mutex
	cfg             Config
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time // overridable for tests
}

// New creates a standalone breaker. Most callers should go through a
// Registry instead so all users of a resource share one instance.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs fn behind the breaker. When the breaker is open and the
// recovery timeout has not elapsed, fn is never invoked and a
// *CircuitOpenError is returned.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	if err == nil {
		b.onSuccess()
		return nil
	}

	if b.cfg.IsFailure(err) {
		b.onFailure()
	}
	return err
}

// State reports the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts reports failure and success counters, mainly for status
// surfaces and tests.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	if b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		logrus.WithField("breaker", b.cfg.Name).Info("Circuit breaker moving to HALF_OPEN")
		return nil
	}

	return &CircuitOpenError{Name: b.cfg.Name}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failureCount = 0
		logrus.WithField("breaker", b.cfg.Name).Info("Circuit breaker reset to CLOSED")
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch {
	case b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold:
		b.state = StateOpen
		logrus.WithFields(logrus.Fields{
			"breaker":  b.cfg.Name,
			"failures": b.failureCount,
		}).Warn("Circuit breaker opened")
	case b.state == StateHalfOpen:
		b.state = StateOpen
		logrus.WithField("breaker", b.cfg.Name).Warn("Circuit breaker reopened on probe failure")
	}
}

// Registry owns the process-wide set of breakers, one per resource
// name. Configuration is supplied on first Get and fixed thereafter.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it with cfg on first use.
// Later calls ignore cfg.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg.Name = name
	b := New(cfg)
	r.breakers[name] = b
	return b
}

// States snapshots every registered breaker's state, keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
