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

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("connection refused")

func newTestBreaker(threshold int, recovery time.Duration, clock func() time.Time) *Breaker {
	b := New(Config{
		Name:             "external_api",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		IsFailure: func(err error) bool {
			return errors.Is(err, errTransient)
		},
	})
	if clock != nil {
		b.now = clock
	}
	return b
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(5, time.Minute, nil)

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return errTransient })
		assert.ErrorIs(t, err, errTransient)
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls made while open are rejected without invoking the function.
	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	var openErr *CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
	assert.Equal(t, "external_api", openErr.Name)
	assert.False(t, invoked)
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(1, 30*time.Second, func() time.Time { return current })

	assert.ErrorIs(t, b.Execute(func() error { return errTransient }), errTransient)
	assert.Equal(t, StateOpen, b.State())

	// After the recovery window a single probe is allowed through.
	current = current.Add(30 * time.Second)
	err := b.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	failures, _ := b.Counts()
	assert.Zero(t, failures)
}

func TestBreakerHalfOpenProbeReopens(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(1, 30*time.Second, func() time.Time { return current })

	assert.ErrorIs(t, b.Execute(func() error { return errTransient }), errTransient)

	current = current.Add(31 * time.Second)
	assert.ErrorIs(t, b.Execute(func() error { return errTransient }), errTransient)
	assert.Equal(t, StateOpen, b.State())

	// Still open: the failed probe restarted the recovery window.
	var openErr *CircuitOpenError
	assert.ErrorAs(t, b.Execute(func() error { return nil }), &openErr)
}

func TestBreakerIgnoresUnexpectedErrors(t *testing.T) {
	b := newTestBreaker(2, time.Minute, nil)
	errBusiness := errors.New("validation failed")

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return errBusiness })
		assert.ErrorIs(t, err, errBusiness)
	}

	// Unexpected error types never trip the breaker.
	assert.Equal(t, StateClosed, b.State())
	failures, _ := b.Counts()
	assert.Zero(t, failures)
}

func TestRegistrySharesInstances(t *testing.T) {
	reg := NewRegistry()

	a := reg.Get("external_api", Config{FailureThreshold: 1})
	b := reg.Get("external_api", Config{FailureThreshold: 99})
	assert.Same(t, a, b)

	other := reg.Get("billing_api", Config{})
	assert.NotSame(t, a, other)

	states := reg.States()
	assert.Equal(t, StateClosed, states["external_api"])
	assert.Equal(t, StateClosed, states["billing_api"])
}
