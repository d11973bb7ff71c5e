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

package retrypolicy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient failure")

func alwaysRetryable(error) bool { return true }

// withRecordedSleeps swaps the real sleep for one that records the
// requested delays without waiting.
func withRecordedSleeps(p *Policy) *[]time.Duration {
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestDoExhaustsAttemptsWithDeterministicSchedule(t *testing.T) {
	p := New(3, 2, 30*time.Second, alwaysRetryable)
	slept := withRecordedSleeps(p)

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errTransient
	})

	require.Equal(t, errTransient, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.Equal(t, 2*time.Second, (*slept)[0])
	assert.Equal(t, 4*time.Second, (*slept)[1])
}

func TestDoDelayCappedAtMaxDelay(t *testing.T) {
	p := New(6, 2, 10*time.Second, alwaysRetryable)
	slept := withRecordedSleeps(p)

	_ = p.Do(context.Background(), func() error { return errTransient })

	// 2, 4, 8 then clamped to the 10s cap.
	require.Len(t, *slept, 5)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}, *slept)
}

func TestDoStopsOnSuccess(t *testing.T) {
	p := New(3, 2, 30*time.Second, alwaysRetryable)
	slept := withRecordedSleeps(p)

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, *slept, 1)
}

func TestDoPropagatesNonRetryableImmediately(t *testing.T) {
	permanent := errors.New("bad request")
	p := New(3, 2, 30*time.Second, func(err error) bool {
		return errors.Is(err, errTransient)
	})
	slept := withRecordedSleeps(p)

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return permanent
	})

	require.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	p := New(3, 2, 30*time.Second, alwaysRetryable)
	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(0, 0, 0, nil)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, float64(2), p.Multiplier)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
}
