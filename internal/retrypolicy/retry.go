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

// Package retrypolicy wraps calls in bounded exponential-backoff
// retries. It composes with the circuit breaker as
// retry(breaker(call)): a breaker rejection consumes one attempt and
// can be retried after the recovery window.
package retrypolicy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Policy retries an operation up to MaxAttempts times. The delay
// before attempt n+1 is min(Multiplier * 2^(n-1), MaxDelay) seconds,
// with no jitter so the schedule is predictable. Only errors matching
// IsRetryable are retried; anything else propagates immediately.
type Policy struct {
	MaxAttempts int
	Multiplier  float64
	MaxDelay    time.Duration
	IsRetryable func(error) bool

	sleep func(context.Context, time.Duration) error // overridable for tests
}

// New builds a policy with the given knobs, applying defaults for
// zero values (3 attempts, multiplier 2, 30s cap).
func New(maxAttempts int, multiplier float64, maxDelay time.Duration, isRetryable func(error) bool) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if multiplier <= 0 {
		multiplier = 2
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Multiplier:  multiplier,
		MaxDelay:    maxDelay,
		IsRetryable: isRetryable,
		sleep:       sleepContext,
	}
}

func (p *Policy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(p.Multiplier * float64(time.Second))
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Do runs op until it succeeds, a non-retryable error occurs, the
// attempt budget is exhausted, or ctx is cancelled. The final error is
// returned unchanged.
func (p *Policy) Do(ctx context.Context, op func() error) error {
	bo := p.newBackOff()
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Warn("Retrying after transient failure")

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
