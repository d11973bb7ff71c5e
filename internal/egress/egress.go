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

// Package egress provides the outbound HTTP client used to call
// external services. Each logical service gets one client, rate
// limited to its configured requests-per-second and guarded by a
// shared circuit breaker. Mutating verbs (PUT, DELETE) are wrapped in
// retry(breaker(request)); GET and POST go straight through because
// duplication on those paths is absorbed upstream by idempotency
// keys.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/internal/breaker"
	"github.com/fluxsync/fluxsync/internal/retrypolicy"
)

const maxResponseBytes = 4 << 20

// RateLimitError is returned when the external service answers 429.
type RateLimitError struct {
	Service string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by service %s", e.Service)
}

// ServiceError is returned for 5xx answers from the external service.
type ServiceError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s returned status %d", e.Service, e.StatusCode)
}

// StatusError covers the remaining non-2xx answers (4xx other than
// 429). These are caller errors and are never retried.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s rejected request with status %d", e.Service, e.StatusCode)
}

// IsTransient reports whether err is worth retrying: rate limits,
// upstream 5xx failures, transport-level errors and breaker
// rejections. A breaker rejection consumes a retry attempt so an OPEN
// breaker either recovers within the backoff schedule or exhausts the
// budget.
func IsTransient(err error) bool {
	var rateLimit *RateLimitError
	var service *ServiceError
	var open *breaker.CircuitOpenError
	if errors.As(err, &rateLimit) || errors.As(err, &service) || errors.As(err, &open) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// rateLimiter enforces a minimum interval between requests. self-made
// token bucket with a single token, which is all an egress client
// needs.
type rateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastRequest time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func newRateLimiter(requestsPerSecond float64) *rateLimiter {
	rl := &rateLimiter{
		now:   time.Now,
		sleep: sleepContext,
	}
	if requestsPerSecond > 0 {
		rl.minInterval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return rl
}

func (rl *rateLimiter) wait(ctx context.Context) error {
	if rl.minInterval <= 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	elapsed := rl.now().Sub(rl.lastRequest)
	if elapsed < rl.minInterval {
		if err := rl.sleep(ctx, rl.minInterval-elapsed); err != nil {
			return err
		}
	}
	rl.lastRequest = rl.now()
	return nil
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

// Client talks to one external service.
type Client struct {
	name       string
	baseURL    string
	authToken  string
	headers    map[string]string
	httpClient *http.Client
	limiter    *rateLimiter
	breaker    *breaker.Breaker
	retry      *retrypolicy.Policy
}

// NewClient builds a client from the service's configuration. The
// breaker comes from the shared registry so every caller of the same
// service observes the same breaker state.
func NewClient(name string, cfg config.EgressServiceConfig, registry *breaker.Registry) *Client {
	rps := float64(0)
	if cfg.RequestsPerSecond != nil {
		rps = *cfg.RequestsPerSecond
	}
	brk := registry.Get(name, breaker.Config{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.RecoverySeconds) * time.Second,
		IsFailure:        IsTransient,
	})
	return &Client{
		name:      name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		headers:   cfg.Headers,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: newRateLimiter(rps),
		breaker: brk,
		retry: retrypolicy.New(cfg.MaxRetryAttempts, cfg.BackoffMultiplier,
			time.Duration(cfg.MaxBackoffSeconds)*time.Second, IsTransient),
	}
}

// Name returns the logical service name the client was built for.
func (c *Client) Name() string { return c.name }

// Get fetches path with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	target := path
	if len(query) > 0 {
		target = path + "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, target, nil)
}

// Post sends body as JSON to path. Not retried; create paths rely on
// idempotency keys rather than replays.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Put sends body as JSON to path, wrapped in retry and breaker.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.doResilient(ctx, http.MethodPut, path, body)
}

// Delete removes the resource at path, wrapped in retry and breaker.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.doResilient(ctx, http.MethodDelete, path, nil)
}

func (c *Client) doResilient(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.retry.Do(ctx, func() error {
		return c.breaker.Execute(func() error {
			resp, err := c.do(ctx, method, path, body)
			if err != nil {
				return err
			}
			out = resp
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request for %s", method, c.name)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "calling service %s", c.name)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "reading response from %s", c.name)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		logrus.WithField("service", c.name).Warn("External service rate limited the request")
		return nil, &RateLimitError{Service: c.name}
	case resp.StatusCode >= 500:
		return nil, &ServiceError{Service: c.name, StatusCode: resp.StatusCode, Body: string(data)}
	case resp.StatusCode >= 400:
		return nil, &StatusError{Service: c.name, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Factory caches one client per logical service name so repeated
// calls reuse connections and breaker state.
type Factory struct {
	mu       sync.Mutex
	registry *breaker.Registry
	configs  map[string]config.EgressServiceConfig
	clients  map[string]*Client
}

// NewFactory indexes the configured services by name.
func NewFactory(services map[string]config.EgressServiceConfig, registry *breaker.Registry) *Factory {
	configs := make(map[string]config.EgressServiceConfig, len(services))
	for name, svc := range services {
		configs[name] = svc
	}
	return &Factory{
		registry: registry,
		configs:  configs,
		clients:  make(map[string]*Client),
	}
}

// ForService returns the cached client for name, building it on first
// use. Unknown services are an error so misconfigured sync streams
// fail loudly.
func (f *Factory) ForService(name string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[name]; ok {
		return client, nil
	}
	cfg, ok := f.configs[name]
	if !ok {
		return nil, fmt.Errorf("no egress configuration for service %s", name)
	}
	client := NewClient(name, cfg, f.registry)
	f.clients[name] = client
	return client, nil
}

// Services lists the configured service names.
func (f *Factory) Services() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.configs))
	for name := range f.configs {
		names = append(names, name)
	}
	return names
}
