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
package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxsync/fluxsync"
	"github.com/fluxsync/fluxsync/config"
)

func setupIntakeRouter(t *testing.T) *gin.Engine {
	t.Helper()
	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		DataSource: config.DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/fluxsync?sslmode=disable"},
		Sources: []config.SourceConfig{
			{
				Name:            "payment_service",
				SecretKey:       "whsec_test",
				SignatureHeader: "X-Signature",
				TimestampHeader: "X-Timestamp",
				MaxAgeSeconds:   300,
			},
		},
	})

	f, err := fluxsync.NewFluxsync(&fluxsync.MockDataSource{})
	require.NoError(t, err)
	return NewAPI(f).Router()
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestReceiveWebhookUnknownSourceRejected(t *testing.T) {
	router := setupIntakeRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/unknown_service", bytes.NewBufferString(`{}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReceiveWebhookBadSignatureRejected(t *testing.T) {
	router := setupIntakeRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment_service", bytes.NewBufferString(`{"event_id":"evt_1"}`))
	req.Header.Set("X-Signature", "deadbeef")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReceiveWebhookStaleTimestampRejected(t *testing.T) {
	router := setupIntakeRouter(t)

	// The signature is valid; only the delivery's age is wrong.
	body := []byte(`{"event_id":"evt_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment_service", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody(body, "whsec_test"))
	req.Header.Set("X-Timestamp", time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
