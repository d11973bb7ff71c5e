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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fluxsync/fluxsync"
	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/model"
)

// ReceiveWebhook is the intake endpoint for external services. The
// raw body is read before any parsing because the signature covers
// the exact bytes on the wire.
func (a Api) ReceiveWebhook(c *gin.Context) {
	serviceName, passed := c.Params.Get("service_name")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_name is required. pass it in the route /webhooks/:service_name"})
		return
	}
	if _, known := model.ParseSource(serviceName); !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown webhook source " + serviceName})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var signatureHeader, timestampHeader string
	if conf, err := config.Fetch(); err == nil {
		if src, found := conf.SourceByName(serviceName); found {
			signatureHeader = c.GetHeader(src.SignatureHeader)
			timestampHeader = c.GetHeader(src.TimestampHeader)
		}
	}

	envelope, err := a.fluxsync.IngestWebhook(c.Request.Context(), serviceName, body, signatureHeader, timestampHeader)
	if err != nil {
		// Signature, timestamp and parse failures are all caller
		// errors and share one status.
		var sigErr *fluxsync.SignatureError
		var tsErr *fluxsync.TimestampError
		var malformed *fluxsync.MalformedPayloadError
		if errors.As(err, &sigErr) || errors.As(err, &tsErr) || errors.As(err, &malformed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "event_id": envelope.EventID})
}

// WebhookHealth reports worker liveness, queue depths and breaker
// states so operators can see a dead worker pool, a backlog or a
// tripped external service at a glance.
func (a Api) WebhookHealth(c *gin.Context) {
	depths, err := a.fluxsync.Queue().QueueDepths()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	workers, err := a.fluxsync.Queue().WorkerCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := "healthy"
	if workers == 0 {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"workers":  workers,
		"queues":   depths,
		"breakers": a.fluxsync.BreakerStates(),
	})
}
