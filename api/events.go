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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (a Api) GetDeadLetterEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	resp, err := a.fluxsync.DeadLetter().List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RequeueDeadLetterEvent(c *gin.Context) {
	eventID, passed := c.Params.Get("event_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required. pass it in the route /events/dead-letter/:event_id/requeue"})
		return
	}

	ok, err := a.fluxsync.DeadLetter().Requeue(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "event is not in the dead-letter queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "requeued", "event_id": eventID})
}

func (a Api) ArchiveDeadLetterEvent(c *gin.Context) {
	eventID, passed := c.Params.Get("event_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required. pass it in the route /events/dead-letter/:event_id/archive"})
		return
	}

	ok, err := a.fluxsync.DeadLetter().Archive(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "event is not in the dead-letter queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "archived", "event_id": eventID})
}
