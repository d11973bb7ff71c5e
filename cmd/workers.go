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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/fluxsync/fluxsync"
	"github.com/fluxsync/fluxsync/config"
	redis_db "github.com/fluxsync/fluxsync/internal/redis-db"
	"github.com/fluxsync/fluxsync/model"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// processWebhook runs a queued webhook delivery through the event
// pipeline. A processing error triggers an asynq retry; once retries
// are exhausted the event is moved to the dead-letter queue and the
// task is consumed.
func (b *fluxsyncInstance) processWebhook(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("fluxsync.webhook.worker").Start(ctx, "Process Webhook From Redis Queue")
	defer span.End()

	var envelope model.WebhookEnvelope
	if err := json.Unmarshal(t.Payload(), &envelope); err != nil {
		logrus.Error(err)
		return err
	}

	_, err := b.fluxsync.Pipeline().Process(ctx, &envelope)
	if err != nil {
		retryCount, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retryCount >= maxRetry {
			hash := model.HashEnvelope(&envelope)
			if deadErr := b.fluxsync.DeadLetter().MarkDeadByHash(ctx, hash, retryCount, err); deadErr != nil {
				logrus.WithError(deadErr).Error("Failed to move event to dead-letter queue")
			}
			return nil
		}

		logrus.Infof("Event %s pushed back for retry due to error: %v", envelope.EventID, err)
		return err
	}

	log.Println(" [*] Webhook Event Processed", envelope.EventID)
	return nil
}

// processRequeue re-dispatches a dead-letter event. The payload is the
// event record id, not an envelope. Reprocess persists the outcome on
// both paths, so a second failure parks the event back in the
// dead-letter queue without an asynq retry.
func (b *fluxsyncInstance) processRequeue(ctx context.Context, t *asynq.Task) error {
	var eventID string
	if err := json.Unmarshal(t.Payload(), &eventID); err != nil {
		logrus.Error(err)
		return err
	}

	event, err := b.fluxsync.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		logrus.Warnf("Requeued event %s no longer exists", eventID)
		return nil
	}

	if _, err := b.fluxsync.Pipeline().Reprocess(ctx, event); err != nil {
		logrus.WithError(err).Warnf("Reprocessing event %s failed, returned to dead-letter queue", eventID)
		return nil
	}

	log.Println(" [*] Dead-Letter Event Reprocessed", eventID)
	return nil
}

// processSync executes a queued sync run. A run that loses the
// distributed lock race is consumed without a retry; the holder is
// already doing the work.
func (b *fluxsyncInstance) processSync(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("fluxsync.sync.worker").Start(ctx, "Process Sync From Redis Queue")
	defer span.End()

	var payload fluxsync.SyncTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	result, err := b.fluxsync.SyncEngine().TriggerSync(ctx, payload.OrganizationID, payload.ServiceName, payload.EntityType, payload.Force)
	if err != nil {
		if errors.Is(err, fluxsync.ErrSyncInProgress) {
			logrus.Infof("Sync %s/%s already running, skipping", payload.OrganizationID, payload.ServiceName)
			return nil
		}
		logrus.Infof("Sync %s/%s pushed back for retry due to error: %v", payload.OrganizationID, payload.ServiceName, err)
		return err
	}

	log.Printf(" [*] Sync Processed %s/%s synced=%d conflicts=%d", payload.OrganizationID, payload.ServiceName, result.RecordsSynced, result.ConflictsDetected)
	return nil
}

// startScheduler runs the periodic jobs: due sync configurations are
// enqueued every minute, processed events past retention are purged
// hourly.
func startScheduler(ctx context.Context, b *fluxsyncInstance) {
	syncTicker := time.NewTicker(time.Minute)
	cleanupTicker := time.NewTicker(time.Hour)

	go func() {
		for {
			select {
			case <-ctx.Done():
				syncTicker.Stop()
				cleanupTicker.Stop()
				return
			case <-syncTicker.C:
				if err := b.fluxsync.RunScheduledSyncs(ctx); err != nil {
					logrus.WithError(err).Error("Failed to enqueue scheduled syncs")
				}
			case <-cleanupTicker.C:
				deleted, err := b.fluxsync.CleanupProcessedEvents(ctx)
				if err != nil {
					logrus.WithError(err).Error("Failed to clean up processed events")
					continue
				}
				if deleted > 0 {
					log.Printf(" [*] Cleaned up %d processed events", deleted)
				}
			}
		}
	}()
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.SyncQueue] = 1

	for _, queueName := range fluxsync.WebhookQueueNames(cfg) {
		queues[queueName] = 3
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *fluxsyncInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// Webhook tasks are typed by their shard queue name.
	for _, queueName := range fluxsync.WebhookQueueNames(cfg) {
		mux.HandleFunc(queueName, b.processWebhook)
	}

	mux.HandleFunc(fluxsync.RequeueTaskType, b.processRequeue)
	mux.HandleFunc(cfg.Queue.SyncQueue, b.processSync)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers consume the webhook shards, the requeue task type, and
// the sync queue, and run the periodic sync scheduler.
func workerCommands(b *fluxsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start fluxsync workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			startScheduler(ctx, b)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
