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

package fluxsync

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"

	"github.com/hibiken/asynq"

	"github.com/fluxsync/fluxsync/config"
	redis_db "github.com/fluxsync/fluxsync/internal/redis-db"
	"github.com/fluxsync/fluxsync/model"
)

// Queue wraps the asynq client and inspector for webhook and sync
// task dispatch.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// SyncTaskPayload is the payload of a scheduled or triggered sync task.
type SyncTaskPayload struct {
	OrganizationID string `json:"organization_id"`
	ServiceName    string `json:"service_name"`
	EntityType     string `json:"entity_type,omitempty"`
	Force          bool   `json:"force"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueWebhook queues a verified envelope for asynchronous
// processing. The task id is the envelope's idempotency hash, so a
// redelivery that races an in-flight task is rejected by asynq before
// it reaches the pipeline.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - envelope *model.WebhookEnvelope: The verified envelope to enqueue.
//
// Returns:
// - error: An error if the envelope could not be enqueued.
func (q *Queue) EnqueueWebhook(ctx context.Context, envelope *model.WebhookEnvelope) error {
	ctx, span := tracer.Start(ctx, "Adding webhook event to queue")
	defer span.End()

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	hash := model.HashEnvelope(envelope)
	queueName := q.shardQueue(cfg, hash)
	taskOptions := []asynq.Option{
		asynq.TaskID(hash),
		asynq.Queue(queueName),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(queueName, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued webhook event: %s", envelope.EventID)
	return nil
}

// EnqueueSync queues a sync execution.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - payload SyncTaskPayload: The organization, service and entity stream to sync.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueSync(ctx context.Context, payload SyncTaskPayload) error {
	ctx, span := tracer.Start(ctx, "Adding sync task to queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.Queue(cfg.Queue.SyncQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(cfg.Queue.SyncQueue, data, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued sync: %s/%s", payload.OrganizationID, payload.ServiceName)
	return nil
}

// RequeueTaskType marks a dead-letter reprocessing task. Requeue
// tasks travel through the webhook shards but carry an event record
// id instead of an envelope.
const RequeueTaskType = "event:requeue"

// EnqueueRequeue queues a dead-letter event for reprocessing.
func (q *Queue) EnqueueRequeue(ctx context.Context, event *model.EventRecord) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event.ID)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.Queue(q.shardQueue(cfg, event.Hash)),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(RequeueTaskType, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued requeue: %s", event.ID)
	return nil
}

// shardQueue distributes webhook tasks across the configured number of
// queues by hashing the idempotency hash. Deliveries of the same event
// always land on the same queue and are processed serially there.
func (q *Queue) shardQueue(cfg *config.Configuration, hash string) string {
	queueIndex := hashShardKey(hash) % cfg.Queue.NumberOfQueues
	return fmt.Sprintf("%s_%d", cfg.Queue.WebhookQueue, queueIndex+1)
}

func hashShardKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}

// WebhookQueueNames lists every sharded webhook queue a worker must
// consume.
func WebhookQueueNames(cfg *config.Configuration) []string {
	names := make([]string, 0, cfg.Queue.NumberOfQueues)
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		names = append(names, fmt.Sprintf("%s_%d", cfg.Queue.WebhookQueue, i))
	}
	return names
}

// GetQueuedWebhook retrieves a queued webhook envelope by its
// idempotency hash, searching every shard.
//
// Parameters:
// - hash string: The idempotency hash of the delivery to look up.
//
// Returns:
// - *model.WebhookEnvelope: The queued envelope, or nil if no shard holds it.
// - error: An error if a found task's payload could not be decoded.
func (q *Queue) GetQueuedWebhook(hash string) (*model.WebhookEnvelope, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.WebhookQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, hash)
		if err == nil && task != nil {
			var envelope model.WebhookEnvelope
			if err := json.Unmarshal(task.Payload, &envelope); err != nil {
				return nil, err
			}
			return &envelope, nil
		}
	}
	return nil, nil
}

// WorkerCount reports the number of live worker servers registered
// with the queue backend.
func (q *Queue) WorkerCount() (int, error) {
	servers, err := q.Inspector.Servers()
	if err != nil {
		return 0, err
	}
	return len(servers), nil
}

// QueueDepths reports the pending task count per webhook shard plus
// the sync queue. Used by the health endpoint.
//
// Returns:
// - map[string]int: Pending task counts keyed by queue name.
// - error: An error if the configuration could not be fetched.
func (q *Queue) QueueDepths() (map[string]int, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	depths := make(map[string]int)
	for _, name := range append(WebhookQueueNames(cfg), cfg.Queue.SyncQueue) {
		info, err := q.Inspector.GetQueueInfo(name)
		if err != nil {
			// A queue that has never seen a task does not exist yet.
			depths[name] = 0
			continue
		}
		depths[name] = info.Pending
	}
	return depths, nil
}
