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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	// DefaultMaxEventAge bounds webhook timestamp freshness checks.
	DefaultMaxEventAge = 300 * time.Second
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"FLUXSYNC_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"FLUXSYNC_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FLUXSYNC_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"FLUXSYNC_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"FLUXSYNC_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"FLUXSYNC_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"FLUXSYNC_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"FLUXSYNC_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"FLUXSYNC_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig names the asynq queues the workers consume.
type QueueConfig struct {
	WebhookQueue     string `json:"webhook_queue" envconfig:"FLUXSYNC_QUEUE_WEBHOOK"`
	SyncQueue        string `json:"sync_queue" envconfig:"FLUXSYNC_QUEUE_SYNC"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"FLUXSYNC_NUMBER_OF_QUEUES"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"FLUXSYNC_QUEUE_MAX_RETRY_ATTEMPTS"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"FLUXSYNC_QUEUE_MONITORING_PORT"`
}

// SourceConfig carries the shared secret and header names for one
// registered webhook source. A source with an empty SecretKey accepts
// unsigned deliveries.
type SourceConfig struct {
	Name            string `json:"name"`
	SecretKey       string `json:"secret_key"`
	SignatureHeader string `json:"signature_header"`
	TimestampHeader string `json:"timestamp_header"`
	MaxAgeSeconds   int    `json:"max_age_seconds"`
}

// PipelineConfig tunes the event pipeline's dedup cache. The cap and
// trim counts were fixed constants upstream; they are configurable
// here with the same defaults.
type PipelineConfig struct {
	DedupCacheSize int `json:"dedup_cache_size" envconfig:"FLUXSYNC_DEDUP_CACHE_SIZE"`
	DedupCacheTrim int `json:"dedup_cache_trim" envconfig:"FLUXSYNC_DEDUP_CACHE_TRIM"`
	RetentionDays  int `json:"retention_days" envconfig:"FLUXSYNC_EVENT_RETENTION_DAYS"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	ConflictWindowMinutes int `json:"conflict_window_minutes" envconfig:"FLUXSYNC_CONFLICT_WINDOW_MINUTES"`
	LockTTLSeconds        int `json:"lock_ttl_seconds" envconfig:"FLUXSYNC_SYNC_LOCK_TTL_SECONDS"`
}

// EgressServiceConfig describes one external service the engine and
// event handlers call out to.
type EgressServiceConfig struct {
	BaseURL           string            `json:"base_url"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	AuthToken         string            `json:"auth_token"`
	Headers           map[string]string `json:"headers"`
	RequestsPerSecond *float64          `json:"requests_per_second"`
	FailureThreshold  int               `json:"failure_threshold"`
	RecoverySeconds   int               `json:"recovery_seconds"`
	MaxRetryAttempts  int               `json:"max_retry_attempts"`
	BackoffMultiplier float64           `json:"backoff_multiplier"`
	MaxBackoffSeconds int               `json:"max_backoff_seconds"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FLUXSYNC_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FLUXSYNC_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FLUXSYNC_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

// ArchiveConfig configures S3 export of archived dead-letter events.
// S3 export is disabled when the bucket name is empty.
type ArchiveConfig struct {
	AwsAccessKeyId     string `json:"aws_access_key_id"`
	AwsSecretAccessKey string `json:"aws_secret_access_key"`
	S3Endpoint         string `json:"s3_endpoint"`
	S3BucketName       string `json:"s3_bucket_name"`
	S3Region           string `json:"s3_region"`
}

type Configuration struct {
	ProjectName     string                         `json:"project_name" envconfig:"FLUXSYNC_PROJECT_NAME"`
	EnableTelemetry bool                           `json:"enable_telemetry" envconfig:"FLUXSYNC_ENABLE_TELEMETRY"`
	Server          ServerConfig                   `json:"server"`
	DataSource      DataSourceConfig               `json:"data_source"`
	Redis           RedisConfig                    `json:"redis"`
	Queue           QueueConfig                    `json:"queue"`
	Sources         []SourceConfig                 `json:"sources"`
	Pipeline        PipelineConfig                 `json:"pipeline"`
	Sync            SyncConfig                     `json:"sync"`
	Egress          map[string]EgressServiceConfig `json:"egress"`
	RateLimit       RateLimitConfig                `json:"rate_limit"`
	Notification    Notification                   `json:"notification"`
	Archive         ArchiveConfig                  `json:"archive"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("fluxsync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called fluxsync.json with your config ❌")
	}
	return c, nil
}

// SourceByName returns the webhook source config matching name.
func (cnf *Configuration) SourceByName(name string) (*SourceConfig, bool) {
	for i := range cnf.Sources {
		if cnf.Sources[i].Name == name {
			return &cnf.Sources[i], true
		}
	}
	return nil, false
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Fluxsync Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.SyncQueue == "" {
		cnf.Queue.SyncQueue = "new:sync"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 1
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5001"
	}

	for i := range cnf.Sources {
		src := &cnf.Sources[i]
		if src.SignatureHeader == "" {
			src.SignatureHeader = "X-Signature"
		}
		if src.TimestampHeader == "" {
			src.TimestampHeader = "X-Timestamp"
		}
		if src.MaxAgeSeconds <= 0 {
			src.MaxAgeSeconds = int(DefaultMaxEventAge / time.Second)
		}
	}

	if cnf.Pipeline.DedupCacheSize <= 0 {
		cnf.Pipeline.DedupCacheSize = 1000
	}
	if cnf.Pipeline.DedupCacheTrim <= 0 || cnf.Pipeline.DedupCacheTrim > cnf.Pipeline.DedupCacheSize {
		cnf.Pipeline.DedupCacheTrim = 500
	}
	if cnf.Pipeline.RetentionDays <= 0 {
		cnf.Pipeline.RetentionDays = 30
	}

	if cnf.Sync.ConflictWindowMinutes <= 0 {
		cnf.Sync.ConflictWindowMinutes = 10
	}
	if cnf.Sync.LockTTLSeconds <= 0 {
		cnf.Sync.LockTTLSeconds = 600
	}

	for name, svc := range cnf.Egress {
		if svc.TimeoutSeconds <= 0 {
			svc.TimeoutSeconds = 30
		}
		if svc.FailureThreshold <= 0 {
			svc.FailureThreshold = 5
		}
		if svc.RecoverySeconds <= 0 {
			svc.RecoverySeconds = 60
		}
		if svc.MaxRetryAttempts <= 0 {
			svc.MaxRetryAttempts = 3
		}
		if svc.BackoffMultiplier <= 0 {
			svc.BackoffMultiplier = 2
		}
		if svc.MaxBackoffSeconds <= 0 {
			svc.MaxBackoffSeconds = 30
		}
		cnf.Egress[name] = svc
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
