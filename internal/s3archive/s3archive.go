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

// Package s3archive exports archived dead-letter events to S3 so they
// survive the database retention window. Export is optional; an empty
// bucket name disables it.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/model"
)

type Archiver struct {
	bucket string
	client s3iface.S3API
}

// NewArchiver builds an S3-backed archiver, or a disabled one when no
// bucket is configured.
func NewArchiver(cfg config.ArchiveConfig) (*Archiver, error) {
	if cfg.S3BucketName == "" {
		return &Archiver{}, nil
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.S3Region)
	if cfg.AwsAccessKeyId != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AwsAccessKeyId, cfg.AwsSecretAccessKey, ""))
	}
	if cfg.S3Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.S3Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return &Archiver{
		bucket: cfg.S3BucketName,
		client: s3.New(sess),
	}, nil
}

// Enabled reports whether events will actually be exported.
func (a *Archiver) Enabled() bool {
	return a.bucket != ""
}

// key layout: dead_letters/2024-05-17/evt_....json
func objectKey(event *model.EventRecord) string {
	return fmt.Sprintf("dead_letters/%s/%s.json",
		event.CreatedAt.UTC().Format("2006-01-02"), event.ID)
}

// ArchiveEvent uploads the full event record as a JSON object. A
// disabled archiver is a no-op so callers do not need to branch.
func (a *Archiver) ArchiveEvent(ctx context.Context, event *model.EventRecord) error {
	if !a.Enabled() {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event %s for archive: %w", event.ID, err)
	}

	key := objectKey(event)
	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"source":     aws.String(string(event.Source)),
			"event-type": aws.String(string(event.EventType)),
			"archived":   aws.String(time.Now().UTC().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading event %s to s3: %w", event.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"event":  event.ID,
		"bucket": a.bucket,
		"key":    key,
	}).Info("Archived dead-letter event to S3")
	return nil
}
