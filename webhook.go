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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/model"
)

// SignatureError rejects a delivery whose HMAC does not match, or
// that arrived unsigned for a source configured with a secret.
type SignatureError struct {
	Source string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid webhook signature for source %s", e.Source)
}

// TimestampError rejects a delivery whose timestamp header is
// unparseable, in the future, or older than the source's max age.
type TimestampError struct {
	Reason string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("webhook timestamp rejected: %s", e.Reason)
}

// MalformedPayloadError rejects a body that is not valid JSON.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed webhook payload: %v", e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// VerifySignature checks the HMAC-SHA256 of the raw body against the
// source's shared secret. The header value may carry an
// "algorithm=digest" prefix which is stripped before the constant-time
// comparison. A source without a secret skips verification; a source
// with a secret and no signature fails closed.
func VerifySignature(body []byte, signatureHeader, secret, sourceName string) error {
	if secret == "" {
		return nil
	}
	if signatureHeader == "" {
		return &SignatureError{Source: sourceName}
	}

	signature := signatureHeader
	if i := strings.Index(signature, "="); i >= 0 {
		signature = signature[i+1:]
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &SignatureError{Source: sourceName}
	}
	return nil
}

// ValidateTimestamp enforces delivery freshness. An empty header means
// the source does not send one and no freshness check applies.
func ValidateTimestamp(raw string, maxAge time.Duration) error {
	if raw == "" {
		return nil
	}

	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return &TimestampError{Reason: fmt.Sprintf("unparseable timestamp %q", raw)}
	}

	age := time.Since(ts)
	if age < 0 {
		return &TimestampError{Reason: "timestamp is in the future"}
	}
	if age > maxAge {
		return &TimestampError{Reason: fmt.Sprintf("timestamp is %.0fs old, max age %.0fs", age.Seconds(), maxAge.Seconds())}
	}
	return nil
}

// VerifyWebhook runs both checks for one delivery using the source's
// configured secret and header names.
//
// Parameters:
// - src config.SourceConfig: The registered source's secret and limits.
// - body []byte: The raw request body exactly as received.
// - signatureHeader string: The value of the source's signature header.
// - timestampHeader string: The value of the source's timestamp header.
//
// Returns:
// - error: A SignatureError or TimestampError when verification fails.
func VerifyWebhook(src config.SourceConfig, body []byte, signatureHeader, timestampHeader string) error {
	if err := VerifySignature(body, signatureHeader, src.SecretKey, src.Name); err != nil {
		return err
	}
	return ValidateTimestamp(timestampHeader, time.Duration(src.MaxAgeSeconds)*time.Second)
}

// ParseEnvelope extracts the canonical envelope from a verified body.
// A missing or unparseable timestamp defaults to receipt time; a
// missing event id gets a generated one so the delivery can still be
// tracked. The raw body is retained untouched.
//
// Parameters:
// - source model.Source: The source the delivery arrived from.
// - body []byte: The verified raw request body.
//
// Returns:
// - *model.WebhookEnvelope: The canonical envelope.
// - error: A MalformedPayloadError if the body is not valid JSON.
func ParseEnvelope(source model.Source, body []byte) (*model.WebhookEnvelope, error) {
	var raw struct {
		EventType string                 `json:"event_type"`
		EventID   string                 `json:"event_id"`
		Timestamp string                 `json:"timestamp"`
		TenantID  string                 `json:"tenant_id"`
		Data      map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &MalformedPayloadError{Err: err}
	}

	timestamp := time.Now().UTC()
	if raw.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
			timestamp = parsed.UTC()
		}
	}

	eventID := raw.EventID
	if eventID == "" {
		eventID = model.GenerateUUIDWithSuffix("evt")
	}

	data := raw.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	rawCopy := make([]byte, len(body))
	copy(rawCopy, body)

	return &model.WebhookEnvelope{
		Source:     source,
		EventType:  model.ParseEventType(raw.EventType),
		EventID:    eventID,
		Timestamp:  timestamp,
		TenantID:   raw.TenantID,
		Data:       data,
		RawPayload: rawCopy,
	}, nil
}
