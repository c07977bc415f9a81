// Package model provides data structures for the message router
package model

import (
	"encoding/json"
	"log/slog"
)

// MediationType defines the type of mediation to perform
type MediationType string

const (
	// MediationTypeHTTP is HTTP-based mediation to external webhooks
	MediationTypeHTTP MediationType = "HTTP"
)

// DispatchMode controls how a FIFO group behaves after a delivery failure.
type DispatchMode string

const (
	// DispatchModeBlockOnError blocks the rest of the {batch, group} after a failure
	DispatchModeBlockOnError DispatchMode = "BLOCK_ON_ERROR"

	// DispatchModeNextOnError continues with the next pointer in the group after a failure
	DispatchModeNextOnError DispatchMode = "NEXT_ON_ERROR"

	// DispatchModeImmediate does not enforce FIFO beyond what the broker provides
	DispatchModeImmediate DispatchMode = "IMMEDIATE"
)

// MessagePointer contains routing and mediation information.
// This record is serialized/deserialized to/from queue messages and contains all
// information needed to route and process a message through the system.
//
// The router is a pointer broker: the pointer describes where the real payload
// lives and how to deliver it, never the payload bytes themselves.
type MessagePointer struct {
	// ID is the unique message identifier (TSID, used for deduplication)
	ID string `json:"id"`

	// PoolCode is the processing pool identifier (e.g., "POOL-HIGH", "order-service")
	PoolCode string `json:"poolCode"`

	// AuthToken is the bearer token presented to the mediation target. Secret;
	// never logged, redacted from any audit serialization.
	AuthToken string `json:"authToken"`

	// SigningSecret, when present, enables HMAC-SHA256 signature headers on the
	// outbound request. Secret; same redaction rules as AuthToken.
	SigningSecret string `json:"signingSecret,omitempty"`

	// MediationType is the type of mediation to perform (HTTP, etc.)
	MediationType MediationType `json:"mediationType"`

	// MediationTarget is the target endpoint URL for mediation
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID is the optional message group ID for FIFO ordering within business entities.
	// Messages with the same messageGroupId are processed sequentially,
	// while messages with different messageGroupIds are processed concurrently.
	// Examples:
	//   - "order-12345" - All events for this order process in FIFO order
	//   - "user-67890" - All events for this user process in FIFO order
	//   - empty string - Uses DEFAULT_GROUP, processes independently
	MessageGroupID string `json:"messageGroupId"`

	// DispatchMode controls FIFO failure behavior for the pointer's group.
	// Empty means BLOCK_ON_ERROR.
	DispatchMode DispatchMode `json:"dispatchMode,omitempty"`

	// --- Internal fields (not serialized to queue) ---

	// BatchID is the internal batch identifier (NOT part of external contract, populated during routing).
	// Used to track messages from the same batch for FIFO ordering enforcement.
	BatchID string `json:"-"`

	// BrokerMessageID is the broker's own message ID for the delivery attempt
	// (SQS message ID, JetStream sequence, etc.), used for pipeline tracking.
	BrokerMessageID string `json:"-"`
}

// EffectiveDispatchMode returns the dispatch mode, defaulting to BLOCK_ON_ERROR.
func (m *MessagePointer) EffectiveDispatchMode() DispatchMode {
	if m.DispatchMode == "" {
		return DispatchModeBlockOnError
	}
	return m.DispatchMode
}

// LogValue implements slog.LogValuer so pointers logged as attributes never
// expose secret material.
func (m *MessagePointer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String("poolCode", m.PoolCode),
		slog.String("mediationTarget", m.MediationTarget),
		slog.String("messageGroupId", m.MessageGroupID),
	)
}

// deliveryBody is the outbound wire form POSTed to the mediation target.
// Secrets travel in headers (Authorization, signature), never in the body.
type deliveryBody struct {
	ID              string        `json:"id"`
	PoolCode        string        `json:"poolCode"`
	MediationType   MediationType `json:"mediationType"`
	MediationTarget string        `json:"mediationTarget"`
	MessageGroupID  string        `json:"messageGroupId"`
}

// DeliveryBody returns the JSON body sent to the mediation target.
func (m *MessagePointer) DeliveryBody() ([]byte, error) {
	return json.Marshal(deliveryBody{
		ID:              m.ID,
		PoolCode:        m.PoolCode,
		MediationType:   m.MediationType,
		MediationTarget: m.MediationTarget,
		MessageGroupID:  m.MessageGroupID,
	})
}

// Redacted returns a copy safe for audit/monitoring serialization.
func (m *MessagePointer) Redacted() MessagePointer {
	cp := *m
	if cp.AuthToken != "" {
		cp.AuthToken = "[REDACTED]"
	}
	if cp.SigningSecret != "" {
		cp.SigningSecret = "[REDACTED]"
	}
	return cp
}

// MediationResponse is the response from a mediation endpoint indicating whether
// the message should be acknowledged.
//
// The endpoint returns HTTP 200 with this DTO to indicate:
//   - ack: true  - Message processing is complete, ACK it and mark as success
//   - ack: false - Message is accepted but not ready to be processed yet.
//     Nack it and retry via queue visibility timeout. Optionally specify a delay.
type MediationResponse struct {
	// Ack indicates whether the message should be acknowledged (true) or nacked for retry (false)
	Ack bool `json:"ack"`

	// Message is an optional message or reason (e.g., delay reason if ack=false)
	Message string `json:"message,omitempty"`

	// DelaySeconds is the optional delay in seconds before the message becomes visible again
	// (only used when ack=false). Valid range: 1-43200 (12 hours).
	// If nil or 0, uses default visibility timeout (30s).
	DelaySeconds *int `json:"delaySeconds,omitempty"`
}

// Constants for delay handling
const (
	// MaxDelaySeconds is the maximum delay allowed (12 hours = 43200 seconds, SQS limit)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is the default delay when none specified
	DefaultDelaySeconds = 30
)

// GetEffectiveDelaySeconds returns the effective delay in seconds, clamped to valid range.
// Returns DefaultDelaySeconds if DelaySeconds is nil or 0.
func (r *MediationResponse) GetEffectiveDelaySeconds() int {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return *r.DelaySeconds
}
