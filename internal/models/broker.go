package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UsedExchangeCode records an authorization code the broker has already
// forwarded to the provider. Server-side one-time consumption is
// enforced independently of the client-side replay guard.
// Codes are stored hashed; the raw value never touches the database.
type UsedExchangeCode struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	// CodeHash is SHA256(plainCode); CodePrefix gives a cheap index probe.
	CodeHash   string `gorm:"uniqueIndex;not null"`
	CodePrefix string `gorm:"index;not null;size:8"`

	UserID    string `gorm:"not null;index"`
	UsedAt    time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (u *UsedExchangeCode) IsExpired() bool {
	return time.Now().After(u.ExpiresAt)
}

func (UsedExchangeCode) TableName() string {
	return "used_exchange_codes"
}

// EventType names a broker security-audit event.
type EventType string

const (
	EventExchangeSucceeded    EventType = "TOKEN_EXCHANGE_SUCCEEDED"
	EventExchangeRejected     EventType = "TOKEN_EXCHANGE_REJECTED"
	EventExchangeReplay       EventType = "TOKEN_EXCHANGE_REPLAY"
	EventRefreshSucceeded     EventType = "TOKEN_REFRESH_SUCCEEDED"
	EventRefreshRejected      EventType = "TOKEN_REFRESH_REJECTED"
	EventRateLimitExceeded    EventType = "RATE_LIMIT_EXCEEDED"
	EventProviderUnavailable  EventType = "PROVIDER_UNAVAILABLE"
	EventConnectionRevoked    EventType = "CONNECTION_REVOKED"
	EventInvalidCallerRequest EventType = "INVALID_CALLER_REQUEST"
)

// EventSeverity is the severity level of an audit event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "INFO"
	SeverityWarning  EventSeverity = "WARNING"
	SeverityError    EventSeverity = "ERROR"
	SeverityCritical EventSeverity = "CRITICAL"
)

// AuditDetails stores event-specific information as JSON.
// Values must never contain raw codes or tokens; store hashes instead.
type AuditDetails map[string]any

// Value implements driver.Valuer for database storage.
func (a AuditDetails) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil //nolint:nilnil // nil driver.Value is SQL NULL
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for database retrieval.
func (a *AuditDetails) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal AuditDetails value: %v", value)
	}

	result := make(AuditDetails)
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*a = result
	return nil
}

// AuditEvent is one persisted security-audit record.
type AuditEvent struct {
	ID        string    `gorm:"primaryKey"`
	EventType EventType `gorm:"not null;index"`
	EventTime time.Time `gorm:"index"`
	Severity  EventSeverity

	ActorUserID string `gorm:"index"`
	ActorIP     string

	ConnectionID string `gorm:"index"`
	Action       string
	Details      AuditDetails `gorm:"type:text"`
	Success      bool
	ErrorMessage string

	CreatedAt time.Time
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
