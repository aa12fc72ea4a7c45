// Package notify holds the core domain model for the notification engine:
// notification records, delivery attempts, and the enumerations and status
// transition rules shared by every other package.
package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium for a notification.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// AllChannels lists every supported channel in a stable order.
func AllChannels() []Channel {
	return []Channel{ChannelPush, ChannelSMS, ChannelEmail}
}

// ValidChannel reports whether c is a supported channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// Type tags a notification with its business meaning.
type Type string

const (
	TypeSystemAlert       Type = "system_alert"
	TypeRouteChange       Type = "route_change"
	TypeEmergencyAlert    Type = "emergency_alert"
	TypeSystemMaintenance Type = "system_maintenance"
	TypeStudentPickup     Type = "student_pickup"
	TypeStudentDropoff    Type = "student_dropoff"
	TypeRouteDelay        Type = "route_delay"
	TypeETAUpdate         Type = "eta_update"
)

// customTypePrefix marks forward-compatible notification types that are not
// part of the closed enumeration. "custom:driver_briefing" validates,
// "driver_briefing" does not.
const customTypePrefix = "custom:"

// ValidType reports whether t is a recognized notification type. Unknown
// tokens are rejected unless they carry the custom prefix with a non-empty
// suffix.
func ValidType(t Type) bool {
	switch t {
	case TypeSystemAlert, TypeRouteChange, TypeEmergencyAlert,
		TypeSystemMaintenance, TypeStudentPickup, TypeStudentDropoff,
		TypeRouteDelay, TypeETAUpdate:
		return true
	}
	s := string(t)
	return strings.HasPrefix(s, customTypePrefix) && len(s) > len(customTypePrefix)
}

// Priority orders notifications and controls quiet-hours bypass.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank maps a priority to a sortable integer, low first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Escalate returns the next priority up. Urgent stays urgent.
func (p Priority) Escalate() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh, PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityHigh
	}
}

// AttemptStatus is the lifecycle state of one (notification, channel) pair.
type AttemptStatus string

const (
	StatusPending    AttemptStatus = "pending"
	StatusSent       AttemptStatus = "sent"
	StatusDelivered  AttemptStatus = "delivered"
	StatusFailed     AttemptStatus = "failed"
	StatusSuppressed AttemptStatus = "suppressed"
)

// ValidStatus reports whether s is a recognized attempt status.
func ValidStatus(s AttemptStatus) bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusSuppressed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
// Suppressed is terminal: a channel silenced by preferences or quiet hours
// never moves again.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusSuppressed:
		return true
	}
	return false
}

// CanTransition reports whether the monotonic transition from -> to is legal.
//
//	pending   -> sent | suppressed | failed
//	sent      -> delivered | failed
//	delivered, failed, suppressed are terminal
func CanTransition(from, to AttemptStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusSuppressed || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusFailed
	default:
		return false
	}
}

// Suppression and failure reasons recorded on delivery attempts.
const (
	ReasonChannelDisabled = "channel_disabled"
	ReasonSubtypeDisabled = "subtype_disabled"
	ReasonQuietHours      = "quiet_hours"
	ReasonTimeout         = "timeout"
	ReasonCircuitOpen     = "circuit_open"
)

// GeoPoint is an optional location attached to a notification.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NotificationRecord is the canonical, validated form of a notification.
// Immutable after creation except for read/acknowledge timestamps and the
// priority raised by escalation.
type NotificationRecord struct {
	ID             uuid.UUID      `json:"id"`
	Recipient      int64          `json:"recipient"`
	Type           Type           `json:"notification_type"`
	Priority       Priority       `json:"priority"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Student        *int64         `json:"student,omitempty"`
	Vehicle        *int64         `json:"vehicle,omitempty"`
	Route          *int64         `json:"route,omitempty"`
	Location       *GeoPoint      `json:"location,omitempty"`
	Channels       []Channel      `json:"channels"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// Attempts are the per-channel delivery attempts, populated on reads.
	Attempts []*DeliveryAttempt `json:"deliveries,omitempty"`
}

// MarshalJSON adds the derived is_read/is_sent/is_delivered flags the API
// exposes alongside the stored fields.
func (n *NotificationRecord) MarshalJSON() ([]byte, error) {
	type alias NotificationRecord
	return json.Marshal(struct {
		*alias
		IsRead      bool `json:"is_read"`
		IsSent      bool `json:"is_sent"`
		IsDelivered bool `json:"is_delivered"`
	}{(*alias)(n), n.IsRead(), n.IsSent(), n.IsDelivered()})
}

// IsRead reports whether the record has been read.
func (n *NotificationRecord) IsRead() bool { return n.ReadAt != nil }

// IsSent reports whether at least one attempt reached sent or delivered.
func (n *NotificationRecord) IsSent() bool {
	for _, a := range n.Attempts {
		if a.Status == StatusSent || a.Status == StatusDelivered {
			return true
		}
	}
	return false
}

// IsDelivered reports whether at least one attempt reached delivered.
func (n *NotificationRecord) IsDelivered() bool {
	for _, a := range n.Attempts {
		if a.Status == StatusDelivered {
			return true
		}
	}
	return false
}

// DeliveryAttempt tracks the outcome of one channel for one notification.
type DeliveryAttempt struct {
	ID             uuid.UUID     `json:"id"`
	NotificationID uuid.UUID     `json:"notification_id"`
	Channel        Channel       `json:"channel"`
	Status         AttemptStatus `json:"status"`
	Reason         *string       `json:"reason,omitempty"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// BulkBatch is the outcome of validating a batch submission. Items preserve
// submission order; a rejected item never blocks its siblings.
type BulkBatch struct {
	Submitted int
	Items     []BatchItem
}

// BatchItem is the per-position outcome of batch validation: either a
// canonical record or the validation error that rejected it.
type BatchItem struct {
	Record *NotificationRecord
	Err    *ValidationError
}

// Accepted returns the records that passed validation, in order.
func (b *BulkBatch) Accepted() []*NotificationRecord {
	out := make([]*NotificationRecord, 0, len(b.Items))
	for _, it := range b.Items {
		if it.Record != nil {
			out = append(out, it.Record)
		}
	}
	return out
}
