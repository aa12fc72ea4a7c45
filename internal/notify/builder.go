package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is an inbound notification create request before validation.
type Request struct {
	Recipient   int64          `json:"recipient"`
	Type        Type           `json:"notification_type"`
	Priority    Priority       `json:"priority,omitempty"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Student     *int64         `json:"student,omitempty"`
	Vehicle     *int64         `json:"vehicle,omitempty"`
	Route       *int64         `json:"route,omitempty"`
	Location    *GeoPoint      `json:"location,omitempty"`
	Channels    []Channel      `json:"channels,omitempty"`
	ScheduledAt *string        `json:"scheduled_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ValidationError rejects a single request field. It never aborts sibling
// items in a batch.
type ValidationError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Builder validates and normalizes requests into canonical records. It is a
// pure transform: no storage, no provider calls.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a Builder using the wall clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// NewBuilderAt returns a Builder with an injected clock.
func NewBuilderAt(now func() time.Time) *Builder {
	return &Builder{now: now}
}

// Build validates a single request and returns its canonical record.
func (b *Builder) Build(req Request) (*NotificationRecord, *ValidationError) {
	if req.Recipient <= 0 {
		return nil, &ValidationError{Field: "recipient", Detail: "must be a positive identifier"}
	}
	if !ValidType(req.Type) {
		return nil, &ValidationError{Field: "notification_type", Detail: fmt.Sprintf("unrecognized type %q", req.Type)}
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, &ValidationError{Field: "title", Detail: "must not be empty"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, &ValidationError{Field: "message", Detail: "must not be empty"}
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !ValidPriority(priority) {
		return nil, &ValidationError{Field: "priority", Detail: fmt.Sprintf("unrecognized priority %q", req.Priority)}
	}

	// An explicitly provided channel set must be a non-empty subset of the
	// supported channels. An absent set is left empty here; the dispatch
	// engine fills in the recipient's enabled channels.
	channels, verr := normalizeChannels(req.Channels)
	if verr != nil {
		return nil, verr
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != nil {
		ts, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			return nil, &ValidationError{Field: "scheduled_at", Detail: "must be an RFC 3339 timestamp"}
		}
		if ts.Before(b.now()) {
			return nil, &ValidationError{Field: "scheduled_at", Detail: "must not be in the past"}
		}
		scheduledAt = &ts
	}

	now := b.now().UTC()
	return &NotificationRecord{
		ID:          uuid.New(),
		Recipient:   req.Recipient,
		Type:        req.Type,
		Priority:    priority,
		Title:       strings.TrimSpace(req.Title),
		Message:     strings.TrimSpace(req.Message),
		Student:     req.Student,
		Vehicle:     req.Vehicle,
		Route:       req.Route,
		Location:    req.Location,
		Channels:    channels,
		ScheduledAt: scheduledAt,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// BuildBatch validates each request independently, preserving input order.
// One invalid item never blocks the others.
func (b *Builder) BuildBatch(reqs []Request) BulkBatch {
	batch := BulkBatch{
		Submitted: len(reqs),
		Items:     make([]BatchItem, len(reqs)),
	}
	for i, req := range reqs {
		rec, err := b.Build(req)
		batch.Items[i] = BatchItem{Record: rec, Err: err}
	}
	return batch
}

func normalizeChannels(in []Channel) ([]Channel, *ValidationError) {
	if in == nil {
		return nil, nil
	}
	if len(in) == 0 {
		return nil, &ValidationError{Field: "channels", Detail: "must not be empty when provided"}
	}
	seen := make(map[Channel]bool, len(in))
	out := make([]Channel, 0, len(in))
	for _, c := range in {
		if !ValidChannel(c) {
			return nil, &ValidationError{Field: "channels", Detail: fmt.Sprintf("unsupported channel %q", c)}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}
