package notify

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func validRequest() Request {
	return Request{
		Recipient: 1,
		Type:      TypeRouteChange,
		Title:     "Route Change Notice",
		Message:   "Route A has been temporarily changed due to road construction",
	}
}

func TestBuild_Defaults(t *testing.T) {
	b := NewBuilder()

	rec, verr := b.Build(validRequest())
	if verr != nil {
		t.Fatalf("unexpected validation error: %v", verr)
	}
	if rec.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %s", rec.Priority)
	}
	if rec.Channels != nil {
		t.Errorf("expected nil channels when none requested, got %v", rec.Channels)
	}
	if rec.ID.String() == "" {
		t.Error("expected generated id")
	}
}

func TestBuild_MissingFields(t *testing.T) {
	b := NewBuilder()

	cases := []struct {
		name  string
		mut   func(*Request)
		field string
	}{
		{"zero recipient", func(r *Request) { r.Recipient = 0 }, "recipient"},
		{"negative recipient", func(r *Request) { r.Recipient = -4 }, "recipient"},
		{"unknown type", func(r *Request) { r.Type = "party_invite" }, "notification_type"},
		{"blank title", func(r *Request) { r.Title = "   " }, "title"},
		{"blank message", func(r *Request) { r.Message = "" }, "message"},
		{"bad priority", func(r *Request) { r.Priority = "severe" }, "priority"},
		{"empty channels", func(r *Request) { r.Channels = []Channel{} }, "channels"},
		{"unknown channel", func(r *Request) { r.Channels = []Channel{"fax"} }, "channels"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mut(&req)
			if _, verr := b.Build(req); verr == nil || verr.Field != tc.field {
				t.Fatalf("expected validation error on %q, got %v", tc.field, verr)
			}
		})
	}
}

func TestBuild_CustomType(t *testing.T) {
	b := NewBuilder()

	req := validRequest()
	req.Type = "custom:driver_briefing"
	if _, verr := b.Build(req); verr != nil {
		t.Fatalf("custom type should validate: %v", verr)
	}

	req.Type = "custom:"
	if _, verr := b.Build(req); verr == nil {
		t.Fatal("empty custom suffix should be rejected")
	}
}

func TestBuild_ScheduledAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilderAt(fixedClock(now))

	future := now.Add(time.Hour).Format(time.RFC3339)
	req := validRequest()
	req.ScheduledAt = &future

	rec, verr := b.Build(req)
	if verr != nil {
		t.Fatalf("unexpected error: %v", verr)
	}
	if rec.ScheduledAt == nil || !rec.ScheduledAt.Equal(now.Add(time.Hour)) {
		t.Errorf("scheduled_at not preserved: %v", rec.ScheduledAt)
	}

	past := now.Add(-time.Minute).Format(time.RFC3339)
	req.ScheduledAt = &past
	if _, verr := b.Build(req); verr == nil || verr.Field != "scheduled_at" {
		t.Fatalf("expected scheduled_at rejection, got %v", verr)
	}

	garbage := "tomorrow-ish"
	req.ScheduledAt = &garbage
	if _, verr := b.Build(req); verr == nil {
		t.Fatal("expected parse failure for malformed scheduled_at")
	}
}

func TestBuild_ChannelDeduplication(t *testing.T) {
	b := NewBuilder()

	req := validRequest()
	req.Channels = []Channel{ChannelPush, ChannelPush, ChannelSMS}

	rec, verr := b.Build(req)
	if verr != nil {
		t.Fatalf("unexpected error: %v", verr)
	}
	if len(rec.Channels) != 2 {
		t.Errorf("expected deduplicated channels, got %v", rec.Channels)
	}
}

func TestBuildBatch_PartialFailure(t *testing.T) {
	b := NewBuilder()

	bad := validRequest()
	bad.Title = ""

	batch := b.BuildBatch([]Request{validRequest(), bad, validRequest()})

	if batch.Submitted != 3 || len(batch.Items) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(batch.Items))
	}
	if batch.Items[0].Err != nil || batch.Items[2].Err != nil {
		t.Error("valid siblings must not be rejected")
	}
	if batch.Items[1].Err == nil || batch.Items[1].Err.Field != "title" {
		t.Errorf("expected title rejection at index 1, got %v", batch.Items[1].Err)
	}
	if got := len(batch.Accepted()); got != 2 {
		t.Errorf("expected 2 accepted records, got %d", got)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]AttemptStatus{
		{StatusPending, StatusSent},
		{StatusPending, StatusSuppressed},
		{StatusPending, StatusFailed},
		{StatusSent, StatusDelivered},
		{StatusSent, StatusFailed},
	}
	for _, p := range legal {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be legal", p[0], p[1])
		}
	}

	illegal := [][2]AttemptStatus{
		{StatusDelivered, StatusSent},
		{StatusFailed, StatusSent},
		{StatusSuppressed, StatusSent},
		{StatusSuppressed, StatusDelivered},
		{StatusSent, StatusPending},
		{StatusSent, StatusSuppressed},
	}
	for _, p := range illegal {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s must be rejected", p[0], p[1])
		}
	}
}

func TestPriorityEscalate(t *testing.T) {
	if PriorityLow.Escalate() != PriorityNormal {
		t.Error("low should escalate to normal")
	}
	if PriorityHigh.Escalate() != PriorityUrgent {
		t.Error("high should escalate to urgent")
	}
	if PriorityUrgent.Escalate() != PriorityUrgent {
		t.Error("urgent must stay urgent")
	}
}
