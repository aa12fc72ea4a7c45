package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
)

type fakeSQS struct {
	bodies []string
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bodies = append(f.bodies, *in.MessageBody)
	id := "msg-1"
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

func TestPublisher_PublishEncodesAttempt(t *testing.T) {
	fake := &fakeSQS{}
	p := newPublisherWithClient(fake, "https://sqs.eu-west-1.amazonaws.com/1/safiri-events", zap.NewNop())

	reason := notify.ReasonQuietHours
	rec := &notify.NotificationRecord{ID: uuid.New(), Recipient: 42}
	att := &notify.DeliveryAttempt{
		NotificationID: rec.ID,
		Channel:        notify.ChannelSMS,
		Status:         notify.StatusSuppressed,
		Reason:         &reason,
	}

	at := time.Date(2026, 3, 9, 7, 30, 0, 0, time.UTC)
	if err := p.Publish(context.Background(), NewEvent(rec, att, at)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fake.bodies) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.bodies))
	}

	var decoded Event
	if err := json.Unmarshal([]byte(fake.bodies[0]), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.NotificationID != rec.ID.String() {
		t.Errorf("notification id mismatch: %s", decoded.NotificationID)
	}
	if decoded.Recipient != 42 {
		t.Errorf("recipient mismatch: %d", decoded.Recipient)
	}
	if decoded.Channel != "sms" || decoded.Status != "suppressed" {
		t.Errorf("channel/status mismatch: %s/%s", decoded.Channel, decoded.Status)
	}
	if decoded.Reason != notify.ReasonQuietHours {
		t.Errorf("reason mismatch: %s", decoded.Reason)
	}
	if decoded.OccurredAt != at.UnixNano() {
		t.Errorf("occurred_at mismatch: %d", decoded.OccurredAt)
	}
}

func TestPublisher_PublishReturnsSendError(t *testing.T) {
	fake := &fakeSQS{err: errors.New("queue unavailable")}
	p := newPublisherWithClient(fake, "https://sqs.eu-west-1.amazonaws.com/1/safiri-events", zap.NewNop())

	ev := NewEvent(nil, &notify.DeliveryAttempt{
		NotificationID: uuid.New(),
		Channel:        notify.ChannelPush,
		Status:         notify.StatusSent,
	}, time.Now())

	if err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected error when sqs send fails")
	}
}

func TestNewEvent_OmitsEmptyReason(t *testing.T) {
	ev := NewEvent(nil, &notify.DeliveryAttempt{
		NotificationID: uuid.New(),
		Channel:        notify.ChannelEmail,
		Status:         notify.StatusDelivered,
	}, time.Now())

	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, ok := raw["reason"]; ok {
		t.Error("empty reason should be omitted from the payload")
	}
}
