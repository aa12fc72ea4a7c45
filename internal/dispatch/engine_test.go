package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/circuitbreaker"
	"github.com/dmutua/safiri/internal/events"
	"github.com/dmutua/safiri/internal/ledger"
	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/preference"
	"github.com/dmutua/safiri/internal/provider"
	"github.com/dmutua/safiri/internal/resolver"
)

// memStore implements both dispatch.Store and ledger.Store.
type memStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*notify.NotificationRecord
	attempts map[uuid.UUID]map[notify.Channel]*notify.DeliveryAttempt
	order    map[uuid.UUID][]notify.Channel
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[uuid.UUID]*notify.NotificationRecord),
		attempts: make(map[uuid.UUID]map[notify.Channel]*notify.DeliveryAttempt),
		order:    make(map[uuid.UUID][]notify.Channel),
	}
}

func (s *memStore) CreateNotification(_ context.Context, rec *notify.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	byCh := make(map[notify.Channel]*notify.DeliveryAttempt, len(rec.Attempts))
	for _, a := range rec.Attempts {
		cp := *a
		byCh[a.Channel] = &cp
		s.order[rec.ID] = append(s.order[rec.ID], a.Channel)
	}
	s.attempts[rec.ID] = byCh
	return nil
}

func (s *memStore) GetAttempts(_ context.Context, id uuid.UUID) ([]*notify.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notify.DeliveryAttempt, 0, len(s.order[id]))
	for _, ch := range s.order[id] {
		cp := *s.attempts[id][ch]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetAttempt(_ context.Context, id uuid.UUID, ch notify.Channel) (*notify.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id][ch]
	if !ok {
		return nil, ledger.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) CASAttemptStatus(_ context.Context, id uuid.UUID, ch notify.Channel,
	from, to notify.AttemptStatus, at time.Time, reason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id][ch]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.Reason = reason
	a.UpdatedAt = at
	switch to {
	case notify.StatusSent:
		a.SentAt = &at
	case notify.StatusDelivered:
		a.DeliveredAt = &at
	}
	return true, nil
}

func (s *memStore) MarkRead(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.ReadAt != nil {
		return false, nil
	}
	rec.ReadAt = &at
	return true, nil
}

func (s *memStore) MarkAcknowledged(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.AcknowledgedAt != nil {
		return false, nil
	}
	rec.AcknowledgedAt = &at
	return true, nil
}

type fakePrefStore struct {
	prefs map[int64]*preference.Preference
}

func (f *fakePrefStore) GetPreference(_ context.Context, userID int64) (*preference.Preference, error) {
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return nil, preference.ErrNotFound
}

type stubProvider struct {
	mu      sync.Mutex
	channel notify.Channel
	err     error
	delay   time.Duration
	calls   int
}

func (p *stubProvider) Send(ctx context.Context, _ *notify.NotificationRecord) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
	}
	return p.err
}

func (p *stubProvider) Channel() notify.Channel { return p.channel }

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memPublisher) Publish(_ context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type stubLocker struct {
	held bool
	err  error
}

func (l *stubLocker) TryLock(context.Context, string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return !l.held, nil
}

func (l *stubLocker) Unlock(context.Context, string) error { return nil }

type harness struct {
	engine    *Engine
	store     *memStore
	providers map[notify.Channel]*stubProvider
	publisher *memPublisher
}

func newHarness(t *testing.T, prefs map[int64]*preference.Preference, opts ...func(*harness)) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := newMemStore()
	providers := map[notify.Channel]*stubProvider{
		notify.ChannelPush:  {channel: notify.ChannelPush},
		notify.ChannelSMS:   {channel: notify.ChannelSMS},
		notify.ChannelEmail: {channel: notify.ChannelEmail},
	}
	h := &harness{store: store, providers: providers, publisher: &memPublisher{}}
	for _, opt := range opts {
		opt(h)
	}

	pmap := make(map[notify.Channel]provider.Provider, len(providers))
	for ch, p := range providers {
		pmap[ch] = p
	}
	h.engine = New(
		store,
		resolver.New(&fakePrefStore{prefs: prefs}, logger),
		ledger.New(store, logger),
		pmap,
		nil,
		h.publisher,
		Config{ProviderTimeout: 200 * time.Millisecond},
		logger,
	)
	return h
}

func buildRecord(t *testing.T, req notify.Request) *notify.NotificationRecord {
	t.Helper()
	rec, verr := notify.NewBuilder().Build(req)
	if verr != nil {
		t.Fatalf("build record: %v", verr)
	}
	return rec
}

func statusByChannel(attempts []*notify.DeliveryAttempt) map[notify.Channel]*notify.DeliveryAttempt {
	out := make(map[notify.Channel]*notify.DeliveryAttempt, len(attempts))
	for _, a := range attempts {
		out[a.Channel] = a
	}
	return out
}

func TestDispatch_AllChannelsSent(t *testing.T) {
	h := newHarness(t, nil)
	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeRouteDelay,
		Title:     "Route 12 delayed",
		Message:   "Morning pickup running 15 minutes late",
		Channels:  []notify.Channel{notify.ChannelPush, notify.ChannelSMS, notify.ChannelEmail},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Deferred || res.Skipped {
		t.Fatal("expected an immediate dispatch")
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(res.Attempts))
	}
	for _, a := range res.Attempts {
		if a.Status != notify.StatusSent {
			t.Errorf("%s: status %s, want sent", a.Channel, a.Status)
		}
		if a.SentAt == nil {
			t.Errorf("%s: sent_at not set", a.Channel)
		}
	}
	if h.store.records[rec.ID] == nil {
		t.Error("record not persisted")
	}
	if got := len(h.publisher.events); got != 3 {
		t.Errorf("expected 3 outcome events, got %d", got)
	}
}

func TestDispatch_QuietHoursSuppressesWithoutProviderCall(t *testing.T) {
	start, end := "00:00:00", "23:59:59"
	pref := preference.Default(7)
	pref.QuietHoursStart = &start
	pref.QuietHoursEnd = &end
	h := newHarness(t, map[int64]*preference.Preference{7: pref})

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeETAUpdate,
		Title:     "ETA update",
		Message:   "Bus arriving in 5 minutes",
		Channels:  []notify.Channel{notify.ChannelPush},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	att := statusByChannel(res.Attempts)[notify.ChannelPush]
	if att.Status != notify.StatusSuppressed {
		t.Fatalf("status %s, want suppressed", att.Status)
	}
	if att.Reason == nil || *att.Reason != notify.ReasonQuietHours {
		t.Fatalf("reason = %v, want quiet_hours", att.Reason)
	}
	if h.providers[notify.ChannelPush].callCount() != 0 {
		t.Error("provider must not be called for a suppressed channel")
	}
}

func TestDispatch_UrgentBypassesQuietHours(t *testing.T) {
	start, end := "00:00:00", "23:59:59"
	pref := preference.Default(7)
	pref.QuietHoursStart = &start
	pref.QuietHoursEnd = &end
	h := newHarness(t, map[int64]*preference.Preference{7: pref})

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeEmergencyAlert,
		Priority:  notify.PriorityUrgent,
		Title:     "Emergency",
		Message:   "Vehicle stopped, all students safe",
		Channels:  []notify.Channel{notify.ChannelPush},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := statusByChannel(res.Attempts)[notify.ChannelPush].Status; got != notify.StatusSent {
		t.Fatalf("status %s, want sent", got)
	}
}

func TestDispatch_ProviderTimeoutRecordsFailed(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.providers[notify.ChannelSMS].delay = time.Second
	})

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeSystemAlert,
		Title:     "Alert",
		Message:   "Body",
		Channels:  []notify.Channel{notify.ChannelSMS},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	att := statusByChannel(res.Attempts)[notify.ChannelSMS]
	if att.Status != notify.StatusFailed {
		t.Fatalf("status %s, want failed", att.Status)
	}
	if att.Reason == nil || *att.Reason != notify.ReasonTimeout {
		t.Fatalf("reason = %v, want timeout", att.Reason)
	}
}

func TestDispatch_CircuitOpenRecordsFailed(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.providers[notify.ChannelEmail].err = fmt.Errorf("%w: ses gateway unavailable", circuitbreaker.ErrCircuitOpen)
	})

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeSystemAlert,
		Title:     "Alert",
		Message:   "Body",
		Channels:  []notify.Channel{notify.ChannelEmail},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	att := statusByChannel(res.Attempts)[notify.ChannelEmail]
	if att.Status != notify.StatusFailed {
		t.Fatalf("status %s, want failed", att.Status)
	}
	if att.Reason == nil || *att.Reason != notify.ReasonCircuitOpen {
		t.Fatalf("reason = %v, want circuit_open", att.Reason)
	}
}

func TestDispatch_GatewayErrorRecordsFailed(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.providers[notify.ChannelPush].err = errors.New("invalid credentials")
	})

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeSystemAlert,
		Title:     "Alert",
		Message:   "Body",
		Channels:  []notify.Channel{notify.ChannelPush},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	att := statusByChannel(res.Attempts)[notify.ChannelPush]
	if att.Status != notify.StatusFailed {
		t.Fatalf("status %s, want failed", att.Status)
	}
	if att.Reason == nil || *att.Reason != ReasonGatewayError {
		t.Fatalf("reason = %v, want gateway_error", att.Reason)
	}
}

func TestDispatch_RedispatchIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeSystemAlert,
		Title:     "Alert",
		Message:   "Body",
		Channels:  []notify.Channel{notify.ChannelPush, notify.ChannelEmail},
	})

	if _, err := h.engine.Dispatch(context.Background(), rec); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if h.providers[notify.ChannelPush].callCount() != 1 {
		t.Errorf("push provider called %d times, want 1", h.providers[notify.ChannelPush].callCount())
	}
	if h.providers[notify.ChannelEmail].callCount() != 1 {
		t.Errorf("email provider called %d times, want 1", h.providers[notify.ChannelEmail].callCount())
	}
	for _, a := range res.Attempts {
		if a.Status != notify.StatusSent {
			t.Errorf("%s: status %s after redispatch", a.Channel, a.Status)
		}
	}
}

func TestDispatch_ScheduledInFutureIsDeferred(t *testing.T) {
	h := newHarness(t, nil)
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return base }

	scheduled := base.Add(time.Hour).Format(time.RFC3339)
	rec, verr := notify.NewBuilderAt(func() time.Time { return base }).Build(notify.Request{
		Recipient:   7,
		Type:        notify.TypeStudentPickup,
		Title:       "Pickup reminder",
		Message:     "Bus arrives at 09:00",
		Channels:  []notify.Channel{notify.ChannelPush},
		ScheduledAt: &scheduled,
	})
	if verr != nil {
		t.Fatalf("build: %v", verr)
	}

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Deferred {
		t.Fatal("expected deferred result")
	}
	if got := statusByChannel(res.Attempts)[notify.ChannelPush].Status; got != notify.StatusPending {
		t.Fatalf("status %s, want pending", got)
	}
	if h.providers[notify.ChannelPush].callCount() != 0 {
		t.Error("provider must not be called before the scheduled time")
	}

	// The scheduler wakes up after the scheduled time and re-dispatches.
	h.engine.now = func() time.Time { return base.Add(2 * time.Hour) }
	res, err = h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if res.Deferred {
		t.Fatal("past schedule must dispatch")
	}
	if got := statusByChannel(res.Attempts)[notify.ChannelPush].Status; got != notify.StatusSent {
		t.Fatalf("status %s, want sent", got)
	}
}

func TestDispatch_LockHeldElsewhereSkips(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.locker = &stubLocker{held: true}

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeSystemAlert,
		Title:     "Alert",
		Message:   "Body",
		Channels:  []notify.Channel{notify.ChannelPush},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected skipped result when lock is held")
	}
	if h.providers[notify.ChannelPush].callCount() != 0 {
		t.Error("provider must not be called when another instance holds the lock")
	}
}

func TestDispatch_LockErrorFailsOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.locker = &stubLocker{err: errors.New("redis down")}

	rec := buildRecord(t, notify.Request{
		Recipient: 7,
		Type:      notify.TypeSystemAlert,
		Title:     "Alert",
		Message:   "Body",
		Channels:  []notify.Channel{notify.ChannelPush},
	})

	res, err := h.engine.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Skipped {
		t.Fatal("lock errors must not block dispatch")
	}
	if got := statusByChannel(res.Attempts)[notify.ChannelPush].Status; got != notify.StatusSent {
		t.Fatalf("status %s, want sent", got)
	}
}

func TestDispatchBatch_PreservesOrderAndIndependence(t *testing.T) {
	h := newHarness(t, nil)

	batch := notify.NewBuilder().BuildBatch([]notify.Request{
		{Recipient: 1, Type: notify.TypeSystemAlert, Title: "One", Message: "m", Channels:  []notify.Channel{notify.ChannelPush}},
		{Recipient: 2, Type: notify.TypeSystemAlert, Message: "missing title", Channels:  []notify.Channel{notify.ChannelPush}},
		{Recipient: 3, Type: notify.TypeSystemAlert, Title: "Three", Message: "m", Channels:  []notify.Channel{notify.ChannelPush}},
	})

	results := h.engine.DispatchBatch(context.Background(), batch)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Result == nil {
		t.Errorf("item 0 should succeed: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("item 1 should carry its validation error")
	}
	if results[2].Err != nil || results[2].Result == nil {
		t.Errorf("item 2 should succeed: %v", results[2].Err)
	}
	if h.providers[notify.ChannelPush].callCount() != 2 {
		t.Errorf("push provider called %d times, want 2", h.providers[notify.ChannelPush].callCount())
	}
}
