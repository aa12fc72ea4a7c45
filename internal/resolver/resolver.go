// Package resolver computes the effective channel set for a notification,
// honoring per-recipient preferences and quiet hours.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/preference"
)

// PreferenceStore loads stored recipient preferences.
// preference.ErrNotFound maps to the defaults.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID int64) (*preference.Preference, error)
}

// Decision is the resolver's verdict for one channel.
type Decision struct {
	Channel  notify.Channel
	Eligible bool
	// Reason is set only when the channel is suppressed.
	Reason string
}

// Resolver applies preference and quiet-hours rules. When multiple rules
// disagree the most restrictive wins.
type Resolver struct {
	prefs  PreferenceStore
	logger *zap.Logger
}

func New(prefs PreferenceStore, logger *zap.Logger) *Resolver {
	return &Resolver{prefs: prefs, logger: logger}
}

// Resolve returns one Decision per requested channel, in request order. An
// empty requested set defaults to the recipient's enabled channels; if the
// recipient disabled everything, all supported channels come back suppressed
// so the notification is still persisted visibly rather than dropped.
func (r *Resolver) Resolve(
	ctx context.Context,
	recipient int64,
	ntype notify.Type,
	priority notify.Priority,
	requested []notify.Channel,
	at time.Time,
) ([]Decision, error) {
	pref, err := r.prefs.GetPreference(ctx, recipient)
	if errors.Is(err, preference.ErrNotFound) {
		pref = preference.Default(recipient)
	} else if err != nil {
		return nil, fmt.Errorf("load preference for user %d: %w", recipient, err)
	}

	if len(requested) == 0 {
		requested = defaultChannels(pref)
	}

	quiet := priority != notify.PriorityUrgent && inQuietHours(pref, at)
	if quiet {
		r.logger.Debug("quiet hours active",
			zap.Int64("recipient", recipient),
			zap.String("priority", string(priority)),
			zap.Time("at", at),
		)
	}

	decisions := make([]Decision, 0, len(requested))
	for _, ch := range requested {
		d := Decision{Channel: ch, Eligible: true}

		if !channelEnabled(pref, ch) {
			d.Eligible = false
			d.Reason = notify.ReasonChannelDisabled
		}
		if ntype == notify.TypeETAUpdate && !pref.ETAUpdate {
			d.Eligible = false
			d.Reason = notify.ReasonSubtypeDisabled
		}
		if quiet {
			d.Eligible = false
			d.Reason = notify.ReasonQuietHours
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func channelEnabled(p *preference.Preference, ch notify.Channel) bool {
	switch ch {
	case notify.ChannelPush:
		return p.PushEnabled
	case notify.ChannelSMS:
		return p.SMSEnabled
	case notify.ChannelEmail:
		return p.EmailEnabled
	}
	return false
}

// defaultChannels picks the recipient's enabled channels. A recipient with
// everything disabled still gets the full set so each channel surfaces as
// suppressed(channel_disabled).
func defaultChannels(p *preference.Preference) []notify.Channel {
	out := make([]notify.Channel, 0, 3)
	for _, ch := range notify.AllChannels() {
		if channelEnabled(p, ch) {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		return notify.AllChannels()
	}
	return out
}

// inQuietHours evaluates the recipient's window at the given instant in the
// recipient's timezone. A window with start > end wraps midnight.
func inQuietHours(p *preference.Preference, at time.Time) bool {
	start, end, ok := p.QuietWindow()
	if !ok {
		return false
	}

	local := at.In(p.Location())
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second

	if start < end {
		return tod >= start && tod < end
	}
	// Wrap-around window, e.g. 22:00 - 07:00.
	return tod >= start || tod < end
}
