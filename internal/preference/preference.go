// Package preference holds per-recipient channel enablement, the eta_update
// subtype opt-out, and the quiet-hours window.
package preference

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when no preference row exists for a
// recipient. Callers fall back to Default.
var ErrNotFound = errors.New("preference not found")

// timeOfDayLayout is the HH:MM:SS wire format for quiet-hours bounds.
const timeOfDayLayout = "15:04:05"

// Preference is one recipient's notification preferences. Created lazily on
// first write; absent rows resolve to Default.
type Preference struct {
	UserID          int64      `json:"user"`
	PushEnabled     bool       `json:"push_enabled"`
	SMSEnabled      bool       `json:"sms_enabled"`
	EmailEnabled    bool       `json:"email_enabled"`
	ETAUpdate       bool       `json:"eta_update"`
	QuietHoursStart *string    `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string    `json:"quiet_hours_end,omitempty"`
	Timezone        string     `json:"timezone"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Default returns the preferences assumed for a recipient with no stored row:
// every channel enabled, eta updates on, no quiet hours, UTC.
func Default(userID int64) *Preference {
	return &Preference{
		UserID:       userID,
		PushEnabled:  true,
		SMSEnabled:   true,
		EmailEnabled: true,
		ETAUpdate:    true,
		Timezone:     "UTC",
	}
}

// QuietWindow returns the parsed quiet-hours bounds, or ok=false when the
// recipient has no effective window. A pair with start == end is treated as
// no window, matching how callers disable quiet hours without clearing the
// fields.
func (p *Preference) QuietWindow() (start, end time.Duration, ok bool) {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return 0, 0, false
	}
	s, err := parseTimeOfDay(*p.QuietHoursStart)
	if err != nil {
		return 0, 0, false
	}
	e, err := parseTimeOfDay(*p.QuietHoursEnd)
	if err != nil {
		return 0, 0, false
	}
	if s == e {
		return 0, 0, false
	}
	return s, e, true
}

// Location resolves the recipient's timezone, defaulting to UTC when the
// stored identifier is empty or no longer loadable.
func (p *Preference) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Update is a partial preference update. Nil fields retain their previous
// values. Validation is all-or-nothing: one invalid field rejects the whole
// update and no field is applied.
type Update struct {
	UserID          int64   `json:"user"`
	PushEnabled     *bool   `json:"push_enabled,omitempty"`
	SMSEnabled      *bool   `json:"sms_enabled,omitempty"`
	EmailEnabled    *bool   `json:"email_enabled,omitempty"`
	ETAUpdate       *bool   `json:"eta_update,omitempty"`
	QuietHoursStart *string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string `json:"quiet_hours_end,omitempty"`
	Timezone        *string `json:"timezone,omitempty"`
}

// Validate checks every provided field. It returns the first failure and
// guarantees that Apply is only ever called with a fully valid update.
func (u *Update) Validate() error {
	if u.UserID <= 0 {
		return fmt.Errorf("user: must be a positive identifier")
	}
	if u.QuietHoursStart != nil && *u.QuietHoursStart != "" {
		if _, err := parseTimeOfDay(*u.QuietHoursStart); err != nil {
			return fmt.Errorf("quiet_hours_start: %w", err)
		}
	}
	if u.QuietHoursEnd != nil && *u.QuietHoursEnd != "" {
		if _, err := parseTimeOfDay(*u.QuietHoursEnd); err != nil {
			return fmt.Errorf("quiet_hours_end: %w", err)
		}
	}
	if u.Timezone != nil && *u.Timezone != "" {
		if _, err := time.LoadLocation(*u.Timezone); err != nil {
			return fmt.Errorf("timezone: unknown identifier %q", *u.Timezone)
		}
	}
	return nil
}

// Apply merges the update onto p. An empty string for a quiet-hours bound
// clears it.
func (u *Update) Apply(p *Preference) {
	if u.PushEnabled != nil {
		p.PushEnabled = *u.PushEnabled
	}
	if u.SMSEnabled != nil {
		p.SMSEnabled = *u.SMSEnabled
	}
	if u.EmailEnabled != nil {
		p.EmailEnabled = *u.EmailEnabled
	}
	if u.ETAUpdate != nil {
		p.ETAUpdate = *u.ETAUpdate
	}
	if u.QuietHoursStart != nil {
		if *u.QuietHoursStart == "" {
			p.QuietHoursStart = nil
		} else {
			v := *u.QuietHoursStart
			p.QuietHoursStart = &v
		}
	}
	if u.QuietHoursEnd != nil {
		if *u.QuietHoursEnd == "" {
			p.QuietHoursEnd = nil
		} else {
			v := *u.QuietHoursEnd
			p.QuietHoursEnd = &v
		}
	}
	if u.Timezone != nil && *u.Timezone != "" {
		p.Timezone = *u.Timezone
	}
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse(timeOfDayLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM:SS", s)
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}
