package notify

import "time"

// DeviceType classifies a registered push target.
type DeviceType string

const (
	DeviceMobile DeviceType = "mobile"
	DeviceTablet DeviceType = "tablet"
	DeviceWeb    DeviceType = "web"
)

// ValidDeviceType reports whether d is a recognized device type.
func ValidDeviceType(d DeviceType) bool {
	switch d {
	case DeviceMobile, DeviceTablet, DeviceWeb:
		return true
	}
	return false
}

// DeviceToken associates a push delivery token with a recipient. Upserts are
// keyed by (user, device_id) so re-registering a device replaces its token.
type DeviceToken struct {
	UserID     int64      `json:"user"`
	Token      string     `json:"token"`
	DeviceType DeviceType `json:"device_type"`
	DeviceID   string     `json:"device_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Contact holds the out-of-band delivery addresses for a recipient, used by
// the email and SMS providers.
type Contact struct {
	UserID int64  `json:"user"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}
