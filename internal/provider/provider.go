// Package provider implements the outbound delivery collaborators: one
// Provider per channel, each an independent external call with its own
// failure domain.
package provider

import (
	"context"

	"github.com/dmutua/safiri/internal/notify"
)

// Provider is the unified interface for channel delivery. A nil error means
// the downstream gateway accepted the message; final delivery is reported
// asynchronously through the receipts endpoint.
type Provider interface {
	Send(ctx context.Context, rec *notify.NotificationRecord) error
	Channel() notify.Channel
}

// TokenStore resolves the registered push tokens for a recipient.
type TokenStore interface {
	ListDeviceTokens(ctx context.Context, userID int64) ([]*notify.DeviceToken, error)
}

// Directory resolves out-of-band contact addresses for a recipient.
type Directory interface {
	GetContact(ctx context.Context, userID int64) (*notify.Contact, error)
}
