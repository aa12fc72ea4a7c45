package db

import (
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const notificationColumns = `
	id, recipient, notification_type, priority, title, message,
	student, vehicle, route, latitude, longitude, channels,
	scheduled_at, metadata, read_at, acknowledged_at, created_at, updated_at`

const attemptColumns = `
	id, notification_id, channel, status, reason,
	sent_at, delivered_at, created_at, updated_at`
