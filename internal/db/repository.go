package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/preference"
	"github.com/dmutua/safiri/internal/query"
)

// Repository handles database operations for notifications, delivery
// attempts, preferences, device tokens, and contacts.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a notification and its initial delivery
// attempts in one transaction.
func (r *Repository) CreateNotification(ctx context.Context, rec *notify.NotificationRecord) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lat, lng *float64
	if rec.Location != nil {
		lat, lng = &rec.Location.Latitude, &rec.Location.Longitude
	}

	channels := make([]string, len(rec.Channels))
	for i, ch := range rec.Channels {
		channels[i] = string(ch)
	}

	insertNotif := `
		INSERT INTO notifications (
			id, recipient, notification_type, priority, title, message,
			student, vehicle, route, latitude, longitude, channels,
			scheduled_at, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertNotif,
		rec.ID,
		rec.Recipient,
		string(rec.Type),
		string(rec.Priority),
		rec.Title,
		rec.Message,
		rec.Student,
		rec.Vehicle,
		rec.Route,
		lat,
		lng,
		channels,
		rec.ScheduledAt,
		rec.Metadata,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", rec.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	insertAttempt := `
		INSERT INTO delivery_attempts (id, notification_id, channel, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	for _, att := range rec.Attempts {
		err = tx.QueryRow(ctx, insertAttempt,
			att.ID, att.NotificationID, string(att.Channel), string(att.Status),
		).Scan(&att.CreatedAt, &att.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert delivery attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", rec.ID.String()),
		zap.Int64("recipient", rec.Recipient),
		zap.String("type", string(rec.Type)),
		zap.Int("attempts", len(rec.Attempts)),
	)

	return nil
}

// GetNotification retrieves a notification with its delivery attempts.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*notify.NotificationRecord, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	rec, err := scanNotification(r.db.Pool().QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	attempts, err := r.GetAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Attempts = attempts

	return rec, nil
}

// GetAttempts returns the delivery attempts for one notification in
// creation order.
func (r *Repository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notify.DeliveryAttempt, error) {
	q := `SELECT ` + attemptColumns + `
		FROM delivery_attempts
		WHERE notification_id = $1
		ORDER BY created_at ASC, channel ASC`

	rows, err := r.db.Pool().Query(ctx, q, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*notify.DeliveryAttempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

// GetAttempt retrieves one (notification, channel) attempt.
func (r *Repository) GetAttempt(ctx context.Context, notificationID uuid.UUID, ch notify.Channel) (*notify.DeliveryAttempt, error) {
	q := `SELECT ` + attemptColumns + `
		FROM delivery_attempts
		WHERE notification_id = $1 AND channel = $2`

	att, err := scanAttempt(r.db.Pool().QueryRow(ctx, q, notificationID, string(ch)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: attempt %s/%s", ErrNotFound, notificationID, ch)
	}
	if err != nil {
		return nil, fmt.Errorf("query attempt: %w", err)
	}
	return att, nil
}

// CASAttemptStatus moves an attempt from one status to another only if it
// is still in the expected prior status. Returns false when the row was
// already moved by a concurrent writer.
func (r *Repository) CASAttemptStatus(
	ctx context.Context,
	notificationID uuid.UUID,
	ch notify.Channel,
	from, to notify.AttemptStatus,
	at time.Time,
	reason *string,
) (bool, error) {
	q := `
		UPDATE delivery_attempts
		SET status = $1,
		    reason = $2,
		    sent_at = CASE WHEN $1 = 'sent' THEN $3 ELSE sent_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN $3 ELSE delivered_at END,
		    updated_at = $3
		WHERE notification_id = $4 AND channel = $5 AND status = $6
	`

	result, err := r.db.Pool().Exec(ctx, q,
		string(to), reason, at, notificationID, string(ch), string(from))
	if err != nil {
		return false, fmt.Errorf("update attempt status: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkRead sets read_at the first time only.
func (r *Repository) MarkRead(ctx context.Context, notificationID uuid.UUID, at time.Time) (bool, error) {
	q := `
		UPDATE notifications
		SET read_at = $2, updated_at = $2
		WHERE id = $1 AND read_at IS NULL
	`
	result, err := r.db.Pool().Exec(ctx, q, notificationID, at)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkAcknowledged sets acknowledged_at the first time only.
func (r *Repository) MarkAcknowledged(ctx context.Context, notificationID uuid.UUID, at time.Time) (bool, error) {
	q := `
		UPDATE notifications
		SET acknowledged_at = $2, updated_at = $2
		WHERE id = $1 AND acknowledged_at IS NULL
	`
	result, err := r.db.Pool().Exec(ctx, q, notificationID, at)
	if err != nil {
		return false, fmt.Errorf("mark acknowledged: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdatePriority raises a notification's priority.
func (r *Repository) UpdatePriority(ctx context.Context, notificationID uuid.UUID, p notify.Priority) error {
	q := `UPDATE notifications SET priority = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Pool().Exec(ctx, q, notificationID, string(p))
	if err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
	}
	return nil
}

// DueScheduled returns notifications whose scheduled time has passed and
// that still have a pending delivery attempt.
func (r *Repository) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*notify.NotificationRecord, error) {
	q := `SELECT ` + notificationColumns + `
		FROM notifications n
		WHERE scheduled_at IS NOT NULL
		  AND scheduled_at <= $1
		  AND EXISTS (
			SELECT 1 FROM delivery_attempts da
			WHERE da.notification_id = n.id AND da.status = 'pending'
		  )
		ORDER BY scheduled_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	var recs []*notify.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recs, nil
}

// Search runs a list filter, returning one page of notifications with
// their attempts plus the total match count.
func (r *Repository) Search(ctx context.Context, f query.Filter) ([]*notify.NotificationRecord, int, error) {
	where, args := buildWhere(f)

	var total int
	countQ := `SELECT COUNT(*) FROM notifications n` + where
	if err := r.db.Pool().QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	orderBy := "n.created_at"
	if f.OrderBy == query.OrderPriority {
		orderBy = `CASE n.priority
			WHEN 'urgent' THEN 3
			WHEN 'high' THEN 2
			WHEN 'normal' THEN 1
			ELSE 0 END`
	}
	direction := "ASC"
	if f.OrderDesc {
		direction = "DESC"
	}

	args = append(args, f.PageSize, f.Offset())
	pageQ := fmt.Sprintf(`SELECT %s FROM notifications n%s ORDER BY %s %s, n.id LIMIT $%d OFFSET $%d`,
		notificationColumns, where, orderBy, direction, len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, pageQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var recs []*notify.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	for _, rec := range recs {
		attempts, err := r.GetAttempts(ctx, rec.ID)
		if err != nil {
			return nil, 0, err
		}
		rec.Attempts = attempts
	}

	return recs, total, nil
}

func buildWhere(f query.Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(format string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if f.Recipient != nil {
		add("n.recipient = $%d", *f.Recipient)
	}
	if f.Student != nil {
		add("n.student = $%d", *f.Student)
	}
	if f.Vehicle != nil {
		add("n.vehicle = $%d", *f.Vehicle)
	}
	if f.Route != nil {
		add("n.route = $%d", *f.Route)
	}
	if f.Type != "" {
		add("n.notification_type = $%d", f.Type)
	}
	if f.Priority != "" {
		add("n.priority = $%d", f.Priority)
	}
	if f.Status != "" {
		add(`EXISTS (SELECT 1 FROM delivery_attempts da
			WHERE da.notification_id = n.id AND da.status = $%d)`, f.Status)
	}
	if f.Read != nil {
		if *f.Read {
			conds = append(conds, "n.read_at IS NOT NULL")
		} else {
			conds = append(conds, "n.read_at IS NULL")
		}
	}
	if f.Sent != nil {
		sub := `EXISTS (SELECT 1 FROM delivery_attempts da
			WHERE da.notification_id = n.id AND da.status IN ('sent', 'delivered'))`
		if !*f.Sent {
			sub = "NOT " + sub
		}
		conds = append(conds, sub)
	}
	if f.Delivered != nil {
		sub := `EXISTS (SELECT 1 FROM delivery_attempts da
			WHERE da.notification_id = n.id AND da.status = 'delivered')`
		if !*f.Delivered {
			sub = "NOT " + sub
		}
		conds = append(conds, sub)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("(n.title ILIKE $%d OR n.message ILIKE $%d)", len(args), len(args)))
	}
	if f.CreatedAfter != nil {
		add("n.created_at >= $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("n.created_at <= $%d", *f.CreatedBefore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetPreference loads a recipient's stored preferences.
func (r *Repository) GetPreference(ctx context.Context, userID int64) (*preference.Preference, error) {
	q := `
		SELECT user_id, push_enabled, sms_enabled, email_enabled, eta_update,
		       quiet_hours_start, quiet_hours_end, timezone, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p preference.Preference
	err := r.db.Pool().QueryRow(ctx, q, userID).Scan(
		&p.UserID,
		&p.PushEnabled,
		&p.SMSEnabled,
		&p.EmailEnabled,
		&p.ETAUpdate,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&p.Timezone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, preference.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return &p, nil
}

// UpsertPreference stores the full preference row for a recipient.
func (r *Repository) UpsertPreference(ctx context.Context, p *preference.Preference) error {
	q := `
		INSERT INTO notification_preferences (
			user_id, push_enabled, sms_enabled, email_enabled, eta_update,
			quiet_hours_start, quiet_hours_end, timezone
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled = EXCLUDED.push_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			email_enabled = EXCLUDED.email_enabled,
			eta_update = EXCLUDED.eta_update,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, q,
		p.UserID,
		p.PushEnabled,
		p.SMSEnabled,
		p.EmailEnabled,
		p.ETAUpdate,
		p.QuietHoursStart,
		p.QuietHoursEnd,
		p.Timezone,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}

	r.logger.Info("preference updated", zap.Int64("user_id", p.UserID))
	return nil
}

// UpsertDeviceToken registers or refreshes one device's push token,
// keyed by (user, device).
func (r *Repository) UpsertDeviceToken(ctx context.Context, t *notify.DeviceToken) error {
	q := `
		INSERT INTO device_tokens (user_id, token, device_type, device_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			token = EXCLUDED.token,
			device_type = EXCLUDED.device_type,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, q,
		t.UserID, t.Token, string(t.DeviceType), t.DeviceID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}

	r.logger.Info("device token registered",
		zap.Int64("user_id", t.UserID),
		zap.String("device_id", t.DeviceID),
	)
	return nil
}

// ListDeviceTokens returns all push tokens registered by one user.
func (r *Repository) ListDeviceTokens(ctx context.Context, userID int64) ([]*notify.DeviceToken, error) {
	q := `
		SELECT user_id, token, device_type, device_id, created_at, updated_at
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*notify.DeviceToken
	for rows.Next() {
		var t notify.DeviceToken
		var deviceType string
		if err := rows.Scan(&t.UserID, &t.Token, &deviceType, &t.DeviceID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		t.DeviceType = notify.DeviceType(deviceType)
		tokens = append(tokens, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device tokens: %w", err)
	}

	return tokens, nil
}

// GetContact returns the email and phone on file for a recipient.
func (r *Repository) GetContact(ctx context.Context, userID int64) (*notify.Contact, error) {
	q := `SELECT user_id, email, phone FROM recipient_contacts WHERE user_id = $1`

	var c notify.Contact
	err := r.db.Pool().QueryRow(ctx, q, userID).Scan(&c.UserID, &c.Email, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: contact for user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return &c, nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*notify.NotificationRecord, error) {
	var rec notify.NotificationRecord
	var ntype, priority string
	var lat, lng *float64
	var channels []string

	err := row.Scan(
		&rec.ID,
		&rec.Recipient,
		&ntype,
		&priority,
		&rec.Title,
		&rec.Message,
		&rec.Student,
		&rec.Vehicle,
		&rec.Route,
		&lat,
		&lng,
		&channels,
		&rec.ScheduledAt,
		&rec.Metadata,
		&rec.ReadAt,
		&rec.AcknowledgedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = notify.Type(ntype)
	rec.Priority = notify.Priority(priority)
	if lat != nil && lng != nil {
		rec.Location = &notify.GeoPoint{Latitude: *lat, Longitude: *lng}
	}
	rec.Channels = make([]notify.Channel, len(channels))
	for i, ch := range channels {
		rec.Channels[i] = notify.Channel(ch)
	}

	return &rec, nil
}

func scanAttempt(row rowScanner) (*notify.DeliveryAttempt, error) {
	var att notify.DeliveryAttempt
	var channel, status string

	err := row.Scan(
		&att.ID,
		&att.NotificationID,
		&channel,
		&status,
		&att.Reason,
		&att.SentAt,
		&att.DeliveredAt,
		&att.CreatedAt,
		&att.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	att.Channel = notify.Channel(channel)
	att.Status = notify.AttemptStatus(status)
	return &att, nil
}
