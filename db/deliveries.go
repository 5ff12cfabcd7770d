package db

import (
	"context"
	"database/sql"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	deliveryColumns = `id, sender_id, inbox_url, activity_type, activity_id, payload, status,
		attempt_count, last_error, last_attempt_at, job_ref, created_at`

	sqlInsertDelivery = `INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDeliveryById = `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = ?`

	// Only PENDING records move. DELIVERED and FAILED are terminal.
	sqlUpdateDeliveryAttempt = `UPDATE deliveries SET status = ?, attempt_count = ?, last_error = ?, last_attempt_at = ?
		WHERE id = ? AND status = 'PENDING'`
	sqlSetDeliveryJobRef = `UPDATE deliveries SET job_ref = ? WHERE id = ?`

	sqlSelectDeliveriesByStatus = `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	sqlSelectDeliveries = `SELECT ` + deliveryColumns + ` FROM deliveries
		ORDER BY created_at DESC, id DESC LIMIT ?`
	sqlSelectDeliveriesByActivity = `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE activity_id = ? ORDER BY inbox_url`
)

func scanDelivery(row rowScanner) (*domain.DeliveryRecord, error) {
	var (
		d           domain.DeliveryRecord
		status      string
		lastAttempt sql.NullTime
	)
	err := row.Scan(&d.Id, &d.SenderId, &d.InboxURL, &d.ActivityType, &d.ActivityId, &d.Payload, &status,
		&d.AttemptCount, &d.LastError, &lastAttempt, &d.JobRef, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	d.Status = domain.DeliveryStatus(status)
	d.LastAttemptAt = timePtr(lastAttempt)
	return &d, nil
}

// CreateDelivery writes the record before any attempt is made.
func (db *DB) CreateDelivery(ctx context.Context, d *domain.DeliveryRecord) error {
	if d.Id == uuid.Nil {
		d.Id = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	_, err := db.exec(ctx, sqlInsertDelivery,
		d.Id, d.SenderId, d.InboxURL, d.ActivityType, d.ActivityId, d.Payload, string(d.Status),
		d.AttemptCount, d.LastError, nullTime(d.LastAttemptAt), d.JobRef, d.CreatedAt.UTC())
	return err
}

func (db *DB) ReadDelivery(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error) {
	return scanDelivery(db.queryRow(ctx, sqlSelectDeliveryById, id))
}

// UpdateDeliveryAttempt persists the outcome of one attempt. It returns false when the
// record had already left PENDING, in which case nothing is written.
func (db *DB) UpdateDeliveryAttempt(ctx context.Context, d *domain.DeliveryRecord) (bool, error) {
	res, err := db.exec(ctx, sqlUpdateDeliveryAttempt,
		string(d.Status), d.AttemptCount, d.LastError, nullTime(d.LastAttemptAt), d.Id)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) SetDeliveryJobRef(ctx context.Context, id uuid.UUID, ref string) error {
	_, err := db.exec(ctx, sqlSetDeliveryJobRef, ref, id)
	return err
}

// ReadDeliveries lists recent records, optionally filtered by status.
func (db *DB) ReadDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.DeliveryRecord, error) {
	if status == "" {
		return db.readDeliveries(ctx, sqlSelectDeliveries, limit)
	}
	return db.readDeliveries(ctx, sqlSelectDeliveriesByStatus, string(status), limit)
}

func (db *DB) ReadDeliveriesByActivity(ctx context.Context, activityId string) ([]domain.DeliveryRecord, error) {
	return db.readDeliveries(ctx, sqlSelectDeliveriesByActivity, activityId)
}

func (db *DB) readDeliveries(ctx context.Context, query string, args ...any) ([]domain.DeliveryRecord, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
