package db

import (
	"context"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertActivityIfAbsent = `INSERT INTO activities (id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at
		FROM activities WHERE activity_uri = ?`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE id = ?`
	sqlCountActivitiesByType = `SELECT COUNT(*) FROM activities WHERE activity_type = ?`
)

// CreateActivityIfAbsent logs an inbound activity. It reports false if the id was seen before.
func (db *DB) CreateActivityIfAbsent(ctx context.Context, a *domain.InboundActivity) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	res, err := db.exec(ctx, sqlInsertActivityIfAbsent,
		a.Id, a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.RawJSON, boolToInt(a.Processed), a.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.InboundActivity, error) {
	var (
		a         domain.InboundActivity
		processed int
	)
	err := db.queryRow(ctx, sqlSelectActivityByURI, uri).
		Scan(&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON, &processed, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.Processed = processed != 0
	return &a, nil
}

func (db *DB) MarkActivityProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := db.exec(ctx, sqlMarkActivityProcessed, id)
	return err
}

func (db *DB) CountActivitiesByType(ctx context.Context, activityType string) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountActivitiesByType, activityType).Scan(&n)
	return n, err
}
