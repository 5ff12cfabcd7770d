package db

import (
	"context"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertLikeIfAbsent = `INSERT INTO likes (id, actor_id, object_id, uri, emoji, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteLikeByURI  = `DELETE FROM likes WHERE uri = ?`
	sqlDeleteLikeByEdge = `DELETE FROM likes WHERE actor_id = ? AND object_id = ? AND emoji = ?`
	sqlSelectLikeByEdge = `SELECT id, actor_id, object_id, uri, emoji, created_at FROM likes
		WHERE actor_id = ? AND object_id = ? AND emoji = ?`
	sqlCountLikes = `SELECT COUNT(*) FROM likes WHERE object_id = ?`
)

// CreateLikeIfAbsent stores a like or reaction edge. Repeats of the same edge are ignored.
func (db *DB) CreateLikeIfAbsent(ctx context.Context, l *domain.Like) (bool, error) {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	res, err := db.exec(ctx, sqlInsertLikeIfAbsent, l.Id, l.ActorId, l.ObjectId, l.URI, l.Emoji, l.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) ReadLike(ctx context.Context, actorId, objectId uuid.UUID, emoji string) (*domain.Like, error) {
	var l domain.Like
	err := db.queryRow(ctx, sqlSelectLikeByEdge, actorId, objectId, emoji).
		Scan(&l.Id, &l.ActorId, &l.ObjectId, &l.URI, &l.Emoji, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (db *DB) DeleteLikeByURI(ctx context.Context, uri string) (bool, error) {
	if uri == "" {
		return false, nil
	}
	res, err := db.exec(ctx, sqlDeleteLikeByURI, uri)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) DeleteLike(ctx context.Context, actorId, objectId uuid.UUID, emoji string) (bool, error) {
	res, err := db.exec(ctx, sqlDeleteLikeByEdge, actorId, objectId, emoji)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) CountLikes(ctx context.Context, objectId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountLikes, objectId).Scan(&n)
	return n, err
}
