package db

import (
	"context"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	followColumns = `id, follower_id, following_id, uri, status, created_at`

	sqlInsertFollowIfAbsent = `INSERT INTO follows (` + followColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`
	sqlSelectFollowByPair = `SELECT ` + followColumns + ` FROM follows WHERE follower_id = ? AND following_id = ?`
	sqlSelectFollowByURI  = `SELECT ` + followColumns + ` FROM follows WHERE uri = ?`
	sqlUpdateFollowStatus = `UPDATE follows SET status = ? WHERE id = ?`
	sqlDeleteFollowById   = `DELETE FROM follows WHERE id = ?`
	sqlDeleteFollowByURI  = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowByPair = `DELETE FROM follows WHERE follower_id = ? AND following_id = ?`
	sqlDeleteFollowsOf    = `DELETE FROM follows WHERE follower_id = ? OR following_id = ?`

	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE following_id = ? AND status = 'ACCEPTED'`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE follower_id = ? AND status = 'ACCEPTED'`

	sqlSelectFollowerURIs = `SELECT a.actor_uri FROM follows f
		JOIN actors a ON a.id = f.follower_id
		WHERE f.following_id = ? AND f.status = 'ACCEPTED'
		ORDER BY f.created_at DESC, f.id DESC LIMIT ? OFFSET ?`
	sqlSelectFollowingURIs = `SELECT a.actor_uri FROM follows f
		JOIN actors a ON a.id = f.following_id
		WHERE f.follower_id = ? AND f.status = 'ACCEPTED'
		ORDER BY f.created_at DESC, f.id DESC LIMIT ? OFFSET ?`
	sqlSelectRemoteFollowers = `SELECT ` + prefixedActorColumns + ` FROM follows f
		JOIN actors a ON a.id = f.follower_id
		WHERE f.following_id = ? AND f.status = 'ACCEPTED' AND a.domain != ''`
)

const prefixedActorColumns = `a.id, a.actor_uri, a.username, a.domain, a.display_name, a.summary, a.inbox_uri,
	a.outbox_uri, a.followers_uri, a.following_uri, a.shared_inbox_uri, a.public_key_pem, a.private_key_pem,
	a.avatar_url, a.header_url, a.fetch_error_count, a.last_fetched_at, a.created_at`

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var status string
	if err := row.Scan(&f.Id, &f.FollowerId, &f.FollowingId, &f.URI, &status, &f.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	f.Status = domain.FollowStatus(status)
	return &f, nil
}

// CreateFollowIfAbsent inserts the edge unless (follower, following) already exists.
// The stored edge is returned either way, together with whether it was created by this call.
func (db *DB) CreateFollowIfAbsent(ctx context.Context, f *domain.Follow) (*domain.Follow, bool, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	if f.Status == "" {
		f.Status = domain.FollowPending
	}
	res, err := db.exec(ctx, sqlInsertFollowIfAbsent, f.Id, f.FollowerId, f.FollowingId, f.URI, string(f.Status), f.CreatedAt.UTC())
	if err != nil {
		return nil, false, err
	}
	created := affected(res)
	stored, err := db.ReadFollow(ctx, f.FollowerId, f.FollowingId)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (db *DB) ReadFollow(ctx context.Context, followerId, followingId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.queryRow(ctx, sqlSelectFollowByPair, followerId, followingId))
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.queryRow(ctx, sqlSelectFollowByURI, uri))
}

func (db *DB) SetFollowStatus(ctx context.Context, id uuid.UUID, status domain.FollowStatus) error {
	res, err := db.exec(ctx, sqlUpdateFollowStatus, string(status), id)
	if err != nil {
		return err
	}
	if !affected(res) {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteFollow(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := db.exec(ctx, sqlDeleteFollowById, id)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) DeleteFollowByURI(ctx context.Context, uri string) (bool, error) {
	if uri == "" {
		return false, nil
	}
	res, err := db.exec(ctx, sqlDeleteFollowByURI, uri)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) DeleteFollowByPair(ctx context.Context, followerId, followingId uuid.UUID) (bool, error) {
	res, err := db.exec(ctx, sqlDeleteFollowByPair, followerId, followingId)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

// DeleteFollowsOf removes every edge touching the actor in either direction.
func (db *DB) DeleteFollowsOf(ctx context.Context, actorId uuid.UUID) (int64, error) {
	res, err := db.exec(ctx, sqlDeleteFollowsOf, actorId, actorId)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) CountFollowers(ctx context.Context, actorId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountFollowers, actorId).Scan(&n)
	return n, err
}

func (db *DB) CountFollowing(ctx context.Context, actorId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountFollowing, actorId).Scan(&n)
	return n, err
}

// ReadFollowerURIs returns actor URIs of accepted followers, newest edge first.
func (db *DB) ReadFollowerURIs(ctx context.Context, actorId uuid.UUID, limit, offset int) ([]string, error) {
	return db.readStrings(ctx, sqlSelectFollowerURIs, actorId, limit, offset)
}

// ReadFollowingURIs returns actor URIs the actor follows with an accepted edge, newest first.
func (db *DB) ReadFollowingURIs(ctx context.Context, actorId uuid.UUID, limit, offset int) ([]string, error) {
	return db.readStrings(ctx, sqlSelectFollowingURIs, actorId, limit, offset)
}

// ReadRemoteFollowers returns the accepted followers of a local actor that live on other servers.
func (db *DB) ReadRemoteFollowers(ctx context.Context, actorId uuid.UUID) ([]domain.Actor, error) {
	rows, err := db.query(ctx, sqlSelectRemoteFollowers, actorId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

func (db *DB) readStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
