package db

import (
	"context"
	"fmt"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	actorColumns = `id, actor_uri, username, domain, display_name, summary, inbox_uri, outbox_uri,
		followers_uri, following_uri, shared_inbox_uri, public_key_pem, private_key_pem,
		avatar_url, header_url, fetch_error_count, last_fetched_at, created_at`

	sqlInsertActor = `INSERT INTO actors (` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Upsert keyed by actor_uri. The row id and any private key survive a refresh.
	sqlUpsertRemoteActor = `INSERT INTO actors (` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 0, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			following_uri = excluded.following_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			public_key_pem = excluded.public_key_pem,
			avatar_url = excluded.avatar_url,
			header_url = excluded.header_url,
			fetch_error_count = 0,
			last_fetched_at = excluded.last_fetched_at`

	sqlSelectActorById         = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByURI        = `SELECT ` + actorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectLocalActorByName  = `SELECT ` + actorColumns + ` FROM actors WHERE domain = '' AND username = ?`
	sqlSelectActorByHandle     = `SELECT ` + actorColumns + ` FROM actors WHERE username = ? AND domain = ?`
	sqlSelectLocalActors       = `SELECT ` + actorColumns + ` FROM actors WHERE domain = '' ORDER BY created_at`
	sqlCountLocalActors        = `SELECT COUNT(*) FROM actors WHERE domain = ''`
	sqlSetActorKeysIfEmpty     = `UPDATE actors SET public_key_pem = ?, private_key_pem = ? WHERE id = ? AND private_key_pem = ''`
	sqlIncrementFetchError     = `UPDATE actors SET fetch_error_count = fetch_error_count + 1 WHERE actor_uri = ?`
	sqlUpdateLocalActorProfile = `UPDATE actors SET display_name = ?, summary = ?, avatar_url = ?, header_url = ? WHERE id = ? AND domain = ''`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	err := row.Scan(
		&a.Id, &a.ActorURI, &a.Username, &a.Domain, &a.DisplayName, &a.Summary,
		&a.InboxURI, &a.OutboxURI, &a.FollowersURI, &a.FollowingURI, &a.SharedInboxURI,
		&a.PublicKeyPem, &a.PrivateKeyPem, &a.AvatarURL, &a.HeaderURL,
		&a.FetchErrorCount, &a.LastFetchedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateActor inserts a new actor row. Id and timestamps are filled in when zero.
func (db *DB) CreateActor(ctx context.Context, a *domain.Actor) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = a.CreatedAt
	}
	_, err := db.exec(ctx, sqlInsertActor,
		a.Id, a.ActorURI, a.Username, a.Domain, a.DisplayName, a.Summary,
		a.InboxURI, a.OutboxURI, a.FollowersURI, a.FollowingURI, a.SharedInboxURI,
		a.PublicKeyPem, a.PrivateKeyPem, a.AvatarURL, a.HeaderURL,
		a.FetchErrorCount, a.LastFetchedAt.UTC(), a.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("actor %s already exists: %w", a.Handle(), ErrDuplicate)
		}
		return err
	}
	return nil
}

// UpsertRemoteActor stores a freshly fetched remote actor and returns the persisted row.
func (db *DB) UpsertRemoteActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	if a.Domain == "" {
		return nil, fmt.Errorf("refusing to upsert actor %s without a domain", a.ActorURI)
	}
	id := a.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	ts := now()
	_, err := db.exec(ctx, sqlUpsertRemoteActor,
		id, a.ActorURI, a.Username, a.Domain, a.DisplayName, a.Summary,
		a.InboxURI, a.OutboxURI, a.FollowersURI, a.FollowingURI, a.SharedInboxURI,
		a.PublicKeyPem, a.AvatarURL, a.HeaderURL, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert actor %s: %w", a.ActorURI, err)
	}
	return db.ReadActorByURI(ctx, a.ActorURI)
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.queryRow(ctx, sqlSelectActorById, id))
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.queryRow(ctx, sqlSelectActorByURI, uri))
}

func (db *DB) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return scanActor(db.queryRow(ctx, sqlSelectLocalActorByName, username))
}

// ReadActorByHandle looks up a cached actor by username and domain ("" for local).
func (db *DB) ReadActorByHandle(ctx context.Context, username, domainName string) (*domain.Actor, error) {
	return scanActor(db.queryRow(ctx, sqlSelectActorByHandle, username, domainName))
}

func (db *DB) ReadLocalActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := db.query(ctx, sqlSelectLocalActors)
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

func (db *DB) CountLocalActors(ctx context.Context) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountLocalActors).Scan(&n)
	return n, err
}

// SetActorKeysIfEmpty stores a keypair unless the actor already has one.
// It reports whether this call won the write.
func (db *DB) SetActorKeysIfEmpty(ctx context.Context, id uuid.UUID, publicPem, privatePem string) (bool, error) {
	res, err := db.exec(ctx, sqlSetActorKeysIfEmpty, publicPem, privatePem, id)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) IncrementActorFetchError(ctx context.Context, uri string) error {
	_, err := db.exec(ctx, sqlIncrementFetchError, uri)
	return err
}

func (db *DB) UpdateLocalActorProfile(ctx context.Context, a *domain.Actor) error {
	res, err := db.exec(ctx, sqlUpdateLocalActorProfile, a.DisplayName, a.Summary, a.AvatarURL, a.HeaderURL, a.Id)
	if err != nil {
		return err
	}
	if !affected(res) {
		return ErrNotFound
	}
	return nil
}
