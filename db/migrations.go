package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// Statements are kept to the subset of SQL understood by both SQLite and PostgreSQL.
// Booleans are INTEGER columns and ids are TEXT uuids.
const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		following_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		header_url TEXT NOT NULL DEFAULT '',
		fetch_error_count INTEGER NOT NULL DEFAULT 0,
		last_fetched_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(username, domain)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		following_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(follower_id, following_id)
	)`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		ap_object_id TEXT UNIQUE,
		kind TEXT NOT NULL,
		author_id TEXT NOT NULL,
		in_reply_to_id TEXT,
		conversation_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL,
		sensitive INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP,
		deleted_at TIMESTAMP
	)`

	sqlCreateAttachmentsTable = `CREATE TABLE IF NOT EXISTS attachments (
		id TEXT NOT NULL PRIMARY KEY,
		object_id TEXT NOT NULL,
		url TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		object_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		emoji TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(actor_id, object_id, emoji)
	)`

	sqlCreateConversationsTable = `CREATE TABLE IF NOT EXISTS conversations (
		id TEXT NOT NULL PRIMARY KEY,
		participant_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateConversationParticipantsTable = `CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		PRIMARY KEY(conversation_id, actor_id)
	)`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		object_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL UNIQUE,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveriesTable = `CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT NOT NULL PRIMARY KEY,
		sender_id TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_attempt_at TIMESTAMP,
		job_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateInstanceTrustTable = `CREATE TABLE IF NOT EXISTS instance_trust (
		domain TEXT NOT NULL PRIMARY KEY,
		software TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		known INTEGER NOT NULL DEFAULT 0,
		checked_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`

	sqlCreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`
)

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_following_id ON follows(following_id)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri)`,
	`CREATE INDEX IF NOT EXISTS idx_objects_author_created ON objects(author_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_object_id ON attachments(object_id)`,
	`CREATE INDEX IF NOT EXISTS idx_likes_object_id ON likes(object_id)`,
	`CREATE INDEX IF NOT EXISTS idx_likes_uri ON likes(uri)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_activity_id ON deliveries(activity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at)`,
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	tables := []struct {
		name string
		sql  string
	}{
		{"actors", sqlCreateActorsTable},
		{"follows", sqlCreateFollowsTable},
		{"objects", sqlCreateObjectsTable},
		{"attachments", sqlCreateAttachmentsTable},
		{"likes", sqlCreateLikesTable},
		{"conversations", sqlCreateConversationsTable},
		{"conversation_participants", sqlCreateConversationParticipantsTable},
		{"notifications", sqlCreateNotificationsTable},
		{"activities", sqlCreateActivitiesTable},
		{"deliveries", sqlCreateDeliveriesTable},
		{"instance_trust", sqlCreateInstanceTrustTable},
		{"jobs", sqlCreateJobsTable},
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if err := db.createTableIfNotExists(ctx, tx, t.sql, t.name); err != nil {
				return err
			}
		}
		for _, stmt := range indexStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				db.log.Warn("db: failed to create index", zap.String("statement", stmt), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		db.log.Error("db: error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("db: table created or already exists", zap.String("table", tableName))
	return nil
}
