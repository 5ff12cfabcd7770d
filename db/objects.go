package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	objectColumns = `id, ap_object_id, kind, author_id, in_reply_to_id, conversation_id, title, content,
		summary, visibility, sensitive, created_at, updated_at, deleted_at`

	sqlInsertObject = `INSERT INTO objects (` + objectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectObjectById   = `SELECT ` + objectColumns + ` FROM objects WHERE id = ?`
	sqlSelectObjectByApId = `SELECT ` + objectColumns + ` FROM objects WHERE ap_object_id = ?`
	sqlUpdateObject       = `UPDATE objects SET title = ?, content = ?, summary = ?, sensitive = ?, visibility = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`
	sqlTombstoneObject   = `UPDATE objects SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
	sqlTombstoneByAuthor = `UPDATE objects SET deleted_at = ? WHERE author_id = ? AND deleted_at IS NULL`

	// outbox-visible objects: public or unlisted, live, never private messages
	sqlCountPublicObjects = `SELECT COUNT(*) FROM objects
		WHERE author_id = ? AND deleted_at IS NULL AND visibility IN ('PUBLIC', 'UNLISTED') AND kind != 'message'`
	sqlSelectPublicObjects = `SELECT ` + objectColumns + ` FROM objects
		WHERE author_id = ? AND deleted_at IS NULL AND visibility IN ('PUBLIC', 'UNLISTED') AND kind != 'message'
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	sqlInsertAttachment = `INSERT INTO attachments (id, object_id, url, media_type, name, width, height, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAttachments = `SELECT id, object_id, url, media_type, name, width, height FROM attachments
		WHERE object_id = ? ORDER BY position, id`
	sqlDeleteAttachment = `DELETE FROM attachments WHERE id = ? AND object_id = ?`
	sqlMaxAttachmentPos = `SELECT COALESCE(MAX(position), -1) FROM attachments WHERE object_id = ?`
)

func scanObject(row rowScanner) (*domain.FederatedObject, error) {
	var (
		o                    domain.FederatedObject
		apId                 sql.NullString
		inReplyTo, convo     uuid.NullUUID
		kind, visibility     string
		sensitive            int
		updatedAt, deletedAt sql.NullTime
	)
	err := row.Scan(&o.Id, &apId, &kind, &o.AuthorId, &inReplyTo, &convo, &o.Title, &o.Content,
		&o.Summary, &visibility, &sensitive, &o.CreatedAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	o.ApObjectId = apId.String
	o.Kind = domain.ObjectKind(kind)
	o.Visibility = domain.Visibility(visibility)
	o.Sensitive = sensitive != 0
	if inReplyTo.Valid {
		id := inReplyTo.UUID
		o.InReplyToId = &id
	}
	if convo.Valid {
		id := convo.UUID
		o.ConversationId = &id
	}
	o.UpdatedAt = timePtr(updatedAt)
	o.DeletedAt = timePtr(deletedAt)
	return &o, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateObject stores the object and its attachments in one transaction.
func (db *DB) CreateObject(ctx context.Context, o *domain.FederatedObject) error {
	if o.Id == uuid.Nil {
		o.Id = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	if o.Visibility == "" {
		o.Visibility = domain.VisibilityPublic
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.txExec(ctx, tx, sqlInsertObject,
			o.Id, nullString(o.ApObjectId), string(o.Kind), o.AuthorId, nullUUID(o.InReplyToId), nullUUID(o.ConversationId),
			o.Title, o.Content, o.Summary, string(o.Visibility), boolToInt(o.Sensitive),
			o.CreatedAt.UTC(), nullTime(o.UpdatedAt), nullTime(o.DeletedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("object %s already stored: %w", o.ApObjectId, ErrDuplicate)
			}
			return err
		}
		for i := range o.Attachments {
			if err := db.insertAttachment(ctx, tx, o.Id, &o.Attachments[i], i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) insertAttachment(ctx context.Context, tx *sql.Tx, objectId uuid.UUID, a *domain.Attachment, position int) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	a.ObjectId = objectId
	_, err := db.txExec(ctx, tx, sqlInsertAttachment, a.Id, objectId, a.URL, a.MediaType, a.Name, a.Width, a.Height, position)
	return err
}

func (db *DB) ReadObjectById(ctx context.Context, id uuid.UUID) (*domain.FederatedObject, error) {
	o, err := scanObject(db.queryRow(ctx, sqlSelectObjectById, id))
	if err != nil {
		return nil, err
	}
	return o, db.loadAttachments(ctx, o)
}

func (db *DB) ReadObjectByApId(ctx context.Context, apId string) (*domain.FederatedObject, error) {
	if apId == "" {
		return nil, ErrNotFound
	}
	o, err := scanObject(db.queryRow(ctx, sqlSelectObjectByApId, apId))
	if err != nil {
		return nil, err
	}
	return o, db.loadAttachments(ctx, o)
}

func (db *DB) loadAttachments(ctx context.Context, o *domain.FederatedObject) error {
	rows, err := db.query(ctx, sqlSelectAttachments, o.Id)
	if err != nil {
		return err
	}
	defer rows.Close()

	o.Attachments = nil
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.Id, &a.ObjectId, &a.URL, &a.MediaType, &a.Name, &a.Width, &a.Height); err != nil {
			return err
		}
		o.Attachments = append(o.Attachments, a)
	}
	return rows.Err()
}

// UpdateObject rewrites the mutable fields of a live object and applies an attachment diff.
func (db *DB) UpdateObject(ctx context.Context, o *domain.FederatedObject, added []domain.Attachment, removed []uuid.UUID) error {
	ts := now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := db.txExec(ctx, tx, sqlUpdateObject,
			o.Title, o.Content, o.Summary, boolToInt(o.Sensitive), string(o.Visibility), ts, o.Id)
		if err != nil {
			return err
		}
		if !affected(res) {
			return ErrNotFound
		}
		for _, id := range removed {
			if _, err := db.txExec(ctx, tx, sqlDeleteAttachment, id, o.Id); err != nil {
				return err
			}
		}
		if len(added) == 0 {
			o.UpdatedAt = &ts
			return nil
		}
		var pos int
		if err := tx.QueryRowContext(ctx, db.rebind(sqlMaxAttachmentPos), o.Id).Scan(&pos); err != nil {
			return err
		}
		for i := range added {
			pos++
			if err := db.insertAttachment(ctx, tx, o.Id, &added[i], pos); err != nil {
				return err
			}
		}
		o.UpdatedAt = &ts
		return nil
	})
}

// TombstoneObject marks a live object deleted. It reports false when already gone.
func (db *DB) TombstoneObject(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := db.exec(ctx, sqlTombstoneObject, now(), id)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (db *DB) TombstoneObjectsByAuthor(ctx context.Context, authorId uuid.UUID) (int64, error) {
	res, err := db.exec(ctx, sqlTombstoneByAuthor, now(), authorId)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) CountPublicObjectsByAuthor(ctx context.Context, authorId uuid.UUID) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountPublicObjects, authorId).Scan(&n)
	return n, err
}

// ReadPublicObjectsByAuthor returns a page of the author's outbox-visible objects, newest first.
func (db *DB) ReadPublicObjectsByAuthor(ctx context.Context, authorId uuid.UUID, limit, offset int) ([]domain.FederatedObject, error) {
	rows, err := db.query(ctx, sqlSelectPublicObjects, authorId, limit, offset)
	if err != nil {
		return nil, err
	}

	var objects []domain.FederatedObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		objects = append(objects, *o)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// attachments are loaded after the cursor is released; sqlite may be running on one connection
	for i := range objects {
		if err := db.loadAttachments(ctx, &objects[i]); err != nil {
			return nil, err
		}
	}
	return objects, nil
}
