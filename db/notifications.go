package db

import (
	"context"
	"database/sql"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertNotification = `INSERT INTO notifications (id, recipient_id, actor_id, kind, object_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectNotifications = `SELECT id, recipient_id, actor_id, kind, object_id, created_at FROM notifications
		WHERE recipient_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	sqlInsertConversationIfAbsent = `INSERT INTO conversations (id, participant_key, created_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectConversationByKey = `SELECT id, participant_key, created_at FROM conversations WHERE participant_key = ?`
	sqlInsertParticipant       = `INSERT INTO conversation_participants (conversation_id, actor_id)
		VALUES (?, ?) ON CONFLICT DO NOTHING`
	sqlSelectParticipants = `SELECT actor_id FROM conversation_participants WHERE conversation_id = ? ORDER BY actor_id`
)

func (db *DB) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.Id == uuid.Nil {
		n.Id = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}
	_, err := db.exec(ctx, sqlInsertNotification, n.Id, n.RecipientId, n.ActorId, string(n.Kind), nullUUID(n.ObjectId), n.CreatedAt.UTC())
	return err
}

func (db *DB) ReadNotifications(ctx context.Context, recipientId uuid.UUID, limit int) ([]domain.Notification, error) {
	rows, err := db.query(ctx, sqlSelectNotifications, recipientId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n      domain.Notification
			kind   string
			object uuid.NullUUID
		)
		if err := rows.Scan(&n.Id, &n.RecipientId, &n.ActorId, &kind, &object, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = domain.NotificationKind(kind)
		if object.Valid {
			id := object.UUID
			n.ObjectId = &id
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// FindOrCreateConversation returns the conversation for an exact participant set,
// creating it and its participant rows on first use.
func (db *DB) FindOrCreateConversation(ctx context.Context, participantKey string, participants []uuid.UUID) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := db.txExec(ctx, tx, sqlInsertConversationIfAbsent, uuid.New(), participantKey, now()); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, db.rebind(sqlSelectConversationByKey), participantKey).
			Scan(&c.Id, &c.ParticipantKey, &c.CreatedAt)
		if err != nil {
			return err
		}
		for _, p := range participants {
			if _, err := db.txExec(ctx, tx, sqlInsertParticipant, c.Id, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) ReadConversationParticipants(ctx context.Context, conversationId uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.query(ctx, sqlSelectParticipants, conversationId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
