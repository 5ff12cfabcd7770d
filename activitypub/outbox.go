package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"go.uber.org/zap"
)

// Addressing maps a visibility onto the to/cc fields of a Note and its activity.
func Addressing(v domain.Visibility, followersURI string) (to, cc []string, err error) {
	switch v {
	case domain.VisibilityPublic:
		return []string{PublicAddress}, []string{followersURI}, nil
	case domain.VisibilityUnlisted:
		return []string{followersURI}, []string{PublicAddress}, nil
	case domain.VisibilityFollowersOnly:
		return []string{followersURI}, []string{}, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNotFederated, v)
}

// Outbox turns local actions into activities and hands them to Delivery.
type Outbox struct {
	store    *db.DB
	dir      *Directory
	delivery *Delivery
	prober   *Prober
	conf     Config
	log      *zap.Logger
}

func NewOutbox(store *db.DB, dir *Directory, delivery *Delivery, prober *Prober, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{store: store, dir: dir, delivery: delivery, prober: prober, conf: dir.Config(), log: logger}
}

// ObjectIRI is the federation id of obj; local objects live under /objects/{id}.
func (o *Outbox) ObjectIRI(obj *domain.FederatedObject) string {
	if obj.ApObjectId != "" {
		return obj.ApObjectId
	}
	return o.conf.ObjectURI(obj.Id)
}

// NoteFor projects a local object onto its Note representation.
func (o *Outbox) NoteFor(ctx context.Context, author *domain.Actor, obj *domain.FederatedObject) (*Note, error) {
	to, cc, err := Addressing(obj.Visibility, author.FollowersURI)
	if err != nil {
		return nil, err
	}
	id := o.ObjectIRI(obj)
	note := &Note{
		Id:           id,
		Type:         "Note",
		AttributedTo: author.ActorURI,
		Name:         obj.Title,
		Content:      obj.Content,
		Summary:      obj.Summary,
		Published:    obj.CreatedAt.UTC().Format(time.RFC3339),
		URL:          id,
		To:           to,
		Cc:           cc,
		Sensitive:    obj.Sensitive,
	}
	if obj.UpdatedAt != nil {
		note.Updated = obj.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if obj.InReplyToId != nil {
		parent, err := o.store.ReadObjectById(ctx, *obj.InReplyToId)
		if err != nil {
			return nil, fmt.Errorf("reply parent %s: %w", obj.InReplyToId, err)
		}
		note.InReplyTo = o.ObjectIRI(parent)
	}
	for _, a := range obj.Attachments {
		docType := "Document"
		if a.IsImage() {
			docType = "Image"
		}
		note.Attachment = append(note.Attachment, Document{
			Type: docType, MediaType: a.MediaType, URL: a.URL, Name: a.Name, Width: a.Width, Height: a.Height,
		})
	}
	return note, nil
}

// CreateActivityFor wraps obj in its Create activity. The id is derived from
// the object so outbox pages are stable.
func (o *Outbox) CreateActivityFor(ctx context.Context, author *domain.Actor, obj *domain.FederatedObject) (*Outbound, error) {
	note, err := o.NoteFor(ctx, author, obj)
	if err != nil {
		return nil, err
	}
	return &Outbound{
		Id:        note.Id + "/activity",
		Type:      "Create",
		Actor:     author.ActorURI,
		Object:    note,
		To:        note.To,
		Cc:        note.Cc,
		Published: note.Published,
	}, nil
}

// PublishObject sends Create to the author's followers and, for replies, to
// the parent's remote author.
func (o *Outbox) PublishObject(ctx context.Context, author *domain.Actor, obj *domain.FederatedObject) ([]*domain.DeliveryRecord, error) {
	if err := o.checkOwner(author, obj); err != nil {
		return nil, err
	}
	activity, err := o.CreateActivityFor(ctx, author, obj)
	if err != nil {
		return nil, err
	}
	return o.deliverToAudience(ctx, author, obj, activity)
}

func (o *Outbox) UpdateObject(ctx context.Context, author *domain.Actor, obj *domain.FederatedObject) ([]*domain.DeliveryRecord, error) {
	if err := o.checkOwner(author, obj); err != nil {
		return nil, err
	}
	note, err := o.NoteFor(ctx, author, obj)
	if err != nil {
		return nil, err
	}
	activity := &Outbound{
		Id:     o.conf.ActivityURI(),
		Type:   "Update",
		Actor:  author.ActorURI,
		Object: note,
		To:     note.To,
		Cc:     note.Cc,
	}
	return o.deliverToAudience(ctx, author, obj, activity)
}

// DeleteObject tombstones obj and federates the deletion. Private objects are
// only tombstoned.
func (o *Outbox) DeleteObject(ctx context.Context, author *domain.Actor, obj *domain.FederatedObject) ([]*domain.DeliveryRecord, error) {
	if err := o.checkOwner(author, obj); err != nil {
		return nil, err
	}
	if _, err := o.store.TombstoneObject(ctx, obj.Id); err != nil {
		return nil, err
	}
	to, cc, err := Addressing(obj.Visibility, author.FollowersURI)
	if errors.Is(err, ErrNotFederated) {
		return nil, nil
	}
	activity := &Outbound{
		Id:     o.conf.ActivityURI(),
		Type:   "Delete",
		Actor:  author.ActorURI,
		Object: map[string]string{"id": o.ObjectIRI(obj), "type": "Tombstone"},
		To:     to,
		Cc:     cc,
	}
	return o.deliverToAudience(ctx, author, obj, activity)
}

// SendFollow records a pending follow of target and sends the Follow. Local
// targets are followed immediately without federation.
func (o *Outbox) SendFollow(ctx context.Context, follower, target *domain.Actor) (*domain.Follow, *domain.DeliveryRecord, error) {
	if !follower.IsLocal() {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotLocal, follower.ActorURI)
	}
	f := &domain.Follow{
		FollowerId:  follower.Id,
		FollowingId: target.Id,
		URI:         o.conf.ActivityURI(),
		Status:      domain.FollowPending,
	}
	if target.IsLocal() {
		f.Status = domain.FollowAccepted
	}
	edge, created, err := o.store.CreateFollowIfAbsent(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	if !created || target.IsLocal() {
		return edge, nil, nil
	}
	rec, err := o.delivery.Send(ctx, follower, target.InboxURI, &Outbound{
		Id:     edge.URI,
		Type:   "Follow",
		Actor:  follower.ActorURI,
		Object: target.ActorURI,
		To:     []string{target.ActorURI},
	})
	return edge, rec, err
}

func (o *Outbox) SendUndoFollow(ctx context.Context, follower, target *domain.Actor) (*domain.DeliveryRecord, error) {
	edge, err := o.store.ReadFollow(ctx, follower.Id, target.Id)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.DeleteFollow(ctx, edge.Id); err != nil {
		return nil, err
	}
	if target.IsLocal() {
		return nil, nil
	}
	return o.delivery.Send(ctx, follower, target.InboxURI, &Outbound{
		Id:    o.conf.ActivityURI(),
		Type:  "Undo",
		Actor: follower.ActorURI,
		Object: map[string]string{
			"id":     edge.URI,
			"type":   "Follow",
			"actor":  follower.ActorURI,
			"object": target.ActorURI,
		},
		To: []string{target.ActorURI},
	})
}

// SendAccept answers a Follow from a remote actor.
func (o *Outbox) SendAccept(ctx context.Context, local, follower *domain.Actor, followURI string) (*domain.DeliveryRecord, error) {
	return o.sendFollowResponse(ctx, "Accept", local, follower, followURI)
}

// SendReject refuses a Follow and drops the edge.
func (o *Outbox) SendReject(ctx context.Context, local, follower *domain.Actor, followURI string) (*domain.DeliveryRecord, error) {
	if _, err := o.store.DeleteFollowByPair(ctx, follower.Id, local.Id); err != nil {
		return nil, err
	}
	return o.sendFollowResponse(ctx, "Reject", local, follower, followURI)
}

func (o *Outbox) sendFollowResponse(ctx context.Context, kind string, local, follower *domain.Actor, followURI string) (*domain.DeliveryRecord, error) {
	return o.delivery.Send(ctx, local, follower.InboxURI, &Outbound{
		Id:    o.conf.ActivityURI(),
		Type:  kind,
		Actor: local.ActorURI,
		Object: map[string]string{
			"id":     followURI,
			"type":   "Follow",
			"actor":  follower.ActorURI,
			"object": local.ActorURI,
		},
		To: []string{follower.ActorURI},
	})
}

// SendReaction likes obj, as an EmojiReact when emoji is set and the author's
// server is known to render reactions, as a plain Like otherwise.
func (o *Outbox) SendReaction(ctx context.Context, actor *domain.Actor, obj *domain.FederatedObject, emoji string) (*domain.DeliveryRecord, error) {
	author, err := o.store.ReadActorById(ctx, obj.AuthorId)
	if err != nil {
		return nil, err
	}

	kind := "Like"
	if emoji != "" && !author.IsLocal() && o.prober != nil && o.prober.SupportsEmojiReactions(ctx, author.Domain) {
		kind = "EmojiReact"
	} else if !author.IsLocal() {
		emoji = ""
	}

	like := &domain.Like{ActorId: actor.Id, ObjectId: obj.Id, URI: o.conf.ActivityURI(), Emoji: emoji}
	created, err := o.store.CreateLikeIfAbsent(ctx, like)
	if err != nil {
		return nil, err
	}
	if !created || author.IsLocal() {
		return nil, nil
	}

	activity := &Outbound{
		Id:     like.URI,
		Type:   kind,
		Actor:  actor.ActorURI,
		Object: o.ObjectIRI(obj),
		To:     []string{author.ActorURI},
	}
	if kind == "EmojiReact" {
		activity.Content = emoji
	}
	return o.delivery.Send(ctx, actor, author.InboxURI, activity)
}

func (o *Outbox) SendUndoReaction(ctx context.Context, actor *domain.Actor, obj *domain.FederatedObject, emoji string) (*domain.DeliveryRecord, error) {
	like, err := o.store.ReadLike(ctx, actor.Id, obj.Id, emoji)
	if errors.Is(err, db.ErrNotFound) && emoji != "" {
		// sent as a plain Like to servers without reaction support
		like, err = o.store.ReadLike(ctx, actor.Id, obj.Id, "")
	}
	if err != nil {
		return nil, err
	}
	if _, err := o.store.DeleteLike(ctx, actor.Id, obj.Id, like.Emoji); err != nil {
		return nil, err
	}

	author, err := o.store.ReadActorById(ctx, obj.AuthorId)
	if err != nil {
		return nil, err
	}
	if author.IsLocal() {
		return nil, nil
	}
	kind := "Like"
	if like.Emoji != "" {
		kind = "EmojiReact"
	}
	return o.delivery.Send(ctx, actor, author.InboxURI, &Outbound{
		Id:    o.conf.ActivityURI(),
		Type:  "Undo",
		Actor: actor.ActorURI,
		Object: map[string]string{
			"id":     like.URI,
			"type":   kind,
			"actor":  actor.ActorURI,
			"object": o.ObjectIRI(obj),
		},
		To: []string{author.ActorURI},
	})
}

func (o *Outbox) checkOwner(author *domain.Actor, obj *domain.FederatedObject) error {
	if !author.IsLocal() {
		return fmt.Errorf("%w: %s", ErrNotLocal, author.ActorURI)
	}
	if obj.AuthorId != author.Id {
		return ErrOwnershipMismatch
	}
	return nil
}

func (o *Outbox) deliverToAudience(ctx context.Context, author *domain.Actor, obj *domain.FederatedObject, activity *Outbound) ([]*domain.DeliveryRecord, error) {
	followers, err := o.store.ReadRemoteFollowers(ctx, author.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers of %s: %w", author.Username, err)
	}
	audience := followers
	if obj.InReplyToId != nil {
		if parent, err := o.store.ReadObjectById(ctx, *obj.InReplyToId); err == nil {
			if pa, err := o.store.ReadActorById(ctx, parent.AuthorId); err == nil && !pa.IsLocal() {
				audience = append(audience, *pa)
			}
		}
	}
	inboxes := Inboxes(audience)
	o.log.Info("outbox: delivering",
		zap.String("type", activity.Type), zap.String("actor", author.Username), zap.Int("inboxes", len(inboxes)))
	return o.delivery.SendTo(ctx, author, inboxes, activity)
}
