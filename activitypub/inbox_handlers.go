package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/barineco/illo-sub000/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (p *Processor) handleFollow(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	local, err := p.localActorFor(ctx, a.ObjectID())
	if err != nil {
		p.log.Info("inbox: follow of unknown or remote actor", zap.String("object", a.ObjectID()))
		return ResultIgnored, err
	}

	edge, created, err := p.store.CreateFollowIfAbsent(ctx, &domain.Follow{
		FollowerId:  signer.Id,
		FollowingId: local.Id,
		URI:         a.Id,
		Status:      domain.FollowPending,
	})
	if err != nil {
		return ResultFailed, err
	}
	if !created {
		if edge.Status != domain.FollowPending {
			p.log.Info("inbox: already following", zap.String("follower", signer.Handle()), zap.String("following", local.Username))
			return ResultDuplicate, nil
		}
		// an earlier attempt stored the edge but never accepted it
		p.log.Info("inbox: resuming pending follow", zap.String("follower", signer.Handle()), zap.String("following", local.Username))
	}

	// follows are approved automatically
	if err := p.store.SetFollowStatus(ctx, edge.Id, domain.FollowAccepted); err != nil {
		return ResultFailed, err
	}
	p.notify(ctx, domain.NotifyFollow, local, signer, nil)

	followURI := a.Id
	p.background(ctx, "accept "+followURI, func(ctx context.Context) error {
		_, err := p.outbox.SendAccept(ctx, local, signer, followURI)
		return err
	})
	p.log.Info("inbox: follow accepted", zap.String("follower", signer.Handle()), zap.String("following", local.Username))
	return ResultApplied, nil
}

func (p *Processor) handleUndo(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	innerID := a.ObjectID()
	if innerID == "" {
		return ResultRejected, fmt.Errorf("%w: undo without object", ErrInvalidActivity)
	}
	// activity ids are minted by the actor's own server
	if hostOf(innerID) != "" && hostOf(innerID) != signer.Domain {
		return ResultRejected, fmt.Errorf("%w: undo of %s by %s", ErrOwnershipMismatch, innerID, signer.ActorURI)
	}

	innerType := a.ObjectType()
	if innerType == "" {
		// bare IRI: whatever edge carries that activity id
		if ok, err := p.store.DeleteFollowByURI(ctx, innerID); err != nil || ok {
			return appliedOr(ok, err)
		}
		ok, err := p.store.DeleteLikeByURI(ctx, innerID)
		if err != nil {
			return ResultFailed, err
		}
		if ok {
			return ResultApplied, nil
		}
		return ResultIgnored, nil
	}

	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return ResultRejected, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if inner.ActorID() != "" && inner.ActorID() != signer.ActorURI {
		return ResultRejected, fmt.Errorf("%w: undo of an activity by %s", ErrOwnershipMismatch, inner.ActorID())
	}

	switch Classify(innerType) {
	case KindFollow:
		ok, err := p.store.DeleteFollowByURI(ctx, innerID)
		if err != nil {
			return ResultFailed, err
		}
		if !ok {
			local, lerr := p.localActorFor(ctx, inner.ObjectID())
			if lerr != nil {
				return ResultIgnored, nil
			}
			if ok, err = p.store.DeleteFollowByPair(ctx, signer.Id, local.Id); err != nil {
				return ResultFailed, err
			}
		}
		return appliedOr(ok, nil)

	case KindLike, KindEmojiReact:
		ok, err := p.store.DeleteLikeByURI(ctx, innerID)
		if err != nil {
			return ResultFailed, err
		}
		if ok {
			return ResultApplied, nil
		}
		obj, err := p.resolveTarget(ctx, inner.ObjectID())
		if err != nil {
			return ResultIgnored, nil
		}
		emoji := inner.MisskeyReaction
		if Classify(innerType) == KindEmojiReact && inner.Content != "" {
			emoji = inner.Content
		}
		ok, err = p.store.DeleteLike(ctx, signer.Id, obj.Id, emoji)
		return appliedOr(ok, err)
	}
	return ResultUnsupported, fmt.Errorf("%w: Undo(%s)", ErrUnsupportedActivity, innerType)
}

func (p *Processor) handleLike(ctx context.Context, a *Activity, signer *domain.Actor, emoji string) (Result, error) {
	obj, err := p.resolveTarget(ctx, a.ObjectID())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ResultIgnored, nil
		}
		return ResultFailed, err
	}
	if obj.IsDeleted() {
		return ResultIgnored, nil
	}

	created, err := p.store.CreateLikeIfAbsent(ctx, &domain.Like{
		ActorId:  signer.Id,
		ObjectId: obj.Id,
		URI:      a.Id,
		Emoji:    emoji,
	})
	if err != nil {
		return ResultFailed, err
	}
	if !created {
		return ResultDuplicate, nil
	}

	kind := domain.NotifyLike
	if emoji != "" {
		kind = domain.NotifyReaction
	}
	if author, err := p.store.ReadActorById(ctx, obj.AuthorId); err == nil {
		p.notify(ctx, kind, author, signer, obj)
	}
	return ResultApplied, nil
}

func (p *Processor) handleCreate(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	raw := a.Object
	if a.ObjectType() == "" {
		// object passed by reference
		uri := a.ObjectID()
		if uri == "" {
			return ResultRejected, fmt.Errorf("%w: create without object", ErrInvalidActivity)
		}
		if _, err := p.store.ReadObjectByApId(ctx, uri); err == nil {
			return ResultDuplicate, nil
		}
		if p.dir.fetcher == nil {
			return ResultIgnored, nil
		}
		fetched, err := p.dir.fetcher.FetchObject(ctx, uri)
		if err != nil {
			return ResultFailed, err
		}
		raw = fetched
	}
	if !IsNoteLike(typeOf(raw)) {
		return ResultUnsupported, fmt.Errorf("%w: Create(%s)", ErrUnsupportedActivity, typeOf(raw))
	}

	note, err := ParseNote(raw)
	if err != nil || note.Id == "" {
		return ResultRejected, fmt.Errorf("%w: unreadable note", ErrInvalidActivity)
	}
	if note.AttributedTo != signer.ActorURI || hostOf(note.Id) != signer.Domain {
		return ResultRejected, fmt.Errorf("%w: note %s attributed to %s", ErrOwnershipMismatch, note.Id, note.AttributedTo)
	}
	if _, err := p.store.ReadObjectByApId(ctx, note.Id); err == nil {
		return ResultDuplicate, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return ResultFailed, err
	}

	vis := visibilityOf(note, signer)
	if vis == domain.VisibilityPrivate {
		return p.createMessage(ctx, note, signer)
	}

	if note.InReplyTo != "" {
		parent, err := p.resolveTarget(ctx, note.InReplyTo)
		if err == nil && !parent.IsDeleted() {
			obj := objectFromNote(note, domain.KindComment, signer, vis)
			obj.InReplyToId = &parent.Id
			if err := p.store.CreateObject(ctx, obj); err != nil {
				return createFailed(err)
			}
			if author, err := p.store.ReadActorById(ctx, parent.AuthorId); err == nil {
				p.notify(ctx, domain.NotifyComment, author, signer, obj)
			}
			p.objectEvent(ctx, events.ObjectCreated, signer, obj)
			return ResultApplied, nil
		}
	}

	if !hasImage(note.Attachment) {
		p.log.Debug("inbox: ignoring note without images", zap.String("note", note.Id))
		return ResultIgnored, nil
	}
	obj := objectFromNote(note, domain.KindArtwork, signer, vis)
	if err := p.store.CreateObject(ctx, obj); err != nil {
		return createFailed(err)
	}
	p.objectEvent(ctx, events.ObjectCreated, signer, obj)
	return ResultApplied, nil
}

// createMessage stores a directly addressed note in the conversation of its
// exact participant set.
func (p *Processor) createMessage(ctx context.Context, note *Note, signer *domain.Actor) (Result, error) {
	uris := map[string]bool{signer.ActorURI: true}
	for _, r := range append(append(IRIs{}, note.To...), note.Cc...) {
		if r == PublicAddress || r == "" || r == signer.FollowersURI {
			continue
		}
		uris[r] = true
	}

	var (
		sorted     []string
		ids        []uuid.UUID
		localUsers []*domain.Actor
	)
	for uri := range uris {
		sorted = append(sorted, uri)
	}
	sort.Strings(sorted)
	for _, uri := range sorted {
		var actor *domain.Actor
		var err error
		if uri == signer.ActorURI {
			actor = signer
		} else if p.conf.IsLocal(uri) {
			actor, err = p.store.ReadActorByURI(ctx, uri)
		} else {
			actor, err = p.dir.ResolveRemote(ctx, uri)
		}
		if err != nil {
			p.log.Debug("inbox: skipping unresolvable message recipient", zap.String("recipient", uri), zap.Error(err))
			continue
		}
		ids = append(ids, actor.Id)
		if actor.IsLocal() {
			localUsers = append(localUsers, actor)
		}
	}
	if len(localUsers) == 0 {
		return ResultIgnored, fmt.Errorf("%w: message has no local recipient", ErrNotLocal)
	}

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	conv, err := p.store.FindOrCreateConversation(ctx, hex.EncodeToString(sum[:]), ids)
	if err != nil {
		return ResultFailed, err
	}

	obj := objectFromNote(note, domain.KindMessage, signer, domain.VisibilityPrivate)
	obj.ConversationId = &conv.Id
	if err := p.store.CreateObject(ctx, obj); err != nil {
		return createFailed(err)
	}
	for _, u := range localUsers {
		p.notify(ctx, domain.NotifyMessage, u, signer, obj)
	}
	p.objectEvent(ctx, events.ObjectCreated, signer, obj)
	return ResultApplied, nil
}

func (p *Processor) handleUpdate(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	objType := a.ObjectType()
	switch {
	case isActorType(objType):
		if a.ObjectID() != signer.ActorURI {
			return ResultRejected, fmt.Errorf("%w: update of actor %s", ErrOwnershipMismatch, a.ObjectID())
		}
		var doc ActorDocument
		if err := json.Unmarshal(a.Object, &doc); err != nil {
			return ResultRejected, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
		}
		if _, err := p.dir.RefreshFromDocument(ctx, &doc); err != nil {
			return ResultFailed, err
		}
		p.publish(ctx, events.Event{Type: events.ActorUpdated, ActorURI: signer.ActorURI})
		return ResultApplied, nil

	case IsNoteLike(objType):
		note, err := ParseNote(a.Object)
		if err != nil || note.Id == "" {
			return ResultRejected, fmt.Errorf("%w: unreadable note", ErrInvalidActivity)
		}
		if note.AttributedTo != signer.ActorURI {
			return ResultRejected, fmt.Errorf("%w: note attributed to %s", ErrOwnershipMismatch, note.AttributedTo)
		}
		stored, err := p.store.ReadObjectByApId(ctx, note.Id)
		if errors.Is(err, db.ErrNotFound) {
			p.log.Info("inbox: update of unknown object dropped", zap.String("object", note.Id))
			return ResultIgnored, nil
		}
		if err != nil {
			return ResultFailed, err
		}
		if stored.AuthorId != signer.Id {
			return ResultRejected, fmt.Errorf("%w: stored owner differs for %s", ErrOwnershipMismatch, note.Id)
		}
		if stored.IsDeleted() {
			return ResultIgnored, nil
		}

		added, removed := diffAttachments(stored.Attachments, note.Attachment)
		stored.Title = note.Name
		stored.Content = note.Content
		stored.Summary = note.Summary
		stored.Sensitive = note.Sensitive
		ts := time.Now().UTC()
		stored.UpdatedAt = &ts
		if err := p.store.UpdateObject(ctx, stored, added, removed); err != nil {
			return ResultFailed, err
		}
		p.objectEvent(ctx, events.ObjectUpdated, signer, stored)
		return ResultApplied, nil
	}
	return ResultUnsupported, fmt.Errorf("%w: Update(%s)", ErrUnsupportedActivity, objType)
}

func (p *Processor) handleDelete(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	target := a.ObjectID()
	if target == "" {
		return ResultRejected, fmt.Errorf("%w: delete without object", ErrInvalidActivity)
	}

	if target == signer.ActorURI {
		edges, err := p.store.DeleteFollowsOf(ctx, signer.Id)
		if err != nil {
			return ResultFailed, err
		}
		objects, err := p.store.TombstoneObjectsByAuthor(ctx, signer.Id)
		if err != nil {
			return ResultFailed, err
		}
		p.dir.Forget(ctx, signer.ActorURI)
		p.publish(ctx, events.Event{Type: events.ActorDeleted, ActorURI: signer.ActorURI})
		p.log.Info("inbox: remote actor deleted",
			zap.String("actor", signer.Handle()), zap.Int64("follows", edges), zap.Int64("objects", objects))
		return ResultApplied, nil
	}

	obj, err := p.store.ReadObjectByApId(ctx, target)
	if errors.Is(err, db.ErrNotFound) {
		return ResultIgnored, nil
	}
	if err != nil {
		return ResultFailed, err
	}
	if obj.AuthorId != signer.Id {
		return ResultRejected, fmt.Errorf("%w: delete of %s", ErrOwnershipMismatch, target)
	}
	ok, err := p.store.TombstoneObject(ctx, obj.Id)
	if err != nil {
		return ResultFailed, err
	}
	if !ok {
		return ResultDuplicate, nil
	}
	p.objectEvent(ctx, events.ObjectDeleted, signer, obj)
	return ResultApplied, nil
}

// handleAccept only logs; the follow stays as recorded when it was sent.
func (p *Processor) handleAccept(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	p.log.Info("inbox: follow accepted by remote", zap.String("actor", signer.Handle()), zap.String("follow", a.ObjectID()))
	return ResultIgnored, nil
}

func (p *Processor) handleReject(ctx context.Context, a *Activity, signer *domain.Actor) (Result, error) {
	followURI := a.ObjectID()
	if t := a.ObjectType(); t != "" && Classify(t) != KindFollow {
		return ResultUnsupported, fmt.Errorf("%w: Reject(%s)", ErrUnsupportedActivity, t)
	}

	if edge, err := p.store.ReadFollowByURI(ctx, followURI); err == nil {
		if edge.FollowingId != signer.Id {
			return ResultRejected, fmt.Errorf("%w: reject of follow %s", ErrOwnershipMismatch, followURI)
		}
		ok, err := p.store.DeleteFollow(ctx, edge.Id)
		return appliedOr(ok, err)
	}

	if a.ObjectType() == "" {
		return ResultIgnored, nil
	}
	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return ResultRejected, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if inner.ObjectID() != signer.ActorURI {
		return ResultRejected, fmt.Errorf("%w: reject of a follow of %s", ErrOwnershipMismatch, inner.ObjectID())
	}
	local, err := p.localActorFor(ctx, inner.ActorID())
	if err != nil {
		return ResultIgnored, nil
	}
	ok, err := p.store.DeleteFollowByPair(ctx, local.Id, signer.Id)
	return appliedOr(ok, err)
}

func (p *Processor) objectEvent(ctx context.Context, t events.Type, actor *domain.Actor, obj *domain.FederatedObject) {
	attrs := map[string]string{"kind": string(obj.Kind), "apId": obj.ApObjectId}
	if obj.ConversationId != nil {
		attrs["conversation"] = obj.ConversationId.String()
	}
	p.publish(ctx, events.Event{Type: t, ActorURI: actor.ActorURI, ObjectId: obj.Id.String(), Attributes: attrs})
}

// resolveTarget finds a stored object by its local /objects/{id} IRI or by
// its federation id.
func (p *Processor) resolveTarget(ctx context.Context, iri string) (*domain.FederatedObject, error) {
	if iri == "" {
		return nil, db.ErrNotFound
	}
	if id, ok := p.conf.LocalObjectID(iri); ok {
		return p.store.ReadObjectById(ctx, id)
	}
	return p.store.ReadObjectByApId(ctx, iri)
}

func (p *Processor) localActorFor(ctx context.Context, iri string) (*domain.Actor, error) {
	username, ok := p.conf.LocalUsername(iri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, iri)
	}
	return p.store.ReadLocalActorByUsername(ctx, username)
}

func appliedOr(ok bool, err error) (Result, error) {
	if err != nil {
		return ResultFailed, err
	}
	if ok {
		return ResultApplied, nil
	}
	return ResultIgnored, nil
}

// createFailed treats losing an insert race on ap_object_id as a duplicate.
func createFailed(err error) (Result, error) {
	if errors.Is(err, db.ErrDuplicate) {
		return ResultDuplicate, nil
	}
	return ResultFailed, err
}

func visibilityOf(note *Note, author *domain.Actor) domain.Visibility {
	switch {
	case note.To.Contains(PublicAddress):
		return domain.VisibilityPublic
	case note.Cc.Contains(PublicAddress):
		return domain.VisibilityUnlisted
	case author.FollowersURI != "" && (note.To.Contains(author.FollowersURI) || note.Cc.Contains(author.FollowersURI)):
		return domain.VisibilityFollowersOnly
	}
	return domain.VisibilityPrivate
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

func isImageDocument(d Document) bool {
	if strings.HasPrefix(d.MediaType, "image/") {
		return true
	}
	return d.MediaType == "" && (d.Type == "Image" || mediaTypeOf(d.URL) != "")
}

func hasImage(docs []Document) bool {
	for _, d := range docs {
		if isImageDocument(d) {
			return true
		}
	}
	return false
}

func objectFromNote(note *Note, kind domain.ObjectKind, author *domain.Actor, vis domain.Visibility) *domain.FederatedObject {
	obj := &domain.FederatedObject{
		ApObjectId: note.Id,
		Kind:       kind,
		AuthorId:   author.Id,
		Title:      note.Name,
		Content:    note.Content,
		Summary:    note.Summary,
		Visibility: vis,
		Sensitive:  note.Sensitive,
	}
	if t, err := time.Parse(time.RFC3339, note.Published); err == nil {
		obj.CreatedAt = t.UTC()
	}
	for _, d := range note.Attachment {
		obj.Attachments = append(obj.Attachments, attachmentFromDocument(d))
	}
	return obj
}

func attachmentFromDocument(d Document) domain.Attachment {
	mt := d.MediaType
	if mt == "" {
		mt = mediaTypeOf(d.URL)
	}
	return domain.Attachment{URL: d.URL, MediaType: mt, Name: d.Name, Width: d.Width, Height: d.Height}
}

// diffAttachments merges by URL: documents not yet stored are added, stored
// attachments no longer present are removed.
func diffAttachments(stored []domain.Attachment, docs []Document) (added []domain.Attachment, removed []uuid.UUID) {
	incoming := make(map[string]bool, len(docs))
	for _, d := range docs {
		incoming[d.URL] = true
	}
	existing := make(map[string]bool, len(stored))
	for _, a := range stored {
		existing[a.URL] = true
		if !incoming[a.URL] {
			removed = append(removed, a.Id)
		}
	}
	for _, d := range docs {
		if !existing[d.URL] {
			added = append(added, attachmentFromDocument(d))
			existing[d.URL] = true
		}
	}
	return added, removed
}
