package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

func TestAddressing(t *testing.T) {
	const followers = "https://local.test/users/alice/followers"
	tests := []struct {
		vis    domain.Visibility
		to, cc []string
		err    bool
	}{
		{domain.VisibilityPublic, []string{PublicAddress}, []string{followers}, false},
		{domain.VisibilityUnlisted, []string{followers}, []string{PublicAddress}, false},
		{domain.VisibilityFollowersOnly, []string{followers}, []string{}, false},
		{domain.VisibilityPrivate, nil, nil, true},
	}
	for _, tt := range tests {
		to, cc, err := Addressing(tt.vis, followers)
		if tt.err {
			if !errors.Is(err, ErrNotFederated) {
				t.Errorf("%s: expected ErrNotFederated, got %v", tt.vis, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.vis, err)
			continue
		}
		if !equalStrings(to, tt.to) || !equalStrings(cc, tt.cc) {
			t.Errorf("%s: got to=%v cc=%v, want to=%v cc=%v", tt.vis, to, cc, tt.to, tt.cc)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNoteFor(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.createLocal(t, "alice")
	parent := env.createObject(t, alice, domain.VisibilityPublic, "parent")
	reply := &domain.FederatedObject{
		Kind:        domain.KindComment,
		AuthorId:    alice.Id,
		InReplyToId: &parent.Id,
		Content:     "nice",
		Visibility:  domain.VisibilityUnlisted,
		Attachments: []domain.Attachment{{URL: "https://local.test/media/a.pdf", MediaType: "application/pdf"}},
	}
	if err := env.store.CreateObject(context.Background(), reply); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	note, err := env.outbox.NoteFor(context.Background(), alice, reply)
	if err != nil {
		t.Fatalf("NoteFor failed: %v", err)
	}
	if note.Id != "https://local.test/objects/"+reply.Id.String() {
		t.Errorf("Unexpected note id %s", note.Id)
	}
	if note.InReplyTo != env.outbox.ObjectIRI(parent) {
		t.Errorf("Unexpected inReplyTo %s", note.InReplyTo)
	}
	if note.AttributedTo != alice.ActorURI {
		t.Errorf("Unexpected attributedTo %s", note.AttributedTo)
	}
	if !note.Cc.Contains(PublicAddress) || note.To.Contains(PublicAddress) {
		t.Errorf("Unlisted note should cc Public, got to=%v cc=%v", note.To, note.Cc)
	}
	if len(note.Attachment) != 1 || note.Attachment[0].Type != "Document" {
		t.Errorf("Expected one Document attachment, got %+v", note.Attachment)
	}

	art, err := env.outbox.NoteFor(context.Background(), alice, parent)
	if err != nil {
		t.Fatalf("NoteFor failed: %v", err)
	}
	if art.Name != "parent" || len(art.Attachment) != 1 || art.Attachment[0].Type != "Image" {
		t.Errorf("Unexpected artwork note %+v", art)
	}

	activity, err := env.outbox.CreateActivityFor(context.Background(), alice, parent)
	if err != nil {
		t.Fatalf("CreateActivityFor failed: %v", err)
	}
	if activity.Id != art.Id+"/activity" || activity.Type != "Create" {
		t.Errorf("Unexpected Create activity %s %s", activity.Type, activity.Id)
	}
}

func TestPublishRejectsPrivateAndForeignObjects(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.createLocal(t, "alice")
	carol := env.createLocal(t, "carol")
	ctx := context.Background()

	private := env.createObject(t, alice, domain.VisibilityPrivate, "secret")
	if _, err := env.outbox.PublishObject(ctx, alice, private); !errors.Is(err, ErrNotFederated) {
		t.Errorf("Expected ErrNotFederated, got %v", err)
	}

	obj := env.createObject(t, alice, domain.VisibilityPublic, "mine")
	if _, err := env.outbox.PublishObject(ctx, carol, obj); !errors.Is(err, ErrOwnershipMismatch) {
		t.Errorf("Expected ErrOwnershipMismatch, got %v", err)
	}
	if _, err := env.outbox.DeleteObject(ctx, carol, obj); !errors.Is(err, ErrOwnershipMismatch) {
		t.Errorf("Expected ErrOwnershipMismatch, got %v", err)
	}

	recs, err := env.outbox.PublishObject(ctx, alice, obj)
	if err != nil || len(recs) != 0 {
		t.Errorf("Expected no deliveries without followers, got %d, %v", len(recs), err)
	}
}

func TestDeleteObjectFederatesTombstone(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	obj := f.env.createObject(t, f.alice, domain.VisibilityFollowersOnly, "to delete")

	recs, err := f.env.outbox.DeleteObject(ctx, f.alice, obj)
	if err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ActivityType != "Delete" {
		t.Fatalf("Expected one Delete delivery, got %+v", recs)
	}
	var activity struct {
		Object struct {
			Id   string `json:"id"`
			Type string `json:"type"`
		} `json:"object"`
	}
	if err := json.Unmarshal([]byte(recs[0].Payload), &activity); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if activity.Object.Type != "Tombstone" || activity.Object.Id != f.env.outbox.ObjectIRI(obj) {
		t.Errorf("Unexpected deleted object %+v", activity.Object)
	}

	stored, err := f.env.store.ReadObjectById(ctx, obj.Id)
	if err != nil {
		t.Fatalf("ReadObjectById failed: %v", err)
	}
	if !stored.IsDeleted() {
		t.Error("Expected object to be tombstoned")
	}

	private := f.env.createObject(t, f.alice, domain.VisibilityPrivate, "private")
	recs, err = f.env.outbox.DeleteObject(ctx, f.alice, private)
	if err != nil || recs != nil {
		t.Errorf("Expected silent tombstone for a private object, got %v, %v", recs, err)
	}
}

func TestReplyIsDeliveredToParentAuthor(t *testing.T) {
	remote := newRemoteServer(t)
	key, _ := generateTestKeyPair(t)
	remote.addActor("bob", "Bob", key)
	env := newTestEnv(t, clientFor(remote))
	alice := env.createLocal(t, "alice")
	bob := env.resolve(t, remote.actorURI("bob"))
	ctx := context.Background()

	parent := &domain.FederatedObject{
		ApObjectId: remote.srv.URL + "/notes/1",
		Kind:       domain.KindArtwork,
		AuthorId:   bob.Id,
		Visibility: domain.VisibilityPublic,
	}
	if err := env.store.CreateObject(ctx, parent); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	reply := &domain.FederatedObject{
		Kind:        domain.KindComment,
		AuthorId:    alice.Id,
		InReplyToId: &parent.Id,
		Content:     "lovely",
		Visibility:  domain.VisibilityPublic,
	}
	if err := env.store.CreateObject(ctx, reply); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	recs, err := env.outbox.PublishObject(ctx, alice, reply)
	if err != nil {
		t.Fatalf("PublishObject failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != domain.DeliveryDelivered {
		t.Fatalf("Expected one delivered record, got %+v", recs)
	}
	var activity struct {
		Object Note `json:"object"`
	}
	received := remote.inbox()
	if err := json.Unmarshal(received[0].Body, &activity); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if activity.Object.InReplyTo != parent.ApObjectId {
		t.Errorf("Expected inReplyTo %s, got %s", parent.ApObjectId, activity.Object.InReplyTo)
	}
}

func TestSendFollowRemote(t *testing.T) {
	remote := newRemoteServer(t)
	key, _ := generateTestKeyPair(t)
	remote.addActor("bob", "Bob", key)
	env := newTestEnv(t, clientFor(remote))
	alice := env.createLocal(t, "alice")
	bob := env.resolve(t, remote.actorURI("bob"))
	ctx := context.Background()

	edge, rec, err := env.outbox.SendFollow(ctx, alice, bob)
	if err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	if edge.Status != domain.FollowPending {
		t.Errorf("Expected PENDING follow, got %s", edge.Status)
	}
	if rec == nil || rec.InboxURL != bob.InboxURI || rec.ActivityId != edge.URI {
		t.Errorf("Unexpected delivery %+v", rec)
	}

	again, rec2, err := env.outbox.SendFollow(ctx, alice, bob)
	if err != nil {
		t.Fatalf("Second SendFollow failed: %v", err)
	}
	if again.Id != edge.Id || rec2 != nil {
		t.Error("Expected the existing edge and no second delivery")
	}

	undo, err := env.outbox.SendUndoFollow(ctx, alice, bob)
	if err != nil {
		t.Fatalf("SendUndoFollow failed: %v", err)
	}
	if undo.ActivityType != "Undo" {
		t.Errorf("Expected Undo delivery, got %s", undo.ActivityType)
	}
	if _, err := env.store.ReadFollow(ctx, alice.Id, bob.Id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected follow to be removed, got %v", err)
	}
	if n := len(remote.inbox()); n != 2 {
		t.Errorf("Expected Follow and Undo, got %d POSTs", n)
	}
}

func TestSendFollowLocal(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.createLocal(t, "alice")
	carol := env.createLocal(t, "carol")

	edge, rec, err := env.outbox.SendFollow(context.Background(), alice, carol)
	if err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	if edge.Status != domain.FollowAccepted || rec != nil {
		t.Errorf("Expected an accepted local follow without delivery, got %s %v", edge.Status, rec)
	}
	n, _ := env.store.CountFollowers(context.Background(), carol.Id)
	if n != 1 {
		t.Errorf("Expected 1 follower, got %d", n)
	}

	if _, _, err := env.outbox.SendFollow(context.Background(), &domain.Actor{Domain: "x.test"}, carol); !errors.Is(err, ErrNotLocal) {
		t.Errorf("Expected ErrNotLocal for a remote follower, got %v", err)
	}
}

func TestSendReactionDowngradesForUnknownSoftware(t *testing.T) {
	tests := []struct {
		software  string
		wantType  string
		wantEmoji string
	}{
		{"misskey", "EmojiReact", "🎨"},
		{"mastodon", "Like", ""},
	}
	for _, tt := range tests {
		t.Run(tt.software, func(t *testing.T) {
			remote := newRemoteServer(t)
			remote.software = tt.software
			key, _ := generateTestKeyPair(t)
			remote.addActor("bob", "Bob", key)
			env := newTestEnv(t, clientFor(remote))
			alice := env.createLocal(t, "alice")
			bob := env.resolve(t, remote.actorURI("bob"))
			ctx := context.Background()

			obj := &domain.FederatedObject{
				ApObjectId: remote.srv.URL + "/notes/" + uuid.NewString(),
				Kind:       domain.KindArtwork,
				AuthorId:   bob.Id,
				Visibility: domain.VisibilityPublic,
			}
			if err := env.store.CreateObject(ctx, obj); err != nil {
				t.Fatalf("CreateObject failed: %v", err)
			}

			rec, err := env.outbox.SendReaction(ctx, alice, obj, "🎨")
			if err != nil {
				t.Fatalf("SendReaction failed: %v", err)
			}
			if rec.ActivityType != tt.wantType {
				t.Errorf("Expected %s, got %s", tt.wantType, rec.ActivityType)
			}
			if _, err := env.store.ReadLike(ctx, alice.Id, obj.Id, tt.wantEmoji); err != nil {
				t.Errorf("Expected like stored with emoji %q: %v", tt.wantEmoji, err)
			}

			undo, err := env.outbox.SendUndoReaction(ctx, alice, obj, "🎨")
			if err != nil {
				t.Fatalf("SendUndoReaction failed: %v", err)
			}
			var activity struct {
				Object map[string]string `json:"object"`
			}
			json.Unmarshal([]byte(undo.Payload), &activity)
			if activity.Object["type"] != tt.wantType {
				t.Errorf("Expected Undo of %s, got %v", tt.wantType, activity.Object)
			}
			if n, _ := env.store.CountLikes(ctx, obj.Id); n != 0 {
				t.Errorf("Expected like to be removed, got %d", n)
			}
		})
	}
}

func TestSendReactionToLocalAuthorIsNotFederated(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.createLocal(t, "alice")
	carol := env.createLocal(t, "carol")
	obj := env.createObject(t, carol, domain.VisibilityPublic, "local art")
	ctx := context.Background()

	rec, err := env.outbox.SendReaction(ctx, alice, obj, "")
	if err != nil || rec != nil {
		t.Errorf("Expected local like without delivery, got %v, %v", rec, err)
	}
	rec, err = env.outbox.SendReaction(ctx, alice, obj, "")
	if err != nil || rec != nil {
		t.Errorf("Expected duplicate like to be a no-op, got %v, %v", rec, err)
	}
	if n, _ := env.store.CountLikes(ctx, obj.Id); n != 1 {
		t.Errorf("Expected 1 like, got %d", n)
	}
}
