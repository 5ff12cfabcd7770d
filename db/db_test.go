package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

// setupTestDB creates a migrated in-memory SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestActor(t *testing.T, db *DB, username, domainName string) *domain.Actor {
	t.Helper()
	base := "https://local.test"
	if domainName != "" {
		base = "https://" + domainName
	}
	a := &domain.Actor{
		ActorURI:  fmt.Sprintf("%s/users/%s", base, username),
		Username:  username,
		Domain:    domainName,
		InboxURI:  fmt.Sprintf("%s/users/%s/inbox", base, username),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.CreateActor(context.Background(), a); err != nil {
		t.Fatalf("Failed to create actor %s: %v", username, err)
	}
	return a
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: dialectSQLite}
	pg := &DB{dialect: dialectPostgres}

	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := sqlite.rebind(q); got != q {
		t.Errorf("Expected sqlite query unchanged, got %s", got)
	}
	if got := pg.rebind(q); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("Unexpected postgres rebind: %s", got)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "", nil); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Second migration run failed: %v", err)
	}
}

func TestReadActorById(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestActor(t, db, "alice", "")

	got, err := db.ReadActorById(ctx, a.Id)
	if err != nil {
		t.Fatalf("ReadActorById failed: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Expected username 'alice', got '%s'", got.Username)
	}
	if !got.IsLocal() {
		t.Error("Expected local actor")
	}

	byName, err := db.ReadLocalActorByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadLocalActorByUsername failed: %v", err)
	}
	if byName.Id != a.Id {
		t.Errorf("Expected id %s, got %s", a.Id, byName.Id)
	}
}

func TestReadActorNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.ReadActorByURI(context.Background(), "https://nowhere.test/users/ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateActorDuplicateHandle(t *testing.T) {
	db := setupTestDB(t)
	createTestActor(t, db, "alice", "")

	dup := &domain.Actor{ActorURI: "https://local.test/users/alice2", Username: "alice"}
	if err := db.CreateActor(context.Background(), dup); err == nil {
		t.Error("Expected unique violation for duplicate (username, domain)")
	}
}

func TestUpsertRemoteActorKeepsIdAndResetsErrors(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	remote := &domain.Actor{
		ActorURI:    "https://remote.test/users/bob",
		Username:    "bob",
		Domain:      "remote.test",
		DisplayName: "Bob",
		InboxURI:    "https://remote.test/users/bob/inbox",
	}
	first, err := db.UpsertRemoteActor(ctx, remote)
	if err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	if err := db.IncrementActorFetchError(ctx, remote.ActorURI); err != nil {
		t.Fatalf("IncrementActorFetchError failed: %v", err)
	}
	stale, _ := db.ReadActorByURI(ctx, remote.ActorURI)
	if stale.FetchErrorCount != 1 {
		t.Errorf("Expected fetch error count 1, got %d", stale.FetchErrorCount)
	}

	refreshed := *remote
	refreshed.Id = uuid.Nil
	refreshed.DisplayName = "Robert"
	second, err := db.UpsertRemoteActor(ctx, &refreshed)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if second.Id != first.Id {
		t.Errorf("Expected stable id %s, got %s", first.Id, second.Id)
	}
	if second.DisplayName != "Robert" {
		t.Errorf("Expected display name 'Robert', got '%s'", second.DisplayName)
	}
	if second.FetchErrorCount != 0 {
		t.Errorf("Expected fetch error count reset, got %d", second.FetchErrorCount)
	}
}

func TestUpsertRemoteActorRejectsLocal(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.UpsertRemoteActor(context.Background(), &domain.Actor{ActorURI: "https://local.test/users/x", Username: "x"})
	if err == nil {
		t.Error("Expected error for actor without domain")
	}
}

func TestSetActorKeysIfEmpty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestActor(t, db, "alice", "")

	won, err := db.SetActorKeysIfEmpty(ctx, a.Id, "pub-1", "priv-1")
	if err != nil || !won {
		t.Fatalf("Expected first key write to win, got won=%v err=%v", won, err)
	}
	won, err = db.SetActorKeysIfEmpty(ctx, a.Id, "pub-2", "priv-2")
	if err != nil {
		t.Fatalf("Second key write failed: %v", err)
	}
	if won {
		t.Error("Expected second key write to lose")
	}

	got, _ := db.ReadActorById(ctx, a.Id)
	if got.PrivateKeyPem != "priv-1" {
		t.Errorf("Expected original key to survive, got %s", got.PrivateKeyPem)
	}
}

func TestCountLocalActors(t *testing.T) {
	db := setupTestDB(t)
	createTestActor(t, db, "alice", "")
	createTestActor(t, db, "carol", "")
	createTestActor(t, db, "bob", "remote.test")

	n, err := db.CountLocalActors(context.Background())
	if err != nil {
		t.Fatalf("CountLocalActors failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 local actors, got %d", n)
	}
}

func TestCreateFollowIfAbsentIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")
	bob := createTestActor(t, db, "bob", "remote.test")

	f := &domain.Follow{FollowerId: bob.Id, FollowingId: alice.Id, URI: "https://remote.test/follows/1"}
	stored, created, err := db.CreateFollowIfAbsent(ctx, f)
	if err != nil {
		t.Fatalf("CreateFollowIfAbsent failed: %v", err)
	}
	if !created {
		t.Error("Expected first follow to be created")
	}
	if stored.Status != domain.FollowPending {
		t.Errorf("Expected PENDING, got %s", stored.Status)
	}

	again := &domain.Follow{FollowerId: bob.Id, FollowingId: alice.Id, URI: "https://remote.test/follows/2"}
	stored2, created, err := db.CreateFollowIfAbsent(ctx, again)
	if err != nil {
		t.Fatalf("Repeated CreateFollowIfAbsent failed: %v", err)
	}
	if created {
		t.Error("Expected repeated follow not to be created")
	}
	if stored2.Id != stored.Id {
		t.Errorf("Expected existing edge %s, got %s", stored.Id, stored2.Id)
	}
}

func TestFollowLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")
	bob := createTestActor(t, db, "bob", "remote.test")

	f, _, err := db.CreateFollowIfAbsent(ctx, &domain.Follow{FollowerId: bob.Id, FollowingId: alice.Id, URI: "https://remote.test/f/1"})
	if err != nil {
		t.Fatalf("CreateFollowIfAbsent failed: %v", err)
	}
	if n, _ := db.CountFollowers(ctx, alice.Id); n != 0 {
		t.Errorf("Expected pending follow not counted, got %d", n)
	}

	if err := db.SetFollowStatus(ctx, f.Id, domain.FollowAccepted); err != nil {
		t.Fatalf("SetFollowStatus failed: %v", err)
	}
	if n, _ := db.CountFollowers(ctx, alice.Id); n != 1 {
		t.Errorf("Expected 1 follower, got %d", n)
	}
	if n, _ := db.CountFollowing(ctx, bob.Id); n != 1 {
		t.Errorf("Expected bob following 1, got %d", n)
	}

	followers, err := db.ReadRemoteFollowers(ctx, alice.Id)
	if err != nil {
		t.Fatalf("ReadRemoteFollowers failed: %v", err)
	}
	if len(followers) != 1 || followers[0].InboxURI != bob.InboxURI {
		t.Errorf("Expected bob as remote follower, got %+v", followers)
	}

	deleted, err := db.DeleteFollowByURI(ctx, "https://remote.test/f/1")
	if err != nil || !deleted {
		t.Fatalf("Expected follow deleted by URI, got deleted=%v err=%v", deleted, err)
	}
	deleted, _ = db.DeleteFollowByURI(ctx, "https://remote.test/f/1")
	if deleted {
		t.Error("Expected second delete to be a no-op")
	}
}

func TestReadFollowerURIsPaging(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")

	base := time.Now().UTC()
	var want []string
	for i := 0; i < 5; i++ {
		f := createTestActor(t, db, fmt.Sprintf("f%d", i), "remote.test")
		_, _, err := db.CreateFollowIfAbsent(ctx, &domain.Follow{
			FollowerId:  f.Id,
			FollowingId: alice.Id,
			Status:      domain.FollowAccepted,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateFollowIfAbsent failed: %v", err)
		}
		want = append([]string{f.ActorURI}, want...)
	}

	page1, err := db.ReadFollowerURIs(ctx, alice.Id, 3, 0)
	if err != nil {
		t.Fatalf("ReadFollowerURIs failed: %v", err)
	}
	page2, _ := db.ReadFollowerURIs(ctx, alice.Id, 3, 3)
	got := append(page1, page2...)
	if len(got) != len(want) {
		t.Fatalf("Expected %d followers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestDeleteFollowsOf(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")
	bob := createTestActor(t, db, "bob", "remote.test")

	db.CreateFollowIfAbsent(ctx, &domain.Follow{FollowerId: bob.Id, FollowingId: alice.Id})
	db.CreateFollowIfAbsent(ctx, &domain.Follow{FollowerId: alice.Id, FollowingId: bob.Id})

	n, err := db.DeleteFollowsOf(ctx, bob.Id)
	if err != nil {
		t.Fatalf("DeleteFollowsOf failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 edges removed, got %d", n)
	}
}

func TestObjectRoundTripWithAttachments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")

	obj := &domain.FederatedObject{
		ApObjectId: "https://local.test/objects/1",
		Kind:       domain.KindArtwork,
		AuthorId:   alice.Id,
		Title:      "Sunset",
		Content:    "<p>sketch</p>",
		Visibility: domain.VisibilityPublic,
		Sensitive:  true,
		Attachments: []domain.Attachment{
			{URL: "https://local.test/media/a.png", MediaType: "image/png", Width: 800, Height: 600},
			{URL: "https://local.test/media/b.png", MediaType: "image/png"},
		},
	}
	if err := db.CreateObject(ctx, obj); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	got, err := db.ReadObjectByApId(ctx, obj.ApObjectId)
	if err != nil {
		t.Fatalf("ReadObjectByApId failed: %v", err)
	}
	if !got.Sensitive || got.Title != "Sunset" {
		t.Errorf("Unexpected object: %+v", got)
	}
	if len(got.Attachments) != 2 || got.Attachments[0].URL != "https://local.test/media/a.png" {
		t.Fatalf("Expected 2 ordered attachments, got %+v", got.Attachments)
	}
	if got.Attachments[0].Width != 800 {
		t.Errorf("Expected width 800, got %d", got.Attachments[0].Width)
	}

	got.Content = "<p>finished</p>"
	added := []domain.Attachment{{URL: "https://local.test/media/c.png", MediaType: "image/png"}}
	removed := []uuid.UUID{got.Attachments[0].Id}
	if err := db.UpdateObject(ctx, got, added, removed); err != nil {
		t.Fatalf("UpdateObject failed: %v", err)
	}

	updated, _ := db.ReadObjectById(ctx, obj.Id)
	if updated.Content != "<p>finished</p>" {
		t.Errorf("Expected updated content, got %s", updated.Content)
	}
	if updated.UpdatedAt == nil {
		t.Error("Expected updated_at to be set")
	}
	if len(updated.Attachments) != 2 {
		t.Fatalf("Expected 2 attachments after diff, got %d", len(updated.Attachments))
	}
	if updated.Attachments[0].URL != "https://local.test/media/b.png" || updated.Attachments[1].URL != "https://local.test/media/c.png" {
		t.Errorf("Unexpected attachment order: %+v", updated.Attachments)
	}
}

func TestDuplicateApObjectId(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")

	o1 := &domain.FederatedObject{ApObjectId: "https://remote.test/notes/1", Kind: domain.KindComment, AuthorId: alice.Id}
	if err := db.CreateObject(ctx, o1); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	o2 := &domain.FederatedObject{ApObjectId: "https://remote.test/notes/1", Kind: domain.KindComment, AuthorId: alice.Id}
	if err := db.CreateObject(ctx, o2); err == nil {
		t.Error("Expected duplicate ap_object_id to fail")
	}
}

func TestTombstoneAndPublicListing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")

	vis := []domain.Visibility{domain.VisibilityPublic, domain.VisibilityUnlisted, domain.VisibilityFollowersOnly, domain.VisibilityPrivate}
	var ids []uuid.UUID
	for i, v := range vis {
		o := &domain.FederatedObject{
			Kind:       domain.KindArtwork,
			AuthorId:   alice.Id,
			Visibility: v,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := db.CreateObject(ctx, o); err != nil {
			t.Fatalf("CreateObject failed: %v", err)
		}
		ids = append(ids, o.Id)
	}

	n, _ := db.CountPublicObjectsByAuthor(ctx, alice.Id)
	if n != 2 {
		t.Errorf("Expected 2 outbox-visible objects, got %d", n)
	}

	ok, err := db.TombstoneObject(ctx, ids[0])
	if err != nil || !ok {
		t.Fatalf("Expected tombstone to apply, got ok=%v err=%v", ok, err)
	}
	ok, _ = db.TombstoneObject(ctx, ids[0])
	if ok {
		t.Error("Expected second tombstone to be a no-op")
	}

	objs, err := db.ReadPublicObjectsByAuthor(ctx, alice.Id, 20, 0)
	if err != nil {
		t.Fatalf("ReadPublicObjectsByAuthor failed: %v", err)
	}
	if len(objs) != 1 || objs[0].Id != ids[1] {
		t.Errorf("Expected only the unlisted object, got %+v", objs)
	}

	gone, _ := db.ReadObjectById(ctx, ids[0])
	if !gone.IsDeleted() {
		t.Error("Expected tombstoned object to report deleted")
	}
}

func TestLikesIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")
	bob := createTestActor(t, db, "bob", "remote.test")
	obj := &domain.FederatedObject{Kind: domain.KindArtwork, AuthorId: alice.Id}
	db.CreateObject(ctx, obj)

	like := &domain.Like{ActorId: bob.Id, ObjectId: obj.Id, URI: "https://remote.test/likes/1"}
	created, err := db.CreateLikeIfAbsent(ctx, like)
	if err != nil || !created {
		t.Fatalf("Expected like created, got created=%v err=%v", created, err)
	}
	created, _ = db.CreateLikeIfAbsent(ctx, &domain.Like{ActorId: bob.Id, ObjectId: obj.Id, URI: "https://remote.test/likes/2"})
	if created {
		t.Error("Expected duplicate like to be ignored")
	}
	react := &domain.Like{ActorId: bob.Id, ObjectId: obj.Id, URI: "https://remote.test/react/1", Emoji: "🎨"}
	if created, _ := db.CreateLikeIfAbsent(ctx, react); !created {
		t.Error("Expected reaction alongside like to be created")
	}
	if n, _ := db.CountLikes(ctx, obj.Id); n != 2 {
		t.Errorf("Expected 2 likes, got %d", n)
	}

	if deleted, _ := db.DeleteLikeByURI(ctx, "https://remote.test/unknown"); deleted {
		t.Error("Expected deleting unknown like to be a no-op")
	}
	if deleted, _ := db.DeleteLike(ctx, bob.Id, obj.Id, "🎨"); !deleted {
		t.Error("Expected reaction deleted by edge")
	}
}

func TestActivityLogDedup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := &domain.InboundActivity{
		ActivityURI:  "https://remote.test/activities/1",
		ActivityType: "Follow",
		ActorURI:     "https://remote.test/users/bob",
		RawJSON:      `{}`,
	}
	created, err := db.CreateActivityIfAbsent(ctx, a)
	if err != nil || !created {
		t.Fatalf("Expected activity logged, got created=%v err=%v", created, err)
	}
	created, _ = db.CreateActivityIfAbsent(ctx, &domain.InboundActivity{
		ActivityURI: a.ActivityURI, ActivityType: "Follow", ActorURI: a.ActorURI, RawJSON: `{}`,
	})
	if created {
		t.Error("Expected second log of same id to be ignored")
	}

	if err := db.MarkActivityProcessed(ctx, a.Id); err != nil {
		t.Fatalf("MarkActivityProcessed failed: %v", err)
	}
	got, err := db.ReadActivityByURI(ctx, a.ActivityURI)
	if err != nil {
		t.Fatalf("ReadActivityByURI failed: %v", err)
	}
	if !got.Processed {
		t.Error("Expected activity processed")
	}
}

func TestDeliveryStatusIsMonotonic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := &domain.DeliveryRecord{
		SenderId:     uuid.New(),
		InboxURL:     "https://remote.test/inbox",
		ActivityType: "Create",
		ActivityId:   "https://local.test/activities/1",
		Payload:      `{}`,
	}
	if err := db.CreateDelivery(ctx, rec); err != nil {
		t.Fatalf("CreateDelivery failed: %v", err)
	}

	at := time.Now().UTC()
	rec.Status = domain.DeliveryDelivered
	rec.AttemptCount = 1
	rec.LastAttemptAt = &at
	if ok, err := db.UpdateDeliveryAttempt(ctx, rec); err != nil || !ok {
		t.Fatalf("Expected update to apply, got ok=%v err=%v", ok, err)
	}

	rec.Status = domain.DeliveryFailed
	rec.AttemptCount = 2
	if ok, _ := db.UpdateDeliveryAttempt(ctx, rec); ok {
		t.Error("Expected terminal record not to change")
	}

	got, _ := db.ReadDelivery(ctx, rec.Id)
	if got.Status != domain.DeliveryDelivered || got.AttemptCount != 1 {
		t.Errorf("Expected DELIVERED after 1 attempt, got %s after %d", got.Status, got.AttemptCount)
	}
	if got.LastAttemptAt == nil {
		t.Error("Expected last attempt time")
	}

	list, _ := db.ReadDeliveries(ctx, domain.DeliveryDelivered, 10)
	if len(list) != 1 {
		t.Errorf("Expected 1 delivered record, got %d", len(list))
	}
	byActivity, _ := db.ReadDeliveriesByActivity(ctx, rec.ActivityId)
	if len(byActivity) != 1 {
		t.Errorf("Expected 1 record for activity, got %d", len(byActivity))
	}
}

func TestInstanceTrustUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.ReadInstanceTrust(ctx, "remote.test"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	checked := time.Now().UTC()
	tr := &domain.InstanceTrust{Domain: "remote.test", Software: "mastodon", Version: "4.2.0", Known: true, CheckedAt: checked, ExpiresAt: checked.Add(time.Hour)}
	if err := db.UpsertInstanceTrust(ctx, tr); err != nil {
		t.Fatalf("UpsertInstanceTrust failed: %v", err)
	}
	tr.Software = "misskey"
	db.UpsertInstanceTrust(ctx, tr)

	got, err := db.ReadInstanceTrust(ctx, "remote.test")
	if err != nil {
		t.Fatalf("ReadInstanceTrust failed: %v", err)
	}
	if got.Software != "misskey" || !got.Known {
		t.Errorf("Unexpected trust row: %+v", got)
	}
}

func TestJobClaimAndReschedule(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	nowTs := time.Now().UTC()

	due := &domain.Job{Kind: "delivery.retry", Payload: "a", RunAt: nowTs.Add(-time.Second)}
	later := &domain.Job{Kind: "delivery.retry", Payload: "b", RunAt: nowTs.Add(time.Hour)}
	db.CreateJob(ctx, due)
	db.CreateJob(ctx, later)

	claimed, err := db.ClaimDueJobs(ctx, nowTs, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Id != due.Id {
		t.Fatalf("Expected only the due job, got %+v", claimed)
	}
	if again, _ := db.ClaimDueJobs(ctx, nowTs, 10); len(again) != 0 {
		t.Errorf("Expected claimed job not to be claimed twice, got %d", len(again))
	}

	if err := db.RescheduleJob(ctx, due.Id, 1, nowTs.Add(-time.Millisecond), "boom"); err != nil {
		t.Fatalf("RescheduleJob failed: %v", err)
	}
	claimed, _ = db.ClaimDueJobs(ctx, nowTs, 10)
	if len(claimed) != 1 || claimed[0].Attempts != 1 || claimed[0].LastError != "boom" {
		t.Errorf("Expected rescheduled job claimable with attempt 1, got %+v", claimed)
	}

	if n, _ := db.ResetRunningJobs(ctx); n != 1 {
		t.Errorf("Expected 1 running job reset, got %d", n)
	}
	db.DeadLetterJob(ctx, due.Id, 2, "gave up")
	if n, _ := db.CountJobs(ctx, "delivery.retry", domain.JobDead); n != 1 {
		t.Errorf("Expected 1 dead job, got %d", n)
	}
}

func TestFindOrCreateConversation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")
	bob := createTestActor(t, db, "bob", "remote.test")

	c1, err := db.FindOrCreateConversation(ctx, "key-ab", []uuid.UUID{alice.Id, bob.Id})
	if err != nil {
		t.Fatalf("FindOrCreateConversation failed: %v", err)
	}
	c2, err := db.FindOrCreateConversation(ctx, "key-ab", []uuid.UUID{alice.Id, bob.Id})
	if err != nil {
		t.Fatalf("Second FindOrCreateConversation failed: %v", err)
	}
	if c1.Id != c2.Id {
		t.Errorf("Expected same conversation, got %s and %s", c1.Id, c2.Id)
	}
	ids, _ := db.ReadConversationParticipants(ctx, c1.Id)
	if len(ids) != 2 {
		t.Errorf("Expected 2 participants, got %d", len(ids))
	}
}

func TestNotifications(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestActor(t, db, "alice", "")
	bob := createTestActor(t, db, "bob", "remote.test")

	objId := uuid.New()
	db.CreateNotification(ctx, &domain.Notification{RecipientId: alice.Id, ActorId: bob.Id, Kind: domain.NotifyFollow})
	db.CreateNotification(ctx, &domain.Notification{RecipientId: alice.Id, ActorId: bob.Id, Kind: domain.NotifyLike, ObjectId: &objId})

	list, err := db.ReadNotifications(ctx, alice.Id, 10)
	if err != nil {
		t.Fatalf("ReadNotifications failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(list))
	}
	var sawObject bool
	for _, n := range list {
		if n.ObjectId != nil && *n.ObjectId == objId {
			sawObject = true
		}
	}
	if !sawObject {
		t.Error("Expected like notification to carry object id")
	}
}
