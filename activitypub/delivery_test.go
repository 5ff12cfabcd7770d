package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/barineco/illo-sub000/domain"
)

// deliveryFixture is alice on local.test followed by bob on a remote server.
type deliveryFixture struct {
	env    *testEnv
	remote *remoteServer
	alice  *domain.Actor
	bob    *domain.Actor
}

func newDeliveryFixture(t *testing.T, opts ...func(*Config)) *deliveryFixture {
	t.Helper()
	remote := newRemoteServer(t)
	key, _ := generateTestKeyPair(t)
	remote.addActor("bob", "Bob", key)
	env := newTestEnv(t, clientFor(remote), opts...)
	alice := env.createLocal(t, "alice")
	bob := env.resolve(t, remote.actorURI("bob"))
	env.acceptedFollow(t, bob, alice)
	return &deliveryFixture{env: env, remote: remote, alice: alice, bob: bob}
}

func (f *deliveryFixture) publish(t *testing.T) *domain.DeliveryRecord {
	t.Helper()
	obj := f.env.createObject(t, f.alice, domain.VisibilityPublic, "sunset study")
	recs, err := f.env.outbox.PublishObject(context.Background(), f.alice, obj)
	if err != nil {
		t.Fatalf("PublishObject failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 delivery record, got %d", len(recs))
	}
	return recs[0]
}

func (f *deliveryFixture) reload(t *testing.T, rec *domain.DeliveryRecord) *domain.DeliveryRecord {
	t.Helper()
	got, err := f.env.store.ReadDelivery(context.Background(), rec.Id)
	if err != nil {
		t.Fatalf("ReadDelivery failed: %v", err)
	}
	return got
}

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, time.Hour},
		{5, 4 * time.Hour},
		{6, 24 * time.Hour},
		{20, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestDeliveryFirstAttemptSucceeds(t *testing.T) {
	f := newDeliveryFixture(t)
	rec := f.publish(t)

	if rec.Status != domain.DeliveryDelivered || rec.AttemptCount != 1 {
		t.Errorf("Expected DELIVERED after 1 attempt, got %s after %d", rec.Status, rec.AttemptCount)
	}
	if rec.InboxURL != f.remote.srv.URL+"/inbox" {
		t.Errorf("Expected shared inbox, got %s", rec.InboxURL)
	}
	if len(f.env.queue.Pending()) != 0 {
		t.Error("Expected no retry to be queued")
	}

	received := f.remote.inbox()
	if len(received) != 1 {
		t.Fatalf("Expected 1 POST, got %d", len(received))
	}
	req := received[0]
	if ct := req.Header.Get("Content-Type"); ct != ContentType {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
	kp, err := f.env.dir.KeyFor(context.Background(), f.alice)
	if err != nil {
		t.Fatalf("KeyFor failed: %v", err)
	}
	pub, err := ParsePublicKey(kp.PublicPem)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !Verify(req.Header.Get("Signature"), req.Header, pub, http.MethodPost, req.Path, req.Body) {
		t.Error("Delivered request does not verify against the sender key")
	}
	if KeyIDFromSignature(req.Header.Get("Signature")) != f.alice.ActorURI+"#main-key" {
		t.Error("Unexpected keyId on delivery")
	}

	var activity map[string]any
	if err := json.Unmarshal(req.Body, &activity); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if activity["type"] != "Create" || activity["actor"] != f.alice.ActorURI {
		t.Errorf("Unexpected activity %v", activity)
	}
	if activity["@context"] == nil {
		t.Error("Expected @context on the delivered activity")
	}
}

func TestDeliveryRetriesUntilDelivered(t *testing.T) {
	f := newDeliveryFixture(t)
	f.remote.setStatuses(503, 503, 503, 200)
	ctx := context.Background()

	rec := f.publish(t)
	if rec.Status != domain.DeliveryPending || rec.AttemptCount != 1 {
		t.Fatalf("Expected PENDING after 1 attempt, got %s after %d", rec.Status, rec.AttemptCount)
	}
	if rec.JobRef == "" {
		t.Error("Expected a job reference for the scheduled retry")
	}
	if stored := f.reload(t, rec); stored.JobRef != rec.JobRef || stored.LastError == "" {
		t.Errorf("Expected job ref and last error to be stored, got %+v", stored)
	}

	for i := 0; i < 3; i++ {
		if n := f.env.queue.Flush(ctx); n != 1 {
			t.Fatalf("Flush %d ran %d jobs, want 1", i, n)
		}
	}

	got := f.reload(t, rec)
	if got.Status != domain.DeliveryDelivered {
		t.Errorf("Expected DELIVERED, got %s", got.Status)
	}
	if got.AttemptCount != 4 {
		t.Errorf("Expected 4 attempts, got %d", got.AttemptCount)
	}
	if got.LastError != "" {
		t.Errorf("Expected last error to be cleared, got %q", got.LastError)
	}
	if len(f.env.queue.Pending()) != 0 {
		t.Error("Expected no pending retries")
	}
	if n := len(f.remote.inbox()); n != 4 {
		t.Errorf("Expected 4 POSTs, got %d", n)
	}

	// every attempt is freshly signed
	received := f.remote.inbox()
	if received[0].Header.Get("Signature") == "" || received[3].Header.Get("Digest") != Digest(received[3].Body) {
		t.Error("Expected signed attempts with matching digest")
	}
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	f := newDeliveryFixture(t, func(c *Config) { c.MaxAttempts = 3 })
	f.remote.setStatuses(500)
	ctx := context.Background()

	rec := f.publish(t)
	f.env.queue.Flush(ctx)
	f.env.queue.Flush(ctx)

	got := f.reload(t, rec)
	if got.Status != domain.DeliveryFailed || got.AttemptCount != 3 {
		t.Errorf("Expected FAILED after 3 attempts, got %s after %d", got.Status, got.AttemptCount)
	}
	if len(f.env.queue.Pending()) != 0 {
		t.Error("Expected no further retries")
	}
	if len(f.env.queue.Dead()) != 0 {
		t.Error("A settled delivery must not dead-letter its job")
	}
	if n := f.env.queue.Flush(ctx); n != 0 {
		t.Errorf("Expected nothing left to run, ran %d", n)
	}
	if n := len(f.remote.inbox()); n != 3 {
		t.Errorf("Expected 3 POSTs, got %d", n)
	}
}

func TestDeliveryFailFast4xx(t *testing.T) {
	f := newDeliveryFixture(t, func(c *Config) { c.FailFast4xx = true })

	f.remote.setStatuses(http.StatusGone)
	rec := f.publish(t)
	if rec.Status != domain.DeliveryFailed || rec.AttemptCount != 1 {
		t.Errorf("Expected FAILED after 1 attempt for 410, got %s after %d", rec.Status, rec.AttemptCount)
	}

	f.remote.setStatuses(http.StatusTooManyRequests)
	rec = f.publish(t)
	if rec.Status != domain.DeliveryPending {
		t.Errorf("Expected 429 to be retried, got %s", rec.Status)
	}
}

func TestDelivery4xxRetriedByDefault(t *testing.T) {
	f := newDeliveryFixture(t)
	f.remote.setStatuses(http.StatusUnauthorized)

	rec := f.publish(t)
	if rec.Status != domain.DeliveryPending {
		t.Errorf("Expected 401 to be retried, got %s", rec.Status)
	}
	if len(f.env.queue.Pending()) != 1 {
		t.Error("Expected a queued retry")
	}
}

func TestHandleRetryIgnoresSettledRecord(t *testing.T) {
	f := newDeliveryFixture(t)
	rec := f.publish(t)

	err := f.env.delivery.HandleRetry(context.Background(), domain.Job{Kind: RetryJobKind, Payload: rec.Id.String()})
	if err != nil {
		t.Errorf("Expected nil for a delivered record, got %v", err)
	}
	if n := len(f.remote.inbox()); n != 1 {
		t.Errorf("Expected no extra POST, got %d", n)
	}

	if err := f.env.delivery.HandleRetry(context.Background(), domain.Job{Payload: "not-a-uuid"}); err == nil {
		t.Error("Expected error for malformed payload")
	}
}

func TestInboxesPrefersSharedInbox(t *testing.T) {
	actors := []domain.Actor{
		{InboxURI: "https://a.test/users/1/inbox", SharedInboxURI: "https://a.test/inbox"},
		{InboxURI: "https://a.test/users/2/inbox", SharedInboxURI: "https://a.test/inbox"},
		{InboxURI: "https://b.test/users/3/inbox"},
		{InboxURI: "https://b.test/users/3/inbox"},
		{},
	}
	got := Inboxes(actors)
	want := []string{"https://a.test/inbox", "https://b.test/users/3/inbox"}
	if len(got) != len(want) {
		t.Fatalf("Inboxes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Inboxes[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFanOutOncePerSharedInbox(t *testing.T) {
	f := newDeliveryFixture(t)
	key, _ := generateTestKeyPair(t)
	f.remote.addActor("carol", "Carol", key)
	carol := f.env.resolve(t, f.remote.actorURI("carol"))
	f.env.acceptedFollow(t, carol, f.alice)

	recs, err := f.env.delivery.FanOut(context.Background(), f.alice, &Outbound{
		Id:     f.env.conf.ActivityURI(),
		Type:   "Update",
		Actor:  f.alice.ActorURI,
		Object: f.alice.ActorURI,
	})
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("Expected one delivery to the shared inbox, got %d", len(recs))
	}
}
