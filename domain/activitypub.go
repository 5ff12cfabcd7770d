package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor is a local or cached remote ActivityPub identity.
// Local actors have an empty Domain.
type Actor struct {
	Id              uuid.UUID
	ActorURI        string
	Username        string
	Domain          string
	DisplayName     string
	Summary         string
	InboxURI        string
	OutboxURI       string
	FollowersURI    string
	FollowingURI    string
	SharedInboxURI  string
	PublicKeyPem    string
	PrivateKeyPem   string // only ever set for local actors, generated lazily
	AvatarURL       string
	HeaderURL       string
	FetchErrorCount int
	LastFetchedAt   time.Time
	CreatedAt       time.Time
}

func (a *Actor) IsLocal() bool {
	return a.Domain == ""
}

// HasPrivateKey reports whether the actor is local and already keyed.
func (a *Actor) HasPrivateKey() bool {
	return a.PrivateKeyPem != ""
}

// Handle returns user@domain for remote actors and the bare username for local ones.
func (a *Actor) Handle() string {
	if a.IsLocal() {
		return a.Username
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

type FollowStatus string

const (
	FollowPending  FollowStatus = "PENDING"
	FollowAccepted FollowStatus = "ACCEPTED"
)

// Follow is a directed edge: FollowerId follows FollowingId.
type Follow struct {
	Id          uuid.UUID
	FollowerId  uuid.UUID
	FollowingId uuid.UUID
	URI         string // Follow activity URI
	Status      FollowStatus
	CreatedAt   time.Time
}

// Like is a like or emoji reaction on a federated object.
type Like struct {
	Id        uuid.UUID
	ActorId   uuid.UUID
	ObjectId  uuid.UUID
	URI       string // Like / EmojiReact activity URI
	Emoji     string // empty for a plain Like
	CreatedAt time.Time
}

// InboundActivity is the log of received activities, used for deduplication.
type InboundActivity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// DeliveryRecord anchors one activity→inbox delivery sequence. Records are never deleted.
type DeliveryRecord struct {
	Id            uuid.UUID
	SenderId      uuid.UUID
	InboxURL      string
	ActivityType  string
	ActivityId    string
	Payload       string
	Status        DeliveryStatus
	AttemptCount  int
	LastError     string
	LastAttemptAt *time.Time
	JobRef        string
	CreatedAt     time.Time
}

type NotificationKind string

const (
	NotifyFollow   NotificationKind = "follow"
	NotifyLike     NotificationKind = "like"
	NotifyReaction NotificationKind = "reaction"
	NotifyComment  NotificationKind = "comment"
	NotifyMessage  NotificationKind = "message"
)

type Notification struct {
	Id          uuid.UUID
	RecipientId uuid.UUID
	ActorId     uuid.UUID
	Kind        NotificationKind
	ObjectId    *uuid.UUID
	CreatedAt   time.Time
}

// InstanceTrust is the persisted NodeInfo classification of a remote domain.
type InstanceTrust struct {
	Domain    string
	Software  string
	Version   string
	Known     bool
	CheckedAt time.Time
	ExpiresAt time.Time
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// Job is a row of the durable job queue.
type Job struct {
	Id        uuid.UUID
	Kind      string
	Payload   string
	Attempts  int
	RunAt     time.Time
	Status    JobStatus
	LastError string
	CreatedAt time.Time
}
