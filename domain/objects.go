package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic        Visibility = "PUBLIC"
	VisibilityUnlisted      Visibility = "UNLISTED"
	VisibilityFollowersOnly Visibility = "FOLLOWERS_ONLY"
	VisibilityPrivate       Visibility = "PRIVATE"
)

// ParseVisibility accepts the canonical names and the lowercase forms used in config and CLI flags.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PUBLIC":
		return VisibilityPublic, nil
	case "UNLISTED":
		return VisibilityUnlisted, nil
	case "FOLLOWERS_ONLY", "FOLLOWERS":
		return VisibilityFollowersOnly, nil
	case "PRIVATE", "DIRECT":
		return VisibilityPrivate, nil
	}
	return "", fmt.Errorf("unknown visibility %q", s)
}

type ObjectKind string

const (
	KindArtwork ObjectKind = "artwork"
	KindComment ObjectKind = "comment"
	KindMessage ObjectKind = "message"
)

// FederatedObject is the Note projection of a piece of local or remote content.
// ApObjectId is the federation identity; Id is only meaningful locally.
type FederatedObject struct {
	Id             uuid.UUID
	ApObjectId     string
	Kind           ObjectKind
	AuthorId       uuid.UUID
	InReplyToId    *uuid.UUID
	ConversationId *uuid.UUID
	Title          string
	Content        string
	Summary        string
	Visibility     Visibility
	Sensitive      bool
	Attachments    []Attachment
	CreatedAt      time.Time
	UpdatedAt      *time.Time
	DeletedAt      *time.Time
}

func (o *FederatedObject) IsDeleted() bool {
	return o.DeletedAt != nil
}

type Attachment struct {
	Id        uuid.UUID
	ObjectId  uuid.UUID
	URL       string
	MediaType string
	Name      string
	Width     int
	Height    int
}

func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

// Conversation groups private messages by their exact participant set.
type Conversation struct {
	Id             uuid.UUID
	ParticipantKey string
	CreatedAt      time.Time
}
