package activitypub

import (
	"context"
	"fmt"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
)

// PageSize is the fixed number of items per collection page.
const PageSize = 20

type CollectionKind string

const (
	CollectionOutbox    CollectionKind = "outbox"
	CollectionFollowers CollectionKind = "followers"
	CollectionFollowing CollectionKind = "following"
)

// ParseCollectionKind accepts the path segment of a collection URL.
func ParseCollectionKind(s string) (CollectionKind, bool) {
	switch CollectionKind(s) {
	case CollectionOutbox, CollectionFollowers, CollectionFollowing:
		return CollectionKind(s), true
	}
	return "", false
}

type OrderedCollection struct {
	Context    any    `json:"@context"`
	Id         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
}

type OrderedCollectionPage struct {
	Context      any    `json:"@context"`
	Id           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
	PartOf       string `json:"partOf"`
	Next         string `json:"next,omitempty"`
	Prev         string `json:"prev,omitempty"`
}

// Paginator serves the outbox, followers and following collections of local
// actors. Totals are recomputed on every request.
type Paginator struct {
	store  *db.DB
	outbox *Outbox
	conf   Config
}

func NewPaginator(store *db.DB, outbox *Outbox) *Paginator {
	return &Paginator{store: store, outbox: outbox, conf: outbox.conf}
}

func (p *Paginator) Summary(ctx context.Context, owner *domain.Actor, kind CollectionKind) (*OrderedCollection, error) {
	id, err := p.collectionID(owner, kind)
	if err != nil {
		return nil, err
	}
	total, err := p.total(ctx, owner, kind)
	if err != nil {
		return nil, err
	}
	return &OrderedCollection{
		Context:    activityStreams,
		Id:         id,
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      pageURL(id, 1),
	}, nil
}

// Page returns page n, newest first. Pages outside 1..last are served as page 1.
func (p *Paginator) Page(ctx context.Context, owner *domain.Actor, kind CollectionKind, n int) (*OrderedCollectionPage, error) {
	id, err := p.collectionID(owner, kind)
	if err != nil {
		return nil, err
	}
	total, err := p.total(ctx, owner, kind)
	if err != nil {
		return nil, err
	}
	last := LastPage(total)
	if n < 1 || n > last {
		n = 1
	}
	offset := (n - 1) * PageSize

	items, err := p.items(ctx, owner, kind, offset)
	if err != nil {
		return nil, err
	}
	page := &OrderedCollectionPage{
		Context:      activityStreams,
		Id:           pageURL(id, n),
		Type:         "OrderedCollectionPage",
		TotalItems:   total,
		OrderedItems: items,
		PartOf:       id,
	}
	if n < last {
		page.Next = pageURL(id, n+1)
	}
	if n > 1 {
		page.Prev = pageURL(id, n-1)
	}
	return page, nil
}

// LastPage is the number of the last page for total items; empty collections have one page.
func LastPage(total int) int {
	if total <= 0 {
		return 1
	}
	return (total + PageSize - 1) / PageSize
}

func (p *Paginator) collectionID(owner *domain.Actor, kind CollectionKind) (string, error) {
	if !owner.IsLocal() {
		return "", fmt.Errorf("%w: %s", ErrNotLocal, owner.ActorURI)
	}
	switch kind {
	case CollectionOutbox:
		return p.conf.OutboxURI(owner.Username), nil
	case CollectionFollowers:
		return p.conf.FollowersURI(owner.Username), nil
	case CollectionFollowing:
		return p.conf.FollowingURI(owner.Username), nil
	}
	return "", fmt.Errorf("unknown collection %q", kind)
}

func (p *Paginator) total(ctx context.Context, owner *domain.Actor, kind CollectionKind) (int, error) {
	switch kind {
	case CollectionOutbox:
		return p.store.CountPublicObjectsByAuthor(ctx, owner.Id)
	case CollectionFollowers:
		return p.store.CountFollowers(ctx, owner.Id)
	case CollectionFollowing:
		return p.store.CountFollowing(ctx, owner.Id)
	}
	return 0, fmt.Errorf("unknown collection %q", kind)
}

func (p *Paginator) items(ctx context.Context, owner *domain.Actor, kind CollectionKind, offset int) ([]any, error) {
	var uris []string
	var err error
	switch kind {
	case CollectionFollowers:
		uris, err = p.store.ReadFollowerURIs(ctx, owner.Id, PageSize, offset)
	case CollectionFollowing:
		uris, err = p.store.ReadFollowingURIs(ctx, owner.Id, PageSize, offset)
	case CollectionOutbox:
		return p.outboxItems(ctx, owner, offset)
	}
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(uris))
	for _, u := range uris {
		items = append(items, u)
	}
	return items, nil
}

func (p *Paginator) outboxItems(ctx context.Context, owner *domain.Actor, offset int) ([]any, error) {
	objects, err := p.store.ReadPublicObjectsByAuthor(ctx, owner.Id, PageSize, offset)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(objects))
	for i := range objects {
		activity, err := p.outbox.CreateActivityFor(ctx, owner, &objects[i])
		if err != nil {
			return nil, err
		}
		items = append(items, activity)
	}
	return items, nil
}

func pageURL(collectionID string, n int) string {
	return fmt.Sprintf("%s?page=%d", collectionID, n)
}
