package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const rssItemLimit = 50

// GetRSS renders the latest public objects of a local actor. Unlisted
// objects stay out of the feed.
func GetRSS(ctx context.Context, store *db.DB, outbox *activitypub.Outbox, conf activitypub.Config, username string) (string, error) {
	actor, err := store.ReadLocalActorByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	objects, err := store.ReadPublicObjectsByAuthor(ctx, actor.Id, rssItemLimit, 0)
	if err != nil {
		return "", fmt.Errorf("reading objects of %s: %w", username, err)
	}

	name := actor.DisplayName
	if name == "" {
		name = actor.Username
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s@%s)", name, actor.Username, conf.Domain),
		Link:        &feeds.Link{Href: actor.ActorURI},
		Description: actor.Summary,
		Author:      &feeds.Author{Name: name},
		Created:     time.Now(),
	}

	for i := range objects {
		obj := &objects[i]
		if obj.Visibility != domain.VisibilityPublic {
			continue
		}
		iri := outbox.ObjectIRI(obj)
		title := obj.Title
		if title == "" {
			title = obj.CreatedAt.UTC().Format("2006-01-02 15:04")
		}
		item := &feeds.Item{
			Id:          iri,
			Title:       title,
			Link:        &feeds.Link{Href: iri},
			Description: obj.Summary,
			Content:     obj.Content,
			Author:      &feeds.Author{Name: name},
			Created:     obj.CreatedAt,
		}
		if obj.UpdatedAt != nil {
			item.Updated = *obj.UpdatedAt
		}
		for _, a := range obj.Attachments {
			if a.IsImage() {
				item.Enclosure = &feeds.Enclosure{Url: a.URL, Type: a.MediaType, Length: "0"}
				break
			}
		}
		feed.Items = append(feed.Items, item)
	}
	return feed.ToRss()
}

func (h *handlers) feed(c *gin.Context) {
	rss, err := GetRSS(c.Request.Context(), h.Store, h.Outbox, h.conf, handle(c))
	if errors.Is(err, db.ErrNotFound) {
		c.Data(http.StatusNotFound, "application/xml; charset=utf-8", nil)
		return
	}
	if err != nil {
		h.internalError(c, "http: failed to render feed", err)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
