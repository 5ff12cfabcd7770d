package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const activityStreams = "https://www.w3.org/ns/activitystreams"

// Tombstone replaces a deleted object.
type Tombstone struct {
	Context    string `json:"@context"`
	Id         string `json:"id"`
	Type       string `json:"type"`
	FormerType string `json:"formerType"`
	Deleted    string `json:"deleted,omitempty"`
}

func (h *handlers) actor(c *gin.Context) {
	doc, err := h.Directory.LocalActorDocument(c.Request.Context(), handle(c))
	if errors.Is(err, db.ErrNotFound) {
		notFound(c, "Actor")
		return
	}
	if err != nil {
		h.internalError(c, "http: failed to build actor document", err)
		return
	}
	h.writeActivity(c, http.StatusOK, doc)
}

// object serves a local object as a Note. Only public and unlisted objects
// are served; deleted ones answer 410 with a Tombstone.
func (h *handlers) object(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c, "Object")
		return
	}
	obj, err := h.Store.ReadObjectById(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && obj.ApObjectId != "") {
		notFound(c, "Object")
		return
	}
	if err != nil {
		h.internalError(c, "http: failed to read object", err)
		return
	}

	if obj.IsDeleted() {
		t := Tombstone{
			Context:    activityStreams,
			Id:         h.conf.ObjectURI(obj.Id),
			Type:       "Tombstone",
			FormerType: "Note",
		}
		if obj.DeletedAt != nil {
			t.Deleted = obj.DeletedAt.UTC().Format(time.RFC3339)
		}
		h.writeActivity(c, http.StatusGone, t)
		return
	}
	if obj.Visibility != domain.VisibilityPublic && obj.Visibility != domain.VisibilityUnlisted {
		notFound(c, "Object")
		return
	}

	author, err := h.Store.ReadActorById(ctx, obj.AuthorId)
	if err != nil {
		h.internalError(c, "http: failed to read object author", err)
		return
	}
	note, err := h.Outbox.NoteFor(ctx, author, obj)
	if err != nil {
		h.internalError(c, "http: failed to build note", err)
		return
	}
	note.Context = activityStreams
	h.writeActivity(c, http.StatusOK, note)
}
