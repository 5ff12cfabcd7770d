package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/barineco/illo-sub000/db"
	"github.com/gin-gonic/gin"
)

// collection serves the summary of kind, or one page of it with ?page=N.
// A page number that is not a number is treated like one out of range.
func (h *handlers) collection(kind activitypub.CollectionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		owner, err := h.Store.ReadLocalActorByUsername(ctx, handle(c))
		if errors.Is(err, db.ErrNotFound) {
			notFound(c, "Actor")
			return
		}
		if err != nil {
			h.internalError(c, "http: failed to read collection owner", err)
			return
		}

		raw, paged := c.GetQuery("page")
		if !paged {
			summary, err := h.Paginator.Summary(ctx, owner, kind)
			if err != nil {
				h.internalError(c, "http: failed to build collection", err)
				return
			}
			h.writeActivity(c, http.StatusOK, summary)
			return
		}

		n, err := strconv.Atoi(raw)
		if err != nil {
			n = 1
		}
		page, err := h.Paginator.Page(ctx, owner, kind, n)
		if err != nil {
			h.internalError(c, "http: failed to build collection page", err)
			return
		}
		h.writeActivity(c, http.StatusOK, page)
	}
}
