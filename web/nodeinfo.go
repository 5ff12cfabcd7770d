package web

import (
	"net/http"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/gin-gonic/gin"
)

const nodeInfoContentType = `application/json; profile="` + activitypub.NodeInfoProfile + `#"`

func (h *handlers) nodeInfoLinks(c *gin.Context) {
	h.writeJSON(c, http.StatusOK, "application/json; charset=utf-8", activitypub.LocalNodeInfoLinks(h.conf))
}

func (h *handlers) nodeInfo(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := h.Store.CountLocalActors(ctx)
	if err != nil {
		h.internalError(c, "http: failed to count users", err)
		return
	}
	// the instance actor is not a user
	if _, err := h.Store.ReadLocalActorByUsername(ctx, activitypub.InstanceActorUsername); err == nil && users > 0 {
		users--
	}
	h.writeJSON(c, http.StatusOK, nodeInfoContentType, activitypub.LocalNodeInfo(h.conf, users))
}
