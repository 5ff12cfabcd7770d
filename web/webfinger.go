package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/barineco/illo-sub000/db"
	"github.com/gin-gonic/gin"
)

const jrdContentType = "application/jrd+json; charset=utf-8"

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// webfingerUser extracts the local username from an acct: resource or an
// actor IRI on this domain.
func webfingerUser(conf activitypub.Config, resource string) (string, bool) {
	if strings.HasPrefix(resource, "acct:") {
		acct := strings.TrimPrefix(strings.TrimPrefix(resource, "acct:"), "@")
		user, host, ok := strings.Cut(acct, "@")
		if !ok || user == "" || !strings.EqualFold(host, conf.Domain) {
			return "", false
		}
		return user, true
	}
	return conf.LocalUsername(resource)
}

func (h *handlers) webfinger(c *gin.Context) {
	username, ok := webfingerUser(h.conf, c.Query("resource"))
	if !ok {
		c.Data(http.StatusNotFound, jrdContentType, []byte(GetWebFingerNotFound()))
		return
	}
	actor, err := h.Store.ReadLocalActorByUsername(c.Request.Context(), username)
	if errors.Is(err, db.ErrNotFound) {
		c.Data(http.StatusNotFound, jrdContentType, []byte(GetWebFingerNotFound()))
		return
	}
	if err != nil {
		h.internalError(c, "http: webfinger lookup failed", err)
		return
	}

	profile := h.conf.BaseURL() + "/@" + actor.Username
	h.writeJSON(c, http.StatusOK, jrdContentType, WebfingerResponse{
		Subject: "acct:" + actor.Username + "@" + h.conf.Domain,
		Aliases: []string{actor.ActorURI, profile},
		Links: []WebfingerLink{
			{Rel: "self", Type: activitypub.ContentType, Href: actor.ActorURI},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: profile},
		},
	})
}
