package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/barineco/illo-sub000/db"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxInboxBody caps inbound activity bodies.
const MaxInboxBody = 1 << 20

const activityJSON = activitypub.ContentType + "; charset=utf-8"

// Deps is everything the HTTP surface reads from or hands requests to.
type Deps struct {
	Store     *db.DB
	Directory *activitypub.Directory
	Outbox    *activitypub.Outbox
	Processor *activitypub.Processor
	Paginator *activitypub.Paginator
	Logger    *zap.Logger

	// Per-IP limits; zero values select 10 req/s with a burst of 20 globally
	// and 5 req/s with a burst of 10 on the inboxes.
	GlobalRate  rate.Limit
	GlobalBurst int
	InboxRate   rate.Limit
	InboxBurst  int
}

type handlers struct {
	Deps
	conf activitypub.Config
	log  *zap.Logger
}

// NewRouter builds the federation HTTP surface. Its rate limiters stop
// when ctx is done.
func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.GlobalRate == 0 {
		d.GlobalRate, d.GlobalBurst = rate.Limit(10), 20
	}
	if d.InboxRate == 0 {
		d.InboxRate, d.InboxBurst = rate.Limit(5), 10
	}
	h := &handlers{Deps: d, conf: d.Directory.Config(), log: d.Logger}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(d.Logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	global := NewRateLimiter(d.GlobalRate, d.GlobalBurst)
	inbox := NewRateLimiter(d.InboxRate, d.InboxBurst)
	global.StopOnDone(ctx)
	inbox.StopOnDone(ctx)
	g.Use(RateLimitMiddleware(global))

	inboxLimit := RateLimitMiddleware(inbox)
	maxBody := MaxBytesMiddleware(MaxInboxBody)

	g.GET("/users/:handle", h.actor)
	g.POST("/users/:handle/inbox", inboxLimit, maxBody, h.inbox)
	g.POST("/inbox", inboxLimit, maxBody, h.inbox)
	g.GET("/users/:handle/outbox", h.collection(activitypub.CollectionOutbox))
	g.GET("/users/:handle/followers", h.collection(activitypub.CollectionFollowers))
	g.GET("/users/:handle/following", h.collection(activitypub.CollectionFollowing))
	g.GET("/users/:handle/feed.rss", h.feed)
	g.GET("/objects/:id", h.object)

	g.GET("/.well-known/webfinger", h.webfinger)
	g.GET("/.well-known/nodeinfo", h.nodeInfoLinks)
	g.GET("/nodeinfo/2.1", h.nodeInfo)

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return g
}

// handle is the :handle path parameter without a leading @.
func handle(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("handle"), "@")
}

func (h *handlers) writeJSON(c *gin.Context, status int, contentType string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Error("http: failed to encode response", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, contentType, body)
}

func (h *handlers) writeActivity(c *gin.Context, status int, v any) {
	h.writeJSON(c, status, activityJSON, v)
}

func (h *handlers) internalError(c *gin.Context, msg string, err error) {
	h.log.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
}
