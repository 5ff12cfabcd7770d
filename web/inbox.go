package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// inbox serves both the personal inboxes and the shared one. Anything that
// parses as JSON is answered 202 whatever the processing result, so remote
// servers learn nothing from the status code.
func (h *handlers) inbox(c *gin.Context) {
	username := handle(c)

	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		h.log.Info("inbox: failed to read body", zap.String("inbox", username), zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	res := h.Processor.Process(c.Request.Context(), activitypub.RequestFromHTTP(c.Request, body, username))
	h.log.Debug("inbox: processed", zap.String("inbox", username), zap.String("result", string(res)))
	c.Status(http.StatusAccepted)
}
