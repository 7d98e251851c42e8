package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketbot/internal/signal"
)

// maxWebhookBody bounds how much of an inbound payload is read.
const maxWebhookBody = 64 << 10

// JobPublisher is satisfied by *config.Publisher.
type JobPublisher interface {
	Publish(ctx context.Context, queueName string, message interface{}) error
}

// WebhookHandler turns inbound alert payloads into queued signal jobs.
type WebhookHandler struct {
	publisher JobPublisher
	queue     string
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewWebhookHandler(publisher JobPublisher, queue string, log logrus.FieldLogger) *WebhookHandler {
	return &WebhookHandler{
		publisher: publisher,
		queue:     queue,
		log:       log,
		now:       time.Now,
	}
}

// Receive handles POST /api/webhooks/:bot_id.
func (h *WebhookHandler) Receive(c *gin.Context) {
	botID := c.Param("bot_id")
	if botID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bot_id is required"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	kind := signal.Parse(body)
	if kind == signal.None {
		h.log.WithField("bot_id", botID).Info("Webhook carried no valid signal")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no valid signal found"})
		return
	}

	job := signal.Job{
		BotID:     botID,
		Signal:    kind,
		Timestamp: h.now().UTC(),
		Test:      testFlag(c, body),
	}
	if err := h.publisher.Publish(c.Request.Context(), h.queue, job); err != nil {
		h.log.WithError(err).WithField("bot_id", botID).Error("Failed to enqueue signal job")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to enqueue signal"})
		return
	}

	h.log.WithFields(logrus.Fields{
		"bot_id": botID,
		"signal": kind,
		"test":   job.Test,
	}).Info("Signal job enqueued")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "signal": kind, "test": job.Test})
}

// testFlag reads ?test=true, falling back to a boolean "test" field in a JSON body.
func testFlag(c *gin.Context, body []byte) bool {
	if raw, ok := c.GetQuery("test"); ok {
		v, err := strconv.ParseBool(raw)
		return err == nil && v
	}
	var probe struct {
		Test bool `json:"test"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Test
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
