package handlers

import (
	"errors"
	"net/http"

	"github.com/borisigal/towerofbabel-sub003/internal/billing"
	"github.com/borisigal/towerofbabel-sub003/internal/security"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// signatureHeader carries the provider's HMAC over the raw body.
const signatureHeader = "X-Signature"

// WebhookHandler receives billing provider webhook deliveries.
type WebhookHandler struct {
	ingestor *billing.Ingestor
	secret   string
}

// NewWebhookHandler constructs a WebhookHandler with the shared webhook
// secret.
func NewWebhookHandler(ingestor *billing.Ingestor, secret string) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, secret: secret}
}

// Receive handles POST /v0/billing/webhook. The signature is verified over
// the raw body before anything is parsed; a non-2xx response makes the
// provider redeliver later.
func (h *WebhookHandler) Receive(c *gin.Context) {
	raw, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader(signatureHeader)
	if signature == "" || !security.VerifySignature(h.secret, raw, signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	outcome, errIngest := h.ingestor.Ingest(c.Request.Context(), raw)
	if errIngest != nil {
		if errors.Is(errIngest, billing.ErrMalformedEvent) {
			log.WithError(errIngest).Warn("rejected malformed billing event")
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
			return
		}
		respondError(c, errIngest)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id":  outcome.EventID,
		"duplicate": outcome.Duplicate,
	})
}
