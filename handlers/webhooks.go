package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/service"
	"github.com/yourusername/gpay-escrow/webhook"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	secret     string
	reconciler *service.Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

func NewWebhookHandler(secret string, reconciler *service.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, reconciler: reconciler, logger: logger, now: time.Now}
}

// HandleGateway verifies and applies one gateway notification. Anything other
// than a 2xx makes the gateway redeliver.
func (h *WebhookHandler) HandleGateway(c *gin.Context) {
	body, err := readBody(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body", "code": "InvalidInput"})
		return
	}
	if err := webhook.Verify(h.secret, c.GetHeader(webhook.SignatureHeader), body, h.now(), webhook.DefaultTolerance); err != nil {
		h.logger.WarnContext(c.Request.Context(), "webhook signature rejected",
			"module", "handlers.webhook",
			"operation", "verify_signature",
			"outcome", "failure",
			"error", err,
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature", "code": "InvalidSignature"})
		return
	}

	ev, err := webhook.Parse(body)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, err := h.reconciler.Handle(c.Request.Context(), ev)
	switch {
	case errors.Is(err, escrow.ErrUnknownPaymentReference):
		// acknowledged so the gateway stops redelivering; left unprocessed for manual replay
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event_id": ev.ID})
	case err != nil:
		respondError(c, h.logger, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": string(result), "event_id": ev.ID})
	}
}

// readBody returns at most maxWebhookBody bytes of a possibly nil body.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}
