package handler

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/melodygen/api/internal/dispatch"
)

type WebhookHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewWebhookHandler(d *dispatch.Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: d}
}

// Receive handles POST /webhooks/suno. The provider treats anything but
// a 200 as a delivery failure and some versions never retry, so the
// body is queued as-is and acknowledged unconditionally; all parsing
// and reconciliation happens on the worker.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	if err := h.dispatcher.EnqueueWebhook(body); err != nil {
		log.Printf("[Webhook] failed to enqueue delivery: %v", err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "received"})
}
