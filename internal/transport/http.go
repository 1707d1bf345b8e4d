package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"servicebus-demo/internal/domain"
)

// Service is what the HTTP handlers need from the demo application.
type Service interface {
	SendText(ctx context.Context, text string) (domain.TextMessage, error)
	SendBatch(ctx context.Context, count int) ([]domain.TextMessage, error)
	Inbox(ctx context.Context, limit int) ([]domain.ReceivedText, error)
}

// Handler holds all HTTP handlers for the demo API.
type Handler struct {
	svc Service
	log *slog.Logger
}

// NewHandler wires up a Handler with its dependencies.
func NewHandler(svc Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts all routes onto the given Fiber router.
func (h *Handler) Register(router fiber.Router) {
	router.Post("/messages", h.SendMessage)
	router.Post("/messages/batch", h.SendBatch)
	router.Get("/messages", h.ListMessages)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	ID string `json:"id"`
}

// SendMessage sends one text message.
//
// POST /messages
// Body: { "text": "..." }
func (h *Handler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
	}

	msg, err := h.svc.SendText(c.UserContext(), req.Text)
	if err != nil {
		h.log.Error("send message", "err", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "message could not be sent"})
	}

	return c.Status(fiber.StatusAccepted).JSON(sendMessageResponse{ID: msg.ID.String()})
}

type sendBatchRequest struct {
	Count int `json:"count"`
}

type sendBatchResponse struct {
	Sent int      `json:"sent"`
	IDs  []string `json:"ids"`
}

// SendBatch sends count numbered messages, as the console demo does.
//
// POST /messages/batch
// Body: { "count": 10 }
func (h *Handler) SendBatch(c *fiber.Ctx) error {
	var req sendBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	sent, err := h.svc.SendBatch(c.UserContext(), req.Count)
	if errors.Is(err, domain.ErrInvalidArgument) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	resp := sendBatchResponse{Sent: len(sent), IDs: make([]string, 0, len(sent))}
	for _, msg := range sent {
		resp.IDs = append(resp.IDs, msg.ID.String())
	}
	if err != nil {
		h.log.Error("send batch", "requested", req.Count, "sent", len(sent), "err", err)
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

type receivedMessageResponse struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Entity     string    `json:"entity"`
	ReceivedAt time.Time `json:"received_at"`
}

// ListMessages returns the inbox, newest first.
//
// GET /messages?limit=N
func (h *Handler) ListMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must not be negative"})
	}

	msgs, err := h.svc.Inbox(c.UserContext(), limit)
	if errors.Is(err, domain.ErrConfiguration) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "inbox is not configured"})
	}
	if err != nil {
		h.log.Error("list messages", "err", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	resp := make([]receivedMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, receivedMessageResponse{
			ID:         m.ID.String(),
			Text:       m.Text,
			Entity:     m.Entity,
			ReceivedAt: m.ReceivedAt,
		})
	}
	return c.JSON(resp)
}
