package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/middleware/ratelimit"
	"github.com/kb-assistant/backend/internal/middleware/validation"
	"github.com/kb-assistant/backend/internal/query"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
)

// UnavailableMessage is the only failure text callers ever see for a backend outage.
const UnavailableMessage = "The knowledge assistant is temporarily unavailable. Please try again shortly."

type QueryService interface {
	ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error)
	QueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error)
	SubmitFeedback(ctx context.Context, req query.FeedbackRequest) error
}

type QueryHandler struct {
	service QueryService
}

func NewQueryHandler(service QueryService) *QueryHandler {
	return &QueryHandler{service: service}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	body, ok := c.Locals(validation.QueryBodyKey).(validation.QueryBody)
	if !ok {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if body.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if body.SessionID == "" {
		body.SessionID = c.Get(ratelimit.SessionHeader)
	}

	resp, err := h.service.ProcessQuery(c.Context(), query.QueryRequest{
		Query:     body.Query,
		SessionID: body.SessionID,
	})
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(resp)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id", c.Get(ratelimit.SessionHeader))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	records, err := h.service.QueryHistory(c.Context(), sessionID, c.QueryInt("limit", 20))
	if err != nil {
		logger.Error("Failed to load query history", zap.String("session_id", sessionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		history = append(history, fiber.Map{
			"id":         r.ID,
			"query":      r.QueryText,
			"answer":     r.Response,
			"cached":     r.Cached,
			"cache_tier": r.CacheTier,
			"confidence": r.Confidence,
			"created_at": r.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"history": history})
}

func (h *QueryHandler) HandleFeedback(c *fiber.Ctx) error {
	body, ok := c.Locals(validation.FeedbackBodyKey).(validation.FeedbackBody)
	if !ok {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	err := h.service.SubmitFeedback(c.Context(), query.FeedbackRequest{
		QueryID:   body.QueryID,
		Rating:    body.Rating,
		IssueType: body.IssueType,
		Comment:   body.Comment,
	})
	switch {
	case errors.Is(err, query.ErrInvalidRating):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid rating"})
	case errors.Is(err, query.ErrUnknownQuery):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Query not found"})
	case err != nil:
		logger.Error("Failed to record feedback", zap.String("query_id", body.QueryID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to record feedback"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "recorded"})
}

func queryError(c *fiber.Ctx, err error) error {
	if errors.Is(err, query.ErrUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": UnavailableMessage,
		})
	}
	logger.Error("Failed to process query", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to process query",
	})
}
