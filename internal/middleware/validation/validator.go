// Package validation rejects malformed API input before it reaches a handler.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
)

// Locals keys holding the validated request bodies.
const (
	QueryBodyKey    = "validated_query"
	FeedbackBodyKey = "validated_feedback"
)

var markupPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

var issueTypes = map[string]bool{
	"":            true,
	"outdated":    true,
	"incomplete":  true,
	"incorrect":   true,
	"wrong_links": true,
	"other":       true,
}

type Config struct {
	MaxQueryLength   int
	MaxCommentLength int
}

type QueryBody struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type FeedbackBody struct {
	QueryID   string        `json:"query_id"`
	Rating    models.Rating `json:"rating"`
	IssueType string        `json:"issue_type"`
	Comment   string        `json:"comment"`
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxCommentLength <= 0 {
		cfg.MaxCommentLength = 2000
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}
		if ct := c.Get(fiber.HeaderContentType); ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		switch {
		case strings.HasSuffix(c.Path(), "/query"):
			return validateQuery(c, cfg)
		case strings.HasSuffix(c.Path(), "/feedback"):
			return validateFeedback(c, cfg)
		}
		return c.Next()
	}
}

func validateQuery(c *fiber.Ctx, cfg Config) error {
	var body QueryBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	body.Query = sanitize(body.Query)
	if body.Query == "" {
		return badRequest(c, "Query is required")
	}
	if utf8.RuneCountInString(body.Query) > cfg.MaxQueryLength {
		return badRequest(c, "Query exceeds maximum length")
	}
	if markupPattern.MatchString(body.Query) {
		logger.Warn("Rejected query containing markup", zap.String("ip", c.IP()))
		return badRequest(c, "Invalid query content")
	}
	body.SessionID = sanitize(body.SessionID)

	c.Locals(QueryBodyKey, body)
	return c.Next()
}

func validateFeedback(c *fiber.Ctx, cfg Config) error {
	var body FeedbackBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	body.QueryID = sanitize(body.QueryID)
	if body.QueryID == "" {
		return badRequest(c, "query_id is required")
	}
	if !body.Rating.Valid() {
		return badRequest(c, "rating must be one of helpful, not_helpful, helpful_with_issues")
	}
	body.IssueType = strings.ToLower(sanitize(body.IssueType))
	if !issueTypes[body.IssueType] {
		return badRequest(c, "Unknown issue_type")
	}
	body.Comment = sanitize(body.Comment)
	if utf8.RuneCountInString(body.Comment) > cfg.MaxCommentLength {
		return badRequest(c, "Comment exceeds maximum length")
	}

	c.Locals(FeedbackBodyKey, body)
	return c.Next()
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func sanitize(input string) string {
	return strings.TrimSpace(strings.ReplaceAll(input, "\x00", ""))
}
