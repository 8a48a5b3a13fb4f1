package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/query"
	"github.com/kb-assistant/backend/pkg/logger"
)

type WebSocketHandler struct {
	service QueryService
}

func NewWebSocketHandler(service QueryService) *WebSocketHandler {
	return &WebSocketHandler{service: service}
}

type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		if err := h.streamResponse(c, msg); err != nil {
			if errors.Is(err, query.ErrUnavailable) {
				h.sendError(c, UnavailableMessage)
				continue
			}
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, "Failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, msg wsMessage) error {
	if err := h.send(c, "status", "Processing query..."); err != nil {
		return err
	}

	resp, err := h.service.ProcessQuery(context.Background(), query.QueryRequest{
		Query:     msg.Content,
		SessionID: msg.SessionID,
	})
	if err != nil {
		return err
	}

	for _, chunk := range splitIntoChunks(resp.Answer) {
		if err := h.send(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":       "complete",
		"message_id": resp.ID,
		"sources":    resp.Sources,
		"cached":     resp.Cached,
		"cache_tier": resp.CacheTier,
		"confidence": resp.Confidence,
		"latency_ms": resp.LatencyMS,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(map[string]interface{}{"type": "error", "error": errorMsg}); err != nil {
		logger.Warn("Failed to send WebSocket error", zap.Error(err))
	}
}

// splitIntoChunks breaks an answer into word chunks, keeping the separators so
// the client can concatenate them verbatim.
func splitIntoChunks(text string) []string {
	var chunks []string
	var cur strings.Builder

	for _, r := range text {
		cur.WriteRune(r)
		if r == ' ' || r == '\n' {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
