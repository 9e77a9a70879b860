package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/govanswers/govanswers/internal/pipeline"
	"github.com/govanswers/govanswers/internal/progress"
)

// ChatHandler serves the single-turn chat endpoint and its progress stream.
type ChatHandler struct {
	Orch      *pipeline.Orchestrator
	Hub       *progress.Hub
	Gate      *Gate
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("", h.chat)
	g.GET("/:request_id/events", h.events)
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Language       string `json:"language"`
	ModelProvider  string `json:"model_provider"`
	SearchProvider string `json:"search_provider"`
	ReferringURL   string `json:"referring_url"`
	RequestID      string `json:"request_id"`
	OverrideUserID string `json:"override_user_id"`
}

type chatResponse struct {
	RequestID       string   `json:"request_id"`
	InteractionID   string   `json:"interaction_id"`
	AnswerType      string   `json:"answer_type"`
	Content         string   `json:"content"`
	Sentences       []string `json:"sentences"`
	CitationURL     *string  `json:"citation_url,omitempty"`
	CitationHeading *string  `json:"citation_heading,omitempty"`
	Department      string   `json:"department,omitempty"`
	Model           string   `json:"model"`
}

func (h *ChatHandler) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ModelProvider == "" {
		req.ModelProvider = "openai"
	}

	gateKey := req.ConversationID
	if id := userID(c); id != "" {
		gateKey = id
	}
	if !h.Gate.Allow(c.Request().Context(), gateKey) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	ctx := c.Request().Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	res, err := h.Orch.ProcessTurn(ctx, pipeline.TurnRequest{
		ConversationID: req.ConversationID,
		UserMessage:    req.Message,
		Language:       req.Language,
		ModelProvider:  req.ModelProvider,
		SearchProvider: req.SearchProvider,
		ReferringURL:   req.ReferringURL,
		RequestID:      req.RequestID,
		UserID:         userID(c),
		OverrideUserID: req.OverrideUserID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	return c.JSON(http.StatusOK, chatResponse{
		RequestID:       res.RequestID,
		InteractionID:   res.InteractionID,
		AnswerType:      res.Answer.AnswerType,
		Content:         res.Answer.Content,
		Sentences:       res.Answer.Sentences,
		CitationURL:     res.Answer.CitationURL,
		CitationHeading: res.Answer.CitationHeading,
		Department:      res.Answer.Department,
		Model:           res.Model,
	})
}

// events streams the progress of one request over SSE. The stream ends on a
// terminal event or when the client disconnects.
func (h *ChatHandler) events(c echo.Context) error {
	requestID := c.Param("request_id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_id is required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	events, cancel := h.Hub.Subscribe(requestID)
	defer cancel()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(resp, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(resp, "data: %s\n\n", payload)
			flusher.Flush()
			if ev.Type.Terminal() {
				return nil
			}
		}
	}
}
