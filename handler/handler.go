// Package handler is the LINE webhook transport: signature check, payload
// parsing and fan-out of message events to the relay.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"line-chat-relay/internal/domain"
	"line-chat-relay/internal/integrations/line"
	"line-chat-relay/internal/observability"
	"line-chat-relay/internal/usecase"
)

const (
	correlationHeader  = "X-Correlation-Id"
	defaultConcurrency = 4
)

// Relay handles one inbound message; usecase.RelayService satisfies it.
type Relay interface {
	HandleMessage(ctx context.Context, msg domain.InboundMessage, reply usecase.ReplyFunc) error
}

// Replier sends texts with a reply token; line.Client satisfies it.
type Replier interface {
	ReplyMessage(ctx context.Context, replyToken string, texts ...string) error
}

type Handler struct {
	relay         Relay
	replier       Replier
	channelSecret string
	concurrency   int
	metrics       *observability.Metrics
}

type Option func(*Handler)

// WithConcurrency bounds how many events of one delivery run at once.
func WithConcurrency(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(relay Relay, replier Replier, channelSecret string, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if replier == nil {
		return nil, errors.New("handler: replier must not be nil")
	}
	if channelSecret == "" {
		return nil, errors.New("handler: channel secret must not be empty")
	}
	h := &Handler{
		relay:         relay,
		replier:       replier,
		channelSecret: channelSecret,
		concurrency:   defaultConcurrency,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type okResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlationId"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId"`
}

// Process verifies and dispatches one webhook delivery. It fails only for a
// bad signature or a malformed body; per-event failures are logged.
func (h *Handler) Process(ctx context.Context, signature string, body []byte) error {
	if err := line.VerifySignature(h.channelSecret, body, signature); err != nil {
		return usecase.NewError(usecase.ErrorSignature, "invalid_signature", err)
	}
	wh, err := line.ParseWebhook(body)
	if err != nil {
		return usecase.NewError(usecase.ErrorInvalidInput, "malformed_webhook", err)
	}

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for _, ev := range wh.Events {
		msg, ok := ev.InboundMessage()
		if !ok {
			slog.Debug("ignoring webhook event", "type", ev.Type, "webhook_event_id", ev.WebhookEventID)
			continue
		}
		g.Go(func() error {
			reply := func(ctx context.Context, text string) error {
				return h.replier.ReplyMessage(ctx, msg.ReplyToken, text)
			}
			if err := h.relay.HandleMessage(ctx, msg, reply); err != nil {
				slog.Error("failed to handle message", "user_id", msg.UserID, "message_id", msg.MessageID, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Handle adapts an API Gateway proxy request to Process.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return errorProxyResponse(http.StatusBadRequest, usecase.ErrorInvalidInput, correlationID), nil
		}
		body = decoded
	}
	if len(body) > maxBodyBytes {
		slog.Warn("webhook body too large", "correlation_id", correlationID, "bytes", len(body))
		return errorProxyResponse(http.StatusRequestEntityTooLarge, usecase.ErrorInvalidInput, correlationID), nil
	}

	if err := h.Process(ctx, headerValue(req.Headers, line.SignatureHeader), body); err != nil {
		code := usecase.CodeOf(err)
		slog.Warn("webhook rejected", "code", string(code), "correlation_id", correlationID, "err", err)
		return errorProxyResponse(statusFor(code), code, correlationID), nil
	}
	return jsonProxyResponse(http.StatusOK, okResponse{Status: "ok", CorrelationID: correlationID}, correlationID), nil
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorSignature, usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorProxyResponse(status int, code usecase.ErrorCode, correlationID string) events.APIGatewayProxyResponse {
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	return jsonProxyResponse(status, errorResponse{Error: string(code), CorrelationID: correlationID}, correlationID)
}

func jsonProxyResponse(status int, v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

// headerValue looks a header up case-insensitively; API Gateway preserves the
// client's casing.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
