package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"line-chat-relay/internal/domain"
	"line-chat-relay/internal/observability"
)

// LLMClient is a chat completion backend; openai.Client satisfies it.
type LLMClient interface {
	Chat(ctx context.Context, req domain.CompletionRequest) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// DecodingConfig is fixed at startup and sent with every completion request.
type DecodingConfig struct {
	// Model is the model name, or the deployment name on Azure OpenAI.
	Model            string
	Temperature      float64
	MaxOutputTokens  int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// DefaultDecodingConfig returns the decoding parameters used unless overridden
// by configuration.
func DefaultDecodingConfig(model string) DecodingConfig {
	return DecodingConfig{
		Model:           model,
		Temperature:     0.7,
		MaxOutputTokens: 800,
		TopP:            0.95,
	}
}

// FailureKind names the completion failures that are reported as a result
// instead of an error.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureAuthentication FailureKind = "authentication"
	FailureInvalidRequest FailureKind = "invalid_request"
	FailureNoChoices      FailureKind = "no_choices"
)

// Completion is the outcome of one completion attempt.
type Completion struct {
	Text    string
	Failure FailureKind
}

func (c Completion) OK() bool {
	return c.Failure == FailureNone
}

// Completer invokes the backend and classifies its failures.
type Completer struct {
	llm      LLMClient
	decoding DecodingConfig
	metrics  *observability.Metrics
}

func NewCompleter(llm LLMClient, decoding DecodingConfig, metrics *observability.Metrics) (*Completer, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if strings.TrimSpace(decoding.Model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	return &Completer{llm: llm, decoding: decoding, metrics: metrics}, nil
}

// Complete returns the trimmed first choice. Authentication failures, invalid
// requests and empty responses are logged and returned as a Completion with a
// Failure kind. Any other backend failure is a COMPLETION_ERROR.
func (c *Completer) Complete(ctx context.Context, entries []domain.ChatMessage) (Completion, error) {
	start := time.Now()
	text, err := c.llm.Chat(ctx, domain.CompletionRequest{
		Model:            c.decoding.Model,
		Messages:         entries,
		Temperature:      c.decoding.Temperature,
		MaxTokens:        c.decoding.MaxOutputTokens,
		TopP:             c.decoding.TopP,
		FrequencyPenalty: c.decoding.FrequencyPenalty,
		PresencePenalty:  c.decoding.PresencePenalty,
	})
	c.metrics.ObserveCompletionLatency(time.Since(start))

	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return c.fail(FailureNoChoices, errors.New("empty completion text")), nil
		}
		return Completion{Text: text}, nil
	}

	if kind := classifyFailure(err); kind != FailureNone {
		return c.fail(kind, err), nil
	}

	reason := "completion_failed"
	switch status, ok := upstreamStatusCode(err); {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "completion_timeout"
	case ok && status == http.StatusTooManyRequests:
		reason = "completion_rate_limited"
	}
	c.metrics.CompletionFailure(reason)
	return Completion{}, newError(ErrorCompletion, reason, err)
}

func (c *Completer) fail(kind FailureKind, err error) Completion {
	slog.Error("completion failed", "kind", string(kind), "model", c.decoding.Model, "err", err)
	c.metrics.CompletionFailure(string(kind))
	return Completion{Failure: kind}
}

func classifyFailure(err error) FailureKind {
	if errors.Is(err, domain.ErrNoChoices) {
		return FailureNoChoices
	}
	status, ok := upstreamStatusCode(err)
	if !ok {
		return FailureNone
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailureAuthentication
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return FailureInvalidRequest
	}
	return FailureNone
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
