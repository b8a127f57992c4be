package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"line-chat-relay/internal/domain"
	"line-chat-relay/internal/observability"
	"line-chat-relay/internal/repository"
)

const (
	DefaultFallbackReply       = "Sorry, I couldn't process your message."
	DefaultUnknownStickerReply = "Sorry, I can't understand that sticker."
	DefaultUnknownInputReply   = "Sorry, I can only read text, stickers and images."
	DefaultHistoryWindow       = 10 * time.Minute
)

// TurnState tracks a turn through the relay.
type TurnState string

const (
	StateReceived            TurnState = "RECEIVED"
	StateContextBuilt        TurnState = "CONTEXT_BUILT"
	StateCompletionAttempted TurnState = "COMPLETION_ATTEMPTED"
	StateCompleted           TurnState = "COMPLETED"
	StateFallback            TurnState = "FALLBACK"
	StateRecorded            TurnState = "RECORDED"
	StateReplied             TurnState = "REPLIED"
)

// MediaFetcher downloads the binary payload of a message; line.Client
// satisfies it.
type MediaFetcher interface {
	GetMessageContent(ctx context.Context, messageID string) ([]byte, string, error)
}

// ReplyFunc sends text back to the sender of the message being handled.
type ReplyFunc func(ctx context.Context, text string) error

type Settings struct {
	PersonaPrompt       string
	FallbackReply       string
	UnknownInputReply   string
	UnknownStickerReply string
	HistoryWindow       time.Duration
	Decoding            DecodingConfig
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.FallbackReply) == "" {
		s.FallbackReply = DefaultFallbackReply
	}
	if strings.TrimSpace(s.UnknownInputReply) == "" {
		s.UnknownInputReply = DefaultUnknownInputReply
	}
	if strings.TrimSpace(s.UnknownStickerReply) == "" {
		s.UnknownStickerReply = DefaultUnknownStickerReply
	}
	if s.HistoryWindow <= 0 {
		s.HistoryWindow = DefaultHistoryWindow
	}
	return s
}

type TurnInput struct {
	UserID string
	TurnID string
	Input  domain.UserInput
}

type TurnOutput struct {
	Reply string
	// State is StateCompleted or StateFallback.
	State    TurnState
	Recorded bool
	// Path lists the states the turn passed through, in order.
	Path []TurnState
}

// RelayService runs one inbound message through history lookup, prompt
// assembly, completion and recording.
type RelayService struct {
	completer *Completer
	store     repository.Store
	media     MediaFetcher
	settings  Settings
	metrics   *observability.Metrics
}

func NewRelayService(llm LLMClient, store repository.Store, media MediaFetcher, settings Settings, metrics *observability.Metrics) (*RelayService, error) {
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if strings.TrimSpace(settings.PersonaPrompt) == "" {
		return nil, errors.New("usecase: persona prompt must not be empty")
	}
	completer, err := NewCompleter(llm, settings.Decoding, metrics)
	if err != nil {
		return nil, err
	}
	return &RelayService{
		completer: completer,
		store:     store,
		media:     media,
		settings:  settings.withDefaults(),
		metrics:   metrics,
	}, nil
}

// HandleTurn produces the reply for one normalized message and records the
// turn. Completion and store failures never surface as errors: the reply falls
// back to a fixed text and recording is best effort. Only a turn without a
// user or turn id is rejected.
func (s *RelayService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.TurnID) == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_turn_key", nil)
	}
	out := TurnOutput{Path: []TurnState{StateReceived}}

	history := s.recent(ctx, in.UserID, timeNow(), s.settings.HistoryWindow)
	entries := Assemble(s.settings.PersonaPrompt, history, in.Input)
	out.Path = append(out.Path, StateContextBuilt)

	completion, err := s.completer.Complete(ctx, entries)
	out.Path = append(out.Path, StateCompletionAttempted)
	switch {
	case err != nil:
		slog.Error("completion error, sending fallback", "user_id", in.UserID, "turn_id", in.TurnID, "err", err)
		out.Reply, out.State = s.settings.FallbackReply, StateFallback
	case !completion.OK():
		out.Reply, out.State = s.settings.FallbackReply, StateFallback
	default:
		out.Reply, out.State = completion.Text, StateCompleted
	}
	out.Path = append(out.Path, out.State)
	s.metrics.TurnOutcome(strings.ToLower(string(out.State)))

	reply := out.Reply
	out.Recorded = s.recordTurn(ctx, domain.Turn{
		UserID:           in.UserID,
		TurnID:           in.TurnID,
		UserMessage:      in.Input.StoredMessage(),
		AssistantMessage: &reply,
	})
	if out.Recorded {
		out.Path = append(out.Path, StateRecorded)
	}
	return out, nil
}

// Normalize maps an inbound message to completion input. Stickers use their
// first keyword and images are downloaded and base64-encoded. Messages
// without a text surrogate return an UNRECOGNIZED_INPUT error.
func (s *RelayService) Normalize(ctx context.Context, msg domain.InboundMessage) (domain.UserInput, error) {
	switch msg.Type {
	case domain.MessageText:
		if strings.TrimSpace(msg.Text) == "" {
			return domain.UserInput{}, newError(ErrorUnrecognizedInput, "empty_text", nil)
		}
		return domain.UserInput{Text: msg.Text}, nil
	case domain.MessageSticker:
		for _, kw := range msg.StickerKeywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				return domain.UserInput{Text: kw}, nil
			}
		}
		return domain.UserInput{}, newError(ErrorUnrecognizedInput, "sticker_without_keywords", nil)
	case domain.MessageImage:
		if s.media == nil {
			return domain.UserInput{}, newError(ErrorUnrecognizedInput, "image_unsupported", nil)
		}
		data, _, err := s.media.GetMessageContent(ctx, msg.MessageID)
		if err != nil {
			return domain.UserInput{}, fmt.Errorf("usecase: fetch image %s: %w", msg.MessageID, err)
		}
		if len(data) == 0 {
			return domain.UserInput{}, fmt.Errorf("usecase: image %s is empty", msg.MessageID)
		}
		return domain.UserInput{ImageBase64: base64.StdEncoding.EncodeToString(data)}, nil
	default:
		return domain.UserInput{}, newError(ErrorUnrecognizedInput, "unsupported_type_"+string(msg.Type), nil)
	}
}

// HandleMessage normalizes msg, runs the turn and sends the reply. Messages
// without a text surrogate get a fixed reply and no turn. A failed image
// download gets the fallback reply and no turn. The returned error is the
// reply failure, if any.
func (s *RelayService) HandleMessage(ctx context.Context, msg domain.InboundMessage, reply ReplyFunc) error {
	if reply == nil {
		return errors.New("usecase: reply func must not be nil")
	}

	input, err := s.Normalize(ctx, msg)
	if err != nil {
		text := s.settings.FallbackReply
		if CodeOf(err) == ErrorUnrecognizedInput {
			text = s.settings.UnknownInputReply
			if msg.Type == domain.MessageSticker {
				text = s.settings.UnknownStickerReply
			}
			slog.Info("unrecognized input", "user_id", msg.UserID, "type", string(msg.Type), "err", err)
			s.metrics.UnrecognizedInput(string(msg.Type))
		} else {
			slog.Error("failed to normalize input", "user_id", msg.UserID, "message_id", msg.MessageID, "err", err)
		}
		return s.send(ctx, reply, msg.UserID, text)
	}

	turnID := strings.TrimSpace(msg.MessageID)
	if turnID == "" {
		turnID = newUUID()
	}
	out, err := s.HandleTurn(ctx, TurnInput{UserID: msg.UserID, TurnID: turnID, Input: input})
	if err != nil {
		return err
	}
	if err := s.send(ctx, reply, msg.UserID, out.Reply); err != nil {
		return err
	}
	slog.Debug("turn replied", "user_id", msg.UserID, "turn_id", turnID, "path", append(out.Path, StateReplied))
	return nil
}

func (s *RelayService) send(ctx context.Context, reply ReplyFunc, userID, text string) error {
	if err := reply(ctx, text); err != nil {
		s.metrics.ReplyError()
		return fmt.Errorf("usecase: reply to %s: %w", userID, err)
	}
	return nil
}

var timeNow = func() time.Time {
	return time.Now().UTC()
}

var newUUID = func() string {
	return uuid.NewString()
}
