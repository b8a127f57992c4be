package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"line-chat-relay/internal/domain"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned when the webhook signature does not match.
var ErrInvalidSignature = errors.New("line: invalid signature")

// VerifySignature checks signature against the HMAC-SHA256 of body keyed by
// the channel secret.
func VerifySignature(channelSecret string, body []byte, signature string) error {
	if channelSecret == "" {
		return errors.New("line: channel secret is empty")
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, digest(channelSecret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the X-Line-Signature value LINE sends for body. Tests and local
// tooling use it to build deliveries that VerifySignature accepts.
func Sign(channelSecret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(digest(channelSecret, body))
}

func digest(channelSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Webhook is the request body LINE posts to the callback URL.
type Webhook struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is one webhook event. Only the fields used by the relay are decoded.
type Event struct {
	Type           string   `json:"type"`
	Mode           string   `json:"mode"`
	Timestamp      int64    `json:"timestamp"`
	WebhookEventID string   `json:"webhookEventId"`
	ReplyToken     string   `json:"replyToken"`
	Source         Source   `json:"source"`
	Message        *Message `json:"message,omitempty"`
}

type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

type Message struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Text      string   `json:"text,omitempty"`
	PackageID string   `json:"packageId,omitempty"`
	StickerID string   `json:"stickerId,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// ParseWebhook decodes a webhook body.
func ParseWebhook(body []byte) (Webhook, error) {
	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Webhook{}, fmt.Errorf("line: decode webhook: %w", err)
	}
	return wh, nil
}

// InboundMessage maps a message event to the relay's platform-neutral form.
// ok is false for non-message events, events without a reply token and
// events whose source carries no user id.
func (e Event) InboundMessage() (msg domain.InboundMessage, ok bool) {
	if e.Type != "message" || e.Message == nil || e.ReplyToken == "" || e.Source.UserID == "" {
		return domain.InboundMessage{}, false
	}
	msg = domain.InboundMessage{
		UserID:     e.Source.UserID,
		MessageID:  e.Message.ID,
		ReplyToken: e.ReplyToken,
		Type:       domain.MessageType(e.Message.Type),
	}
	switch msg.Type {
	case domain.MessageText:
		msg.Text = e.Message.Text
	case domain.MessageSticker:
		msg.StickerKeywords = append([]string(nil), e.Message.Keywords...)
	}
	return msg, true
}
