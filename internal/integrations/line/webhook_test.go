package line

import (
	"testing"

	"github.com/stretchr/testify/require"

	"line-chat-relay/internal/domain"
)

const sampleWebhook = `{
	"destination": "Uxxxxxxxx",
	"events": [
		{"type": "message", "mode": "active", "timestamp": 1772366400000, "webhookEventId": "01H",
		 "replyToken": "rt-1", "source": {"type": "user", "userId": "U1"},
		 "message": {"id": "100", "type": "text", "text": "こんにちは"}},
		{"type": "message", "replyToken": "rt-2", "source": {"type": "user", "userId": "U1"},
		 "message": {"id": "101", "type": "sticker", "packageId": "446", "stickerId": "1988", "keywords": ["Happy", "Cat"]}},
		{"type": "follow", "replyToken": "rt-3", "source": {"type": "user", "userId": "U2"}},
		{"type": "message", "replyToken": "rt-4", "source": {"type": "group", "groupId": "G1"},
		 "message": {"id": "102", "type": "text", "text": "no user"}}
	]
}`

func TestVerifySignature(t *testing.T) {
	body := []byte(sampleWebhook)
	sig := Sign("secret", body)

	require.NoError(t, VerifySignature("secret", body, sig))
	require.ErrorIs(t, VerifySignature("other", body, sig), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("secret", append(body, ' '), sig), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("secret", body, "not base64!"), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("secret", body, ""), ErrInvalidSignature)
	require.Error(t, VerifySignature("", body, sig))
}

func TestSign_KnownVector(t *testing.T) {
	body := []byte(`{"destination":"Ubot","events":[]}`)
	require.Equal(t, "enSkZNViwycZ72s/bLlSwnjyKD0sBR6ZFEMIwwuhiBo=", Sign("secret", body))
}

func TestParseWebhook_MapsMessageEvents(t *testing.T) {
	wh, err := ParseWebhook([]byte(sampleWebhook))
	require.NoError(t, err)
	require.Len(t, wh.Events, 4)

	msg, ok := wh.Events[0].InboundMessage()
	require.True(t, ok)
	require.Equal(t, domain.InboundMessage{
		UserID: "U1", MessageID: "100", ReplyToken: "rt-1", Type: domain.MessageText, Text: "こんにちは",
	}, msg)

	msg, ok = wh.Events[1].InboundMessage()
	require.True(t, ok)
	require.Equal(t, domain.MessageSticker, msg.Type)
	require.Equal(t, []string{"Happy", "Cat"}, msg.StickerKeywords)
	require.Empty(t, msg.Text)

	_, ok = wh.Events[2].InboundMessage()
	require.False(t, ok, "follow events are ignored")
	_, ok = wh.Events[3].InboundMessage()
	require.False(t, ok, "events without a user id are ignored")
}

func TestParseWebhook_Malformed(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"events": [`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode webhook")
}
