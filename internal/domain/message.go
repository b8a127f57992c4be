package domain

// MessageType is the payload kind of an inbound platform message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageSticker  MessageType = "sticker"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageFile     MessageType = "file"
	MessageLocation MessageType = "location"
)

// InboundMessage is a platform-neutral view of one inbound message event.
type InboundMessage struct {
	UserID     string
	MessageID  string
	ReplyToken string
	Type       MessageType
	Text       string
	// StickerKeywords are the keywords the platform associates with a sticker.
	StickerKeywords []string
}

// UserInput is an inbound message normalized to what the completion backend
// accepts.
type UserInput struct {
	Text        string
	ImageBase64 string
}

// StoredMessage is the text recorded as the turn's user message.
func (in UserInput) StoredMessage() string {
	if in.ImageBase64 != "" {
		return ImagePlaceholder
	}
	return in.Text
}
