package domain

import "time"

// ImagePlaceholder is stored as the user message of image turns in place of
// the binary payload.
const ImagePlaceholder = "[image]"

// Turn is one recorded user message and assistant reply. Turns are partitioned
// by UserID and keyed by TurnID within the partition.
type Turn struct {
	UserID    string
	TurnID    string
	CreatedAt time.Time
	// UserMessage is the text sent by the user, or ImagePlaceholder.
	UserMessage string
	// AssistantMessage is nil when generation failed before any reply existed.
	AssistantMessage *string
}

// AssistantText returns the assistant reply, or "" when none was recorded.
func (t Turn) AssistantText() string {
	if t.AssistantMessage == nil {
		return ""
	}
	return *t.AssistantMessage
}
