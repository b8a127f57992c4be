package domain

import "errors"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoChoices is returned by completion backends that answered successfully
// but produced no generated choice.
var ErrNoChoices = errors.New("completion returned no choices")

// ChatMessage is the provider-agnostic chat message shape used by the prompt
// assembly and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ImageBase64 carries a base64-encoded image on the final user entry of a
	// vision request. Empty for text entries.
	ImageBase64 string `json:"-"`
}

// CompletionRequest is one call to a chat completion backend.
type CompletionRequest struct {
	// Model is the model name, or the deployment name on Azure OpenAI.
	Model            string
	Messages         []ChatMessage
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}
