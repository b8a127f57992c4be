package usecase

import (
	"line-chat-relay/internal/domain"
)

// maxHistoryEntries caps the flattened history placed in the prompt: the five
// most recent turns as user/assistant pairs.
const maxHistoryEntries = 10

// Assemble builds the prompt for one completion: the persona as the system
// entry, the flattened history, then the new user message. A turn without an
// assistant reply still yields an empty assistant entry so roles alternate.
func Assemble(systemPrompt string, history []domain.Turn, input domain.UserInput) []domain.ChatMessage {
	flat := make([]domain.ChatMessage, 0, 2*len(history))
	for _, t := range history {
		flat = append(flat,
			domain.ChatMessage{Role: domain.RoleUser, Content: t.UserMessage},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: t.AssistantText()},
		)
	}
	if len(flat) > maxHistoryEntries {
		flat = flat[len(flat)-maxHistoryEntries:]
	}

	messages := make([]domain.ChatMessage, 0, len(flat)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	messages = append(messages, flat...)
	messages = append(messages, domain.ChatMessage{
		Role:        domain.RoleUser,
		Content:     input.Text,
		ImageBase64: input.ImageBase64,
	})
	return messages
}
