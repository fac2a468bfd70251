package tokens

import (
	"github.com/sashabaranov/go-openai"
)

// Per-message and per-conversation framing overhead of the chat format.
const (
	messageOverhead      = 4
	conversationOverhead = 2
	charsPerToken        = 4
)

// Count estimates the tokens in text: one token per four bytes, rounded up.
// The estimate is deterministic and used only when a provider reports no
// usage of its own.
func Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CountMessages estimates the prompt tokens of a conversation.
func CountMessages(messages []openai.ChatCompletionMessage) int {
	if len(messages) == 0 {
		return 0
	}
	total := conversationOverhead
	for _, m := range messages {
		total += Count(m.Content) + messageOverhead
		for _, part := range m.MultiContent {
			total += Count(part.Text)
		}
	}
	return total
}

// Truncate shortens text so that Count(text) <= maxTokens.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Count(text) <= maxTokens {
		return text
	}
	cut := maxTokens * charsPerToken
	// Back off to a rune boundary.
	for cut > 0 && cut < len(text) && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
