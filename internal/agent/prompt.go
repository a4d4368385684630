package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/models"
)

// BuildSystemPrompt fills the clinical system prompt with the document titles,
// or the no-documents placeholder, and date formatted as 2006-01-02 in UTC.
func BuildSystemPrompt(titles []string, date time.Time) string {
	docTitles := models.NoDocumentsSelected
	if len(titles) > 0 {
		lines := make([]string, len(titles))
		for i, t := range titles {
			lines[i] = "- " + t
		}
		docTitles = strings.Join(lines, "\n")
	}
	return fmt.Sprintf(models.ClinicalSystemTemplate, docTitles, date.UTC().Format("2006-01-02"), models.TopLevelToolName)
}

// BuildChatHistory converts stored messages into model messages. Only
// successful, non-empty messages are kept, ordered by creation time.
func BuildChatHistory(messages []models.Message) []llms.MessageContent {
	usable := models.UsableHistory(messages)
	out := make([]llms.MessageContent, 0, len(usable))
	for _, m := range usable {
		role := llms.ChatMessageTypeHuman
		if m.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}
