package orchestrator

import (
	"strings"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

func buildRequest(agent domain.Agent, history []domain.Message, limit int) domain.CompletionRequest {
	messages := []domain.ChatMessage{
		{Role: string(domain.RoleSystem), Content: buildSystemPrompt(agent)},
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" || m.Metadata[domain.MetaProvisional] == "true" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: string(m.Role), Content: content})
	}
	return domain.CompletionRequest{Model: strings.TrimSpace(agent.Model), Messages: messages}
}

func buildSystemPrompt(agent domain.Agent) string {
	instructions := strings.TrimSpace(agent.Instructions)
	if instructions == "" {
		instructions = "You are a helpful assistant."
	}
	name := strings.TrimSpace(agent.Name)
	if name == "" {
		return instructions + "\n\n" + formattingRules()
	}
	return "You are " + name + ".\n\n" + instructions + "\n\n" + formattingRules()
}

func formattingRules() string {
	return strings.Join([]string{
		"Formatting:",
		"- Reply in Markdown.",
		"- Use fenced code blocks with a language tag for code.",
	}, "\n")
}
