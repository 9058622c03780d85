package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"smsagent/internal/domain"
)

const defaultPersonality = `You are a friendly and helpful SMS assistant. Your responses should be:
- Concise and to the point
- Friendly and conversational
- Helpful and informative

Avoid:
- Long explanations
- Unnecessary details
- Technical jargon
- Sensitive personal information`

const defaultOperatingRules = `As an SMS assistant, you must:
1. Never share personal information about yourself or others
2. Never generate harmful or inappropriate content
3. Keep responses short enough for a single SMS
4. Be helpful while maintaining appropriate boundaries
5. Decline requests that could be harmful or illegal
6. If unsure about a request, ask a short clarifying question`

// PromptBuilder composes the completion prompt from the personality text,
// operating rules, contact profile, and recent context.
type PromptBuilder struct {
	personality string
	rules       string
	maxChars    int
	now         func() time.Time
}

// NewPromptBuilder loads personality and operating-rules text from the
// given paths, falling back to built-in defaults when a file is absent.
func NewPromptBuilder(personalityPath, rulesPath string, maxChars int, logger *slog.Logger) *PromptBuilder {
	return &PromptBuilder{
		personality: loadInstructions(personalityPath, defaultPersonality, logger),
		rules:       loadInstructions(rulesPath, defaultOperatingRules, logger),
		maxChars:    maxChars,
		now:         time.Now,
	}
}

func loadInstructions(path, fallback string, logger *slog.Logger) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("cannot read instruction file, using defaults", "path", path, "err", err)
		}
		return fallback
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return fallback
}

// Build returns the full message list for one completion call: a system
// message, the recent turns, and the current inbound text.
func (p *PromptBuilder) Build(inbound string, summary ContextSummary) []domain.Message {
	var sys strings.Builder
	sys.WriteString(p.personality)
	sys.WriteString("\n\n")
	sys.WriteString(p.rules)

	profile := summary.Profile
	if profile.Name != "" || profile.Relation != "" || profile.CustomInstruction != "" {
		sys.WriteString("\n\n### CURRENT CONVERSATION CONTEXT")
		if profile.Name != "" {
			sys.WriteString("\n- Talking to: " + profile.Name)
		}
		if profile.Relation != "" {
			sys.WriteString("\n- Relation: " + profile.Relation)
		}
		if profile.CustomInstruction != "" {
			sys.WriteString("\n- Specific instructions: " + profile.CustomInstruction)
		}
	}

	if summary.FreshGreeting {
		sys.WriteString("\n\nThe sender is opening with a fresh greeting; do not treat your earlier question as pending.")
	}

	sys.WriteString("\n\nCurrent date: " + p.now().Format("2006-01-02"))
	sys.WriteString(fmt.Sprintf("\nKeep your response under %d characters.", p.maxChars))

	messages := []domain.Message{{Role: "system", Content: sys.String()}}

	for _, turn := range summary.Turns {
		role := "user"
		if turn.Role == domain.RoleAgent {
			role = "assistant"
		}
		messages = append(messages, domain.Message{Role: role, Content: turn.Text})
	}

	messages = append(messages, domain.Message{Role: "user", Content: inbound})
	return messages
}
