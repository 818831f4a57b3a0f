package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/party"
)

// Classification is the classifier's reading of a question.
type Classification struct {
	PartyIDs           []string `json:"party_ids"`
	StandaloneQuestion string   `json:"standalone_question"`
	IsComparing        bool     `json:"is_comparing"`
	PolicyViolation    bool     `json:"policy_violation"`
}

// Classifier decides the parties a question is aimed at.
type Classifier interface {
	Classify(ctx context.Context, q domain.Question, parties []party.Party) (*Classification, error)
}

// LLMClassifier asks a small model for a JSON classification.
type LLMClassifier struct {
	provider llm.Provider
	model    string
}

// NewLLMClassifier returns a classifier backed by provider. An empty model
// uses the provider default.
func NewLLMClassifier(provider llm.Provider, model string) *LLMClassifier {
	return &LLMClassifier{provider: provider, model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, q domain.Question, parties []party.Party) (*Classification, error) {
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifierSystemPrompt},
			{Role: llm.RoleUser, Content: buildClassifierPrompt(q, parties)},
		},
		MaxTokens:   300,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier call: %w", err)
	}
	return parseClassification(resp.Content)
}

const classifierSystemPrompt = `You route questions in an election chat. Given the available parties, the chat history and the new user message, decide which parties the user wants an answer from.

You MUST respond with valid JSON matching this schema:
{
  "party_ids": ["ids of the targeted parties, empty if unclear"],
  "standalone_question": "the question rewritten without references to the history and without party names, addressed to a single party",
  "is_comparing": true if the user explicitly asks to compare or contrast parties,
  "policy_violation": true if the message asks for a voting recommendation about a specific person, contains hate speech, or is unrelated abuse of the service
}

Rules:
- Only use ids from the list of available parties, or "assistant" for general questions about the election, the voting system, or this chat.
- If no party is named and the history does not make the target clear, return an empty party_ids list.
- Questions asking which party holds a position go to "assistant".`

func buildClassifierPrompt(q domain.Question, parties []party.Party) string {
	var b strings.Builder

	b.WriteString("## Available Parties\n")
	for _, p := range parties {
		fmt.Fprintf(&b, "- id=%s name=%s", p.ID, p.Name)
		if p.LongName != "" {
			fmt.Fprintf(&b, " (%s)", p.LongName)
		}
		b.WriteString("\n")
	}
	if len(q.PartyIDs) > 0 {
		fmt.Fprintf(&b, "\nThe user selected: %s\n", strings.Join(q.PartyIDs, ", "))
	}

	history := recentTurns(q.History, maxHistoryTurns)
	if len(history) > 0 {
		b.WriteString("\n## Chat History\n")
		for _, t := range history {
			if t.PartyID != "" {
				fmt.Fprintf(&b, "%s (%s): %s\n", t.Role, t.PartyID, t.Content)
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}

	fmt.Fprintf(&b, "\n## User Message\n%s\n", q.Text)
	return b.String()
}

// parseClassification extracts the JSON object from content, which may be
// wrapped in a markdown code block.
func parseClassification(content string) (*Classification, error) {
	jsonStr := content
	if idx := strings.Index(content, "{"); idx >= 0 {
		jsonStr = content[idx:]
	}
	if idx := strings.LastIndex(jsonStr, "}"); idx >= 0 {
		jsonStr = jsonStr[:idx+1]
	}

	var c Classification
	if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
		return nil, fmt.Errorf("malformed classification: %w", err)
	}
	c.StandaloneQuestion = strings.TrimSpace(c.StandaloneQuestion)
	return &c, nil
}

// recentTurns returns at most n turns from the end of history.
func recentTurns(history []domain.Turn, n int) []domain.Turn {
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
