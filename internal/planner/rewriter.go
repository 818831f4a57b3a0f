package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/party"
)

// Rewriter turns a question into a search query for one party's index.
type Rewriter interface {
	Rewrite(ctx context.Context, q domain.Question, target party.Party, question string) (string, error)
}

// RewriterFunc adapts a function to Rewriter.
type RewriterFunc func(ctx context.Context, q domain.Question, target party.Party, question string) (string, error)

func (f RewriterFunc) Rewrite(ctx context.Context, q domain.Question, target party.Party, question string) (string, error) {
	return f(ctx, q, target, question)
}

// LLMRewriter asks a small model for a party-specific search query that
// folds the conversation into the question and adds likely synonyms.
type LLMRewriter struct {
	provider llm.Provider
	model    string
}

// NewLLMRewriter returns a rewriter backed by provider. An empty model uses
// the provider default.
func NewLLMRewriter(provider llm.Provider, model string) *LLMRewriter {
	return &LLMRewriter{provider: provider, model: model}
}

// maxQueryLen caps the rewritten query in runes; longer output is cut at a
// word.
const maxQueryLen = 400

func (r *LLMRewriter) Rewrite(ctx context.Context, q domain.Question, target party.Party, question string) (string, error) {
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Model: r.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: rewriterSystemPrompt(target)},
			{Role: llm.RoleUser, Content: buildRewritePrompt(q, question)},
		},
		MaxTokens:   150,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("rewriter call: %w", err)
	}
	query := cleanQuery(resp.Content)
	if query == "" {
		return "", errors.New("rewriter returned an empty query")
	}
	return query, nil
}

const rewriterRules = `You receive the chat history and the latest user message. Write one search query that finds the documents needed to answer it:
- Ask at least for what the user asked about.
- If the message is a follow-up, work the referenced topic from the history into the query.
- Add closely related terms and synonyms for the key concepts.
Respond with the query only, without quotes or explanations.`

func rewriterSystemPrompt(target party.Party) string {
	if target.ID == party.AssistantID {
		return "You write search queries for a document store about the election, the voting system and this chat service.\n\n" + rewriterRules
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You write search queries for a document store holding the program and statements of the party %s", target.Name)
	if target.LongName != "" && target.LongName != target.Name {
		fmt.Fprintf(&b, " (%s)", target.LongName)
	}
	b.WriteString(".\n\n")
	b.WriteString(rewriterRules)
	fmt.Fprintf(&b, "\n- Limit the query to %s and its positions.", target.Name)
	return b.String()
}

func buildRewritePrompt(q domain.Question, question string) string {
	var b strings.Builder
	history := recentTurns(q.History, maxHistoryTurns)
	if len(history) > 0 {
		b.WriteString("## Chat History\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## Latest User Message\n%s\n", question)
	return b.String()
}

func cleanQuery(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxQueryLen {
		s = string(r[:maxQueryLen])
		if i := strings.LastIndexByte(s, ' '); i > 0 {
			s = s[:i]
		}
	}
	return s
}
