package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/retry"
)

// LLMReranker orders merged passages by their usefulness for the question,
// as judged by a small model. It only reorders: every passage of the input
// set is kept, so budgets and per-party floors still hold.
type LLMReranker struct {
	provider llm.Provider
	model    string
	policy   retry.Policy
	logger   *zap.Logger
}

// NewLLMReranker returns a reranker backed by provider. Failed calls are
// retried maxRetries times on rate limits and server errors.
func NewLLMReranker(provider llm.Provider, model string, maxRetries int, initialBackoff time.Duration, logger *zap.Logger) *LLMReranker {
	r := &LLMReranker{
		provider: provider,
		model:    model,
		policy:   retry.DefaultPolicy(maxRetries, initialBackoff),
		logger:   logging.OrNop(logger),
	}
	r.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.logger.Debug("retrying rerank", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return r
}

type rerankOutput struct {
	Indices []int `json:"reranked_doc_indices"`
}

// Rerank returns a copy of set with its passages reordered. Sets with fewer
// than two passages are returned as is. On error set is untouched and the
// caller keeps score order.
func (r *LLMReranker) Rerank(ctx context.Context, q domain.Question, set *domain.EvidenceSet) (*domain.EvidenceSet, error) {
	if set.Len() < 2 {
		return set, nil
	}
	req := llm.CompletionRequest{
		Model: r.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: rerankSystemPrompt + "\n\n" + rerankSources(set)},
			{Role: llm.RoleUser, Content: rerankUserPrompt(q)},
		},
		MaxTokens:   200,
		Temperature: 0,
		JSONMode:    true,
	}
	order, err := retry.Do(ctx, r.policy, func(ctx context.Context) ([]int, error) {
		resp, err := r.provider.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		indices, err := parseRerank(resp.Content)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return indices, nil
	})
	if err != nil {
		return set, fmt.Errorf("rerank: %w", err)
	}

	out := *set
	out.Passages = reorder(set.Passages, order)
	r.logger.Debug("passages reranked", zap.Ints("order", order))
	return &out, nil
}

// reorder puts the passages named by order first, in that order, followed
// by the rest in their original order. Unknown and repeated indices are
// ignored.
func reorder(ps []domain.Passage, order []int) []domain.Passage {
	out := make([]domain.Passage, 0, len(ps))
	used := make([]bool, len(ps))
	for _, i := range order {
		if i < 0 || i >= len(ps) || used[i] {
			continue
		}
		used[i] = true
		out = append(out, ps[i])
	}
	for i, p := range ps {
		if !used[i] {
			out = append(out, p)
		}
	}
	return out
}

func parseRerank(content string) ([]int, error) {
	jsonStr := content
	if idx := strings.Index(content, "{"); idx >= 0 {
		jsonStr = content[idx:]
	}
	if idx := strings.LastIndex(jsonStr, "}"); idx >= 0 {
		jsonStr = jsonStr[:idx+1]
	}
	var out rerankOutput
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, fmt.Errorf("malformed rerank output: %w", err)
	}
	if len(out.Indices) == 0 {
		return nil, fmt.Errorf("rerank output lists no indices")
	}
	return out.Indices, nil
}

const rerankSystemPrompt = `You rank sources by how useful they are for answering a user's question in an election chat.

Order the indices of the sources below by usefulness, most useful first:
- Sources that address the question directly or contain relevant facts come first.
- Vague, irrelevant or redundant sources come last.
- The chat history can help judge relevance.

You MUST respond with valid JSON matching this schema:
{"reranked_doc_indices": [indices of all sources, most useful first]}`

func rerankSources(set *domain.EvidenceSet) string {
	var b strings.Builder
	b.WriteString("## Sources\n")
	for i, p := range set.Passages {
		fmt.Fprintf(&b, "Index: %d\n- Party: %s\n", i, p.PartyID)
		if p.Title != "" {
			fmt.Fprintf(&b, "- Document: %s\n", p.Title)
		}
		fmt.Fprintf(&b, "- Content: %q\n\n", p.Text)
	}
	return b.String()
}

func rerankUserPrompt(q domain.Question) string {
	var b strings.Builder
	history := q.History
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	if len(history) > 0 {
		b.WriteString("## Chat History\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## User Question\n%s\n", q.Text)
	return b.String()
}
