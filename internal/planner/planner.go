// Package planner turns a question into per-party retrieval queries.
package planner

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/party"
)

const maxHistoryTurns = 10

// Config bounds what the planner accepts and produces.
type Config struct {
	MaxQuestionLen    int
	BlockedTerms      []string
	PerQueryBudget    int
	ClassifierTimeout time.Duration
	// RewriteTimeout bounds all per-party query rewrites of one question.
	RewriteTimeout time.Duration
}

// Planner decides the target parties of a question. It is safe for
// concurrent use.
type Planner struct {
	registry   *party.Registry
	classifier Classifier
	rewriter   Rewriter
	cfg        Config
	logger     *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithClassifier enables model-assisted classification. Without it the
// planner relies on explicit mentions and history only.
func WithClassifier(c Classifier) Option {
	return func(p *Planner) { p.classifier = c }
}

// WithRewriter enables per-party search queries. A failed rewrite falls
// back to the question text.
func WithRewriter(r Rewriter) Option {
	return func(p *Planner) { p.rewriter = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New returns a planner over the parties in registry.
func New(registry *party.Registry, cfg Config, opts ...Option) *Planner {
	if cfg.PerQueryBudget <= 0 {
		cfg.PerQueryBudget = 10
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = 10 * time.Second
	}
	if cfg.RewriteTimeout <= 0 {
		cfg.RewriteTimeout = cfg.ClassifierTimeout
	}
	p := &Planner{registry: registry, cfg: cfg, logger: logging.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger)
	return p
}

func planningError(message string) *domain.Error {
	return domain.NewError(domain.KindPlanning, message, nil)
}

// Plan returns one retrieval query per targeted party. Targets come from an
// explicit mention in the question, then the classifier, then the caller's
// party scope, then the conversation history, then all configured parties.
// With no parties configured the neutral assistant is targeted. Queries are
// marked Comparing when the classifier read the question as a comparison of
// several targeted parties.
func (p *Planner) Plan(ctx context.Context, q domain.Question) ([]domain.RetrievalQuery, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, planningError("Please ask a question about the parties' positions.")
	}
	if p.cfg.MaxQuestionLen > 0 && len([]rune(text)) > p.cfg.MaxQuestionLen {
		return nil, planningError("Your question is too long. Please shorten it and ask again.")
	}
	if p.blocked(text) {
		return nil, planningError("This question can't be answered. Please rephrase it.")
	}

	queryText := text
	var classified []string
	comparing := false
	if c := p.classify(ctx, q); c != nil {
		if c.PolicyViolation {
			return nil, planningError("This question can't be answered. Please rephrase it.")
		}
		classified = c.PartyIDs
		comparing = c.IsComparing
		if c.StandaloneQuestion != "" {
			queryText = c.StandaloneQuestion
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targets := p.targets(text, classified, q)
	comparing = comparing && len(targets) > 1

	queries := make([]domain.RetrievalQuery, 0, len(targets))
	for _, id := range targets {
		qt := queryText
		if len(targets) > 1 {
			qt = p.registry.Name(id) + ": " + queryText
		}
		queries = append(queries, domain.RetrievalQuery{
			Text:      qt,
			PartyID:   id,
			Budget:    p.cfg.PerQueryBudget,
			Comparing: comparing,
		})
	}
	p.rewrite(ctx, q, queryText, queries)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return queries, nil
}

// rewrite replaces each query's text with a party-specific search query,
// concurrently. Queries whose rewrite fails keep their text.
func (p *Planner) rewrite(ctx context.Context, q domain.Question, question string, queries []domain.RetrievalQuery) {
	if p.rewriter == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RewriteTimeout)
	defer cancel()

	rewritten := make([]string, len(queries))
	var g errgroup.Group
	for i, rq := range queries {
		target, ok := p.registry.Lookup(rq.PartyID)
		if !ok {
			continue
		}
		g.Go(func() error {
			text, err := p.rewriter.Rewrite(rctx, q, target, question)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("query rewrite failed, using question text",
						zap.String("party_id", rq.PartyID), zap.Error(err))
				}
				return nil
			}
			rewritten[i] = text
			return nil
		})
	}
	_ = g.Wait()

	for i, text := range rewritten {
		if text != "" {
			p.logger.Debug("rewrote query", zap.String("party_id", queries[i].PartyID), zap.String("query", text))
			queries[i].Text = text
		}
	}
}

func (p *Planner) classify(ctx context.Context, q domain.Question) *Classification {
	if p.classifier == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifierTimeout)
	defer cancel()

	c, err := p.classifier.Classify(cctx, q, p.registry.All())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("classifier failed, using heuristics", zap.Error(err))
		}
		return nil
	}
	return c
}

func (p *Planner) targets(text string, classified []string, q domain.Question) []string {
	candidates := [][]string{
		p.registry.Mentioned(text),
		classified,
		q.PartyIDs,
		p.fromHistory(q.History),
		p.registry.IDs(),
	}
	for _, ids := range candidates {
		if t := p.normalize(ids); len(t) > 0 {
			return t
		}
	}
	return []string{party.AssistantID}
}

// normalize drops unknown and duplicate IDs. The assistant is dropped when
// real parties are targeted alongside it.
func (p *Planner) normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		if _, ok := p.registry.Lookup(id); !ok {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) >= 2 {
		filtered := out[:0]
		for _, id := range out {
			if id != party.AssistantID {
				filtered = append(filtered, id)
			}
		}
		out = filtered
	}
	return out
}

// fromHistory returns the parties that answered the most recent exchange,
// or those mentioned in the most recent user turn.
func (p *Planner) fromHistory(history []domain.Turn) []string {
	history = recentTurns(history, maxHistoryTurns)
	var ids []string
	i := len(history) - 1
	for ; i >= 0 && history[i].Role == domain.RoleAssistant; i-- {
		if history[i].PartyID != "" {
			ids = append([]string{history[i].PartyID}, ids...)
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for ; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			if m := p.registry.Mentioned(history[i].Content); len(m) > 0 {
				return m
			}
		}
	}
	return nil
}

func (p *Planner) blocked(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range p.cfg.BlockedTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" && strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
