// Package retrieval fans retrieval queries out to the evidence store and
// merges the results into a budgeted evidence set.
package retrieval

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/evidence"
	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/retry"
)

// Config holds the evidence budgets and the phase deadline.
type Config struct {
	GlobalBudget   int
	PerPartyFloor  int
	MaxConcurrency int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultConfig returns the standard budgets: 12 passages, at least 2 per
// party, 2 retries per query.
func DefaultConfig() Config {
	return Config{
		GlobalBudget:   12,
		PerPartyFloor:  2,
		MaxConcurrency: 8,
		Timeout:        20 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
	}
}

// Retriever issues one evidence query per retrieval query concurrently.
type Retriever struct {
	adapter evidence.Adapter
	cfg     Config
	logger  *zap.Logger
}

// New returns a retriever over adapter.
func New(adapter evidence.Adapter, cfg Config, logger *zap.Logger) *Retriever {
	return &Retriever{adapter: adapter, cfg: cfg, logger: logging.OrNop(logger)}
}

type queryResult struct {
	passages []domain.Passage
	err      error
}

// Retrieve runs queries concurrently and merges the results. If some
// queries fail the set is returned with Degraded set; if all fail a
// RetrievalError is returned. Exceeding the phase deadline returns a
// RetrievalTimeout. Cancellation of ctx is returned as ctx's error.
func (r *Retriever) Retrieve(ctx context.Context, queries []domain.RetrievalQuery) (*domain.EvidenceSet, error) {
	if len(queries) == 0 {
		return nil, domain.NewError(domain.KindRetrieval, "could not retrieve sources", errors.New("no retrieval queries"))
	}

	phaseCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	results := make([]queryResult, len(queries))
	var g errgroup.Group
	if r.cfg.MaxConcurrency > 0 {
		g.SetLimit(r.cfg.MaxConcurrency)
	}
	for i, q := range queries {
		g.Go(func() error {
			results[i] = r.query(phaseCtx, q)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := &domain.EvidenceSet{Queries: append([]domain.RetrievalQuery(nil), queries...)}
	var lists [][]domain.Passage
	var firstErr error
	timedOut := false
	for i, res := range results {
		q := queries[i]
		if res.err == nil {
			lists = append(lists, res.passages)
			continue
		}
		if firstErr == nil {
			firstErr = res.err
		}
		switch {
		case domain.KindOf(res.err) == domain.KindIndexUnavailable:
			set.UnavailableParties = append(set.UnavailableParties, q.PartyID)
			r.logger.Warn("party index unavailable", zap.String("party_id", q.PartyID))
		case errors.Is(res.err, context.DeadlineExceeded) && phaseCtx.Err() != nil:
			timedOut = true
			set.FailedParties = append(set.FailedParties, q.PartyID)
		default:
			set.FailedParties = append(set.FailedParties, q.PartyID)
			r.logger.Warn("retrieval failed", zap.String("party_id", q.PartyID), zap.Error(res.err))
		}
	}

	if timedOut {
		return nil, domain.NewError(domain.KindRetrievalTimeout, "could not retrieve sources in time", context.DeadlineExceeded)
	}
	if len(lists) == 0 {
		return nil, domain.NewError(domain.KindRetrieval, "could not retrieve sources", firstErr)
	}

	set.Passages = Merge(lists, r.cfg.GlobalBudget, r.cfg.PerPartyFloor)
	set.Degraded = len(set.FailedParties) > 0
	r.logger.Debug("evidence merged",
		zap.Int("queries", len(queries)),
		zap.Int("passages", len(set.Passages)),
		zap.Bool("degraded", set.Degraded),
		zap.Strings("unavailable", set.UnavailableParties))
	return set, nil
}

func (r *Retriever) query(ctx context.Context, q domain.RetrievalQuery) queryResult {
	policy := retry.DefaultPolicy(r.cfg.MaxRetries, r.cfg.InitialBackoff)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.logger.Debug("retrying evidence query",
			zap.String("party_id", q.PartyID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	passages, err := retry.Do(ctx, policy, func(ctx context.Context) ([]domain.Passage, error) {
		return r.adapter.Query(ctx, q.Text, q.PartyID, q.Budget)
	})
	if err != nil {
		return queryResult{err: err}
	}
	return queryResult{passages: normalize(passages, q)}
}

// normalize stamps the query's party on passages, clamps scores to [0,1],
// and enforces the per-query budget.
func normalize(ps []domain.Passage, q domain.RetrievalQuery) []domain.Passage {
	out := make([]domain.Passage, 0, len(ps))
	for _, p := range ps {
		if p.SourceID == "" {
			continue
		}
		if p.PartyID == "" {
			p.PartyID = q.PartyID
		}
		if p.Score < 0 {
			p.Score = 0
		} else if p.Score > 1 {
			p.Score = 1
		}
		out = append(out, p)
	}
	ranked(out)
	if q.Budget > 0 && len(out) > q.Budget {
		out = out[:q.Budget]
	}
	return out
}
