package evidence

import (
	"context"
	"fmt"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/embeddings"
)

// Metadata keys stored on chromem documents.
const (
	MetaSourceID = "source_id"
	MetaTitle    = "title"
	MetaURL      = "url"
	MetaPage     = "page"
)

// ChromemIndex serves one party's passages from a chromem-go collection.
type ChromemIndex struct {
	partyID    string
	db         *chromem.DB
	collection *chromem.Collection
	threshold  float64
	now        func() time.Time
}

// NewChromemIndex wraps an existing collection. Passages scoring below
// threshold are dropped.
func NewChromemIndex(partyID string, db *chromem.DB, col *chromem.Collection, threshold float64) *ChromemIndex {
	return &ChromemIndex{
		partyID:    partyID,
		db:         db,
		collection: col,
		threshold:  threshold,
		now:        time.Now,
	}
}

// NewMemoryIndex creates an empty in-memory index for partyID. The
// collection is named after the party.
func NewMemoryIndex(partyID string, embedder embeddings.Embedder, threshold float64) (*ChromemIndex, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(partyID, nil, embeddings.ToChromemFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", partyID, err)
	}
	return NewChromemIndex(partyID, db, col, threshold), nil
}

// PartyID returns the party this index serves.
func (x *ChromemIndex) PartyID() string { return x.partyID }

// Count returns the number of indexed passages.
func (x *ChromemIndex) Count() int { return x.collection.Count() }

// AddPassages indexes passages. Text is embedded with the collection's
// embedding function.
func (x *ChromemIndex) AddPassages(ctx context.Context, passages []domain.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(passages))
	for i, p := range passages {
		docs[i] = chromem.Document{
			ID:      p.SourceID,
			Content: p.Text,
			Metadata: map[string]string{
				MetaSourceID: p.SourceID,
				MetaTitle:    p.Title,
				MetaURL:      p.URL,
			},
		}
	}
	return x.collection.AddDocuments(ctx, docs, 1)
}

// Export writes the index to a compressed gob file that LoadIndexes can read.
func (x *ChromemIndex) Export(path string) error {
	if err := x.db.ExportToFile(path, true, ""); err != nil {
		return fmt.Errorf("export index %s: %w", x.partyID, err)
	}
	return nil
}

// Query returns up to budget passages of this index ranked by similarity.
// partyID must match the index.
func (x *ChromemIndex) Query(ctx context.Context, text, partyID string, budget int) ([]domain.Passage, error) {
	if partyID != x.partyID {
		return nil, domain.IndexUnavailable(partyID)
	}
	if budget <= 0 {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size.
	count := x.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if budget > count {
		budget = count
	}

	results, err := x.collection.Query(ctx, text, budget, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query %s: %w", x.partyID, err)
	}

	retrievedAt := x.now()
	passages := make([]domain.Passage, 0, len(results))
	for _, r := range results {
		score := clampScore(float64(r.Similarity))
		if score < x.threshold {
			continue
		}
		sourceID := r.Metadata[MetaSourceID]
		if sourceID == "" {
			sourceID = r.ID
		}
		if page := r.Metadata[MetaPage]; page != "" {
			sourceID += "#p" + page
		}
		passages = append(passages, domain.Passage{
			SourceID:    sourceID,
			PartyID:     x.partyID,
			Text:        r.Content,
			Score:       score,
			RetrievedAt: retrievedAt,
			Title:       r.Metadata[MetaTitle],
			URL:         r.Metadata[MetaURL],
		})
	}
	return passages, nil
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
