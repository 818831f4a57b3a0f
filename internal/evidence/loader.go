package evidence

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/embeddings"
)

// IndexExt is the extension of exported party indexes.
const IndexExt = ".gob.gz"

// LoadIndexes imports every chromem export matching pattern into a registry.
// The party ID is the file name without IndexExt; the export must contain a
// collection of that name, or exactly one collection. Files that fail to
// import are logged and skipped so the remaining parties stay available.
func LoadIndexes(ctx context.Context, pattern string, embedder embeddings.Embedder, threshold float64, logger *zap.Logger) (*Registry, error) {
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	reg := NewRegistry()
	ef := embeddings.ToChromemFunc(embedder)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		partyID := strings.TrimSuffix(filepath.Base(path), IndexExt)
		idx, err := importIndex(path, partyID, ef, threshold)
		if err != nil {
			logger.Warn("skipping party index", zap.String("path", path), zap.String("party_id", partyID), zap.Error(err))
			continue
		}
		reg.Register(partyID, idx)
		logger.Info("loaded party index", zap.String("party_id", partyID), zap.Int("passages", idx.Count()))
	}
	return reg, nil
}

func importIndex(path, partyID string, ef chromem.EmbeddingFunc, threshold float64) (*ChromemIndex, error) {
	db := chromem.NewDB()
	if err := db.ImportFromFile(path, ""); err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	col := db.GetCollection(partyID, ef)
	if col == nil {
		cols := db.ListCollections()
		if len(cols) != 1 {
			return nil, fmt.Errorf("%s has %d collections and none named %q", path, len(cols), partyID)
		}
		for name := range cols {
			col = db.GetCollection(name, ef)
		}
	}
	if col == nil {
		return nil, fmt.Errorf("no collection in %s", path)
	}
	return NewChromemIndex(partyID, db, col, threshold), nil
}
