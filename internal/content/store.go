package content

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
)

// Store ingests payloads into the content repository keyed by their hash.
type Store struct {
	repo       harvest.ContentRepository
	hasher     harvest.Hasher
	normalizer *Normalizer
	logger     *zap.Logger
}

// NewStore constructs a Store. A nil normalizer uses the default volatile keys.
func NewStore(repo harvest.ContentRepository, hasher harvest.Hasher, normalizer *Normalizer, logger *zap.Logger) *Store {
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, hasher: hasher, normalizer: normalizer, logger: logger.Named("content")}
}

// Ingest normalizes and hashes payload, then inserts it or bumps its reference
// count. created reports whether this call stored a new record.
func (s *Store) Ingest(ctx context.Context, payload []byte, meta harvest.ContentMeta) (string, bool, error) {
	normalized, err := s.normalizer.Normalize(payload)
	if err != nil {
		return "", false, fmt.Errorf("normalize payload: %w", err)
	}
	hash, err := s.hasher.Hash(normalized)
	if err != nil {
		return "", false, fmt.Errorf("hash payload: %w", err)
	}
	created, refs, err := s.repo.UpsertContent(ctx, hash, normalized, meta)
	if err != nil {
		return "", false, fmt.Errorf("upsert content %s: %w", hash, err)
	}
	metrics.ObserveContentIngested(created)
	s.logger.Debug("content ingested",
		zap.String("content_hash", hash),
		zap.Bool("created", created),
		zap.Int64("reference_count", refs),
		zap.Int("size_bytes", len(normalized)),
	)
	return hash, created, nil
}
