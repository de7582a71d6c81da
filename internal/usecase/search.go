package usecase

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/example/face-dedup/internal/faceapi"
	"github.com/example/face-dedup/internal/logging"
)

// DuplicateSearch fans a probe token out across every stored faceset and
// aggregates the matches above the confidence threshold.
type DuplicateSearch struct {
	store     FaceStore
	provider  Provider
	threshold float64
	topK      int
	logger    *zap.Logger
}

// NewDuplicateSearch constructs a search engine.
func NewDuplicateSearch(store FaceStore, provider Provider, threshold float64, topK int, logger *zap.Logger) *DuplicateSearch {
	return &DuplicateSearch{
		store:     store,
		provider:  provider,
		threshold: threshold,
		topK:      topK,
		logger:    logger.Named("duplicate_search"),
	}
}

// FindMatches returns every match at or above the threshold, sorted
// descending by confidence (stable on ties). One unreachable faceset is
// logged and skipped rather than aborting the whole search: the probe
// must still be checked against the remaining facesets.
func (s *DuplicateSearch) FindMatches(ctx context.Context, faceToken string) ([]faceapi.Match, error) {
	stored, err := s.store.GetAllStoredFaces(ctx)
	if err != nil {
		return nil, err
	}

	outerIDs := make([]string, 0, len(stored))
	for outerID := range stored {
		outerIDs = append(outerIDs, outerID)
	}
	sort.Strings(outerIDs)

	var matches []faceapi.Match
	for _, outerID := range outerIDs {
		if len(stored[outerID]) == 0 {
			continue
		}

		results, err := s.provider.Search(ctx, faceToken, outerID, s.topK)
		if err != nil {
			logging.WithFaceset(s.logger, outerID).Warn("faceset search failed, skipping", zap.Error(err))
			continue
		}

		for _, match := range results {
			if match.Confidence >= s.threshold {
				matches = append(matches, match)
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches, nil
}
