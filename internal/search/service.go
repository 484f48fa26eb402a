package search

import (
	"sync"

	"go.uber.org/zap"

	"feedbackhub/api/internal/store"
)

// Service pushes post updates to the index in the background. A nil Service
// or one without an indexer does nothing.
type Service struct {
	indexer Indexer
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewService(indexer Indexer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{indexer: indexer, logger: logger.Named("search")}
}

// IndexPost indexes a post (fire-and-forget). Failures are logged only.
func (s *Service) IndexPost(post store.Post) {
	if s == nil || s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	record := RecordFromPost(post)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.indexer.IndexPost(record); err != nil {
			s.logger.Warn("index post", zap.String("post_id", record.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight index calls finish.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
