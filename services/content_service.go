package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"guild-portal-service/database"

	"go.uber.org/zap"
)

// Content is the site copy document: top-level keys mapped to arbitrary JSON.
type Content map[string]json.RawMessage

// ContentService reads and merge-writes the content document.
type ContentService struct {
	store  database.DocumentStore
	logger *zap.Logger
	mu     sync.Mutex
}

func NewContentService(store database.DocumentStore, logger *zap.Logger) *ContentService {
	return &ContentService{store: store, logger: logger}
}

// Get returns the stored document, or an empty one if none was saved yet.
func (s *ContentService) Get() (Content, error) {
	raw, err := s.store.Load(database.ContentKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Content{}, nil
		}
		return nil, err
	}

	content := Content{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}
	return content, nil
}

// Merge overwrites the top-level keys present in patch and keeps the rest.
func (s *ContentService) Merge(patch Content) (Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.Get()
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		content[k] = v
	}

	raw, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	if err := s.store.Save(database.ContentKey, raw); err != nil {
		return nil, err
	}
	s.logger.Info("Content updated", zap.Int("keys", len(patch)))
	return content, nil
}
