package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"guild-portal-service/database"
	"guild-portal-service/models"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// EventService stores the events list as a single JSON array.
type EventService struct {
	store  database.DocumentStore
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func NewEventService(store database.DocumentStore, logger *zap.Logger) *EventService {
	return &EventService{store: store, logger: logger, now: time.Now}
}

// List returns events ordered by date, earliest first. Events without a
// parsable date sort last in stored order.
func (s *EventService) List() ([]models.Event, error) {
	events, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		di, oki := events[i].Date()
		dj, okj := events[j].Date()
		if oki != okj {
			return oki
		}
		return oki && di.Before(dj)
	})
	return events, nil
}

// Upsert replaces the event with the same id or appends it. An event
// without an id gets the current Unix millisecond timestamp.
func (s *EventService) Upsert(event models.Event) (models.Event, error) {
	if event == nil {
		event = models.Event{}
	}
	if event.ID() == "" {
		event.SetID(strconv.FormatInt(s.now().UnixMilli(), 10))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return nil, err
	}
	_, index, found := lo.FindIndexOf(events, func(e models.Event) bool {
		return e.ID() == event.ID()
	})
	if found {
		events[index] = event
	} else {
		events = append(events, event)
	}

	if err := s.save(events); err != nil {
		return nil, err
	}
	s.logger.Info("Event saved", zap.String("id", event.ID()), zap.Bool("updated", found))
	return event, nil
}

// Delete removes the event with id. Deleting an unknown id is not an error.
func (s *EventService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return err
	}
	kept := lo.Reject(events, func(e models.Event, _ int) bool {
		return e.ID() == id
	})
	if err := s.save(kept); err != nil {
		return err
	}
	s.logger.Info("Event deleted", zap.String("id", id), zap.Bool("existed", len(kept) != len(events)))
	return nil
}

// load treats a missing or corrupt document as an empty list.
func (s *EventService) load() ([]models.Event, error) {
	raw, err := s.store.Load(database.EventsKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return []models.Event{}, nil
		}
		return nil, err
	}

	var events []models.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		s.logger.Warn("Events document is corrupt, treating as empty", zap.Error(err))
		return []models.Event{}, nil
	}
	return lo.Filter(events, func(e models.Event, _ int) bool { return e != nil }), nil
}

func (s *EventService) save(events []models.Event) error {
	raw, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	return s.store.Save(database.EventsKey, raw)
}
