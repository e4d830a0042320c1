package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"guild-portal-service/metrics"
	"guild-portal-service/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultStatsTTL = 5 * time.Minute

// StatsFetcher produces a fresh statistics object.
type StatsFetcher interface {
	FetchStats(ctx context.Context) (*models.StatsResult, error)
}

// StatsSource tells where a served stats payload came from.
type StatsSource string

const (
	SourceCache StatsSource = "cache"
	SourceFetch StatsSource = "fetch"
	SourceStale StatsSource = "stale"
)

// StatsService applies the TTL policy over a CacheStore: fresh entries are
// served without an upstream call, otherwise a fetch is attempted and a
// failed fetch falls back to whatever was cached before, however old.
type StatsService struct {
	cache   *CacheStore
	fetcher StatsFetcher
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group
}

// NewStatsService returns a service; a nil fetcher means no bot credential
// is configured and every Get fails with ErrNotConfigured.
func NewStatsService(cache *CacheStore, fetcher StatsFetcher, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *StatsService {
	if ttl <= 0 {
		ttl = DefaultStatsTTL
	}
	return &StatsService{
		cache:   cache,
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

type statsFlight struct {
	data   json.RawMessage
	source StatsSource
}

// Get returns the stats payload as JSON. Concurrent callers that miss the
// cache share a single upstream fetch.
func (s *StatsService) Get(ctx context.Context) (json.RawMessage, StatsSource, error) {
	if s.fetcher == nil {
		return nil, "", ErrNotConfigured
	}

	if data, ok := s.fresh(); ok {
		s.logger.Debug("Serving stats from cache")
		s.metrics.StatsRequest(metrics.StatsFresh)
		return data, SourceCache, nil
	}

	// The flight outlives any single caller, so it must not inherit one
	// request's cancellation. Upstream timeouts come from the HTTP client.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("stats", func() (interface{}, error) {
		if data, ok := s.fresh(); ok {
			return statsFlight{data: data, source: SourceCache}, nil
		}
		return s.refresh(flightCtx)
	})
	if err != nil {
		s.metrics.StatsRequest(metrics.StatsError)
		return nil, "", err
	}

	flight := v.(statsFlight)
	switch flight.source {
	case SourceStale:
		s.metrics.StatsRequest(metrics.StatsStale)
	case SourceCache:
		s.metrics.StatsRequest(metrics.StatsFresh)
	default:
		s.metrics.StatsRequest(metrics.StatsFetched)
	}
	return flight.data, flight.source, nil
}

func (s *StatsService) fresh() (json.RawMessage, bool) {
	entry := s.cache.Read()
	if entry.HasData() && s.now().Sub(entry.FetchedAt()) < s.ttl {
		return entry.Data, true
	}
	return nil, false
}

func (s *StatsService) refresh(ctx context.Context) (statsFlight, error) {
	prior := s.cache.Read()

	s.logger.Info("Fetching fresh stats from Discord")
	result, err := s.fetcher.FetchStats(ctx)
	if err == nil {
		data, encErr := json.Marshal(result)
		if encErr != nil {
			err = fmt.Errorf("failed to encode stats: %w", encErr)
		} else {
			s.cache.Write(data)
			return statsFlight{data: data, source: SourceFetch}, nil
		}
	}

	fields := []zap.Field{zap.Error(err)}
	if detail, ok := UpstreamDetail(err); ok {
		fields = append(fields, zap.Int("status", detail.Status), zap.String("body", detail.Body))
	}
	s.logger.Error("Discord API error", fields...)

	if prior.HasData() {
		s.logger.Info("Serving stale cache due to API error", zap.Time("last_fetch", prior.FetchedAt()))
		return statsFlight{data: prior.Data, source: SourceStale}, nil
	}
	return statsFlight{}, err
}
