// internal/historian/historian.go pops lobby destroy events off the Redis queue
// and archives them to Postgres in batches.
package historian

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/cache"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/sirupsen/logrus"
)

// popWait bounds each blocking pop so cancellation and flush ticks are noticed.
const popWait = 3 * time.Second

// EventSource yields queued destroy events. *cache.Consumer implements it.
type EventSource interface {
	Next(ctx context.Context, wait time.Duration) (lobby.DestroyEvent, error)
}

// ArchiveFunc writes one batch. database.InsertDestroyEvents fits it once the
// pool is bound.
type ArchiveFunc func(ctx context.Context, events []lobby.DestroyEvent) error

// Service accumulates events and flushes them when the batch is full or the
// flush interval passes. A failed flush keeps the batch, and further attempts
// wait for the next tick.
type Service struct {
	source     EventSource
	archive    ArchiveFunc
	batchSize  int
	flushDelay time.Duration
	maxPending int
	log        *logrus.Entry

	batch    []lobby.DestroyEvent
	retrying bool
}

func NewService(source EventSource, archive ArchiveFunc, batchSize int, flushDelay time.Duration, logger *logrus.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Service{
		source:     source,
		archive:    archive,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		maxPending: batchSize * 50,
		log:        logger.WithField("component", "historian"),
		batch:      make([]lobby.DestroyEvent, 0, batchSize),
	}
}

// Run blocks until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()

	wait := popWait
	if s.flushDelay < wait {
		wait = s.flushDelay
	}

	s.log.Info("historian started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.flush(flushCtx)
			cancel()
			s.log.Info("historian stopped")
			return

		case <-ticker.C:
			s.flush(ctx)

		default:
			ev, err := s.source.Next(ctx, wait)
			switch {
			case err == nil:
				s.append(ctx, ev)
			case errors.Is(err, cache.ErrNoEvent), ctx.Err() != nil:
			case errors.Is(err, cache.ErrMalformedEvent):
				s.log.WithError(err).Warn("dropping malformed destroy event")
			default:
				s.log.WithError(err).Error("failed to pop destroy event")
				select {
				case <-ctx.Done():
				case <-time.After(wait):
				}
			}
		}
	}
}

func (s *Service) append(ctx context.Context, ev lobby.DestroyEvent) {
	s.batch = append(s.batch, ev)
	if len(s.batch) >= s.batchSize && !s.retrying {
		s.flush(ctx)
	}
}

func (s *Service) flush(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	if err := s.archive(ctx, s.batch); err != nil {
		s.retrying = true
		s.log.WithError(err).WithField("pending", len(s.batch)).Error("failed to archive destroy events")
		if over := len(s.batch) - s.maxPending; over > 0 {
			s.log.WithField("dropped", over).Error("archive backlog full, dropping oldest events")
			s.batch = append(s.batch[:0], s.batch[over:]...)
		}
		return
	}
	s.log.Debugf("Flushed %d destroy events to DB.", len(s.batch))
	s.batch = s.batch[:0]
	s.retrying = false
}
