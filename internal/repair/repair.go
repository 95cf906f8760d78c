// Package repair implements the remote ingestion repair service (C9):
// a retry queue for partitions whose upstream region was unreachable
// during a topic switch rewind and need their subscription rebuilt
// once that region's broker is reachable again. Retries back off with
// jitter so a broker outage doesn't turn into a resubscribe storm the
// moment it recovers.
package repair

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"meridian/internal/domain"
	"meridian/internal/metrics"
)

// Task describes one partition/region pair whose rewind-resubscribe
// needs to be retried.
type Task struct {
	Partition       domain.PartitionID
	Region          domain.RegionID
	Topic           string
	RewindTimestamp int64
	Attempts        int
}

// Resubscriber performs the actual rewind-resubscribe against a
// region's broker. Returning an error causes the task to be
// re-enqueued with backoff; a nil error retires it.
type Resubscriber interface {
	Resubscribe(ctx context.Context, task Task) error
}

// Service drains a queue of repair tasks, retrying each with
// exponential backoff plus full jitter, capped at MaxBackoff.
type Service struct {
	resubscriber Resubscriber
	queue        chan Task
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxAttempts  int
	logger       zerolog.Logger
}

func NewService(resubscriber Resubscriber, baseBackoff, maxBackoff time.Duration, maxAttempts int, logger zerolog.Logger) *Service {
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Service{
		resubscriber: resubscriber,
		queue:        make(chan Task, 1024),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxAttempts:  maxAttempts,
		logger:       logger,
	}
}

// Enqueue schedules task for its first (or next) retry attempt.
func (s *Service) Enqueue(task Task) {
	select {
	case s.queue <- task:
	default:
		s.logger.Warn().
			Int32("partition", int32(task.Partition)).
			Str("region", string(task.Region)).
			Msg("repair queue full, dropping task")
	}
}

// Run drains the queue until ctx is canceled. Each task is retried
// inline, blocking backoff sleeps between attempts on its own
// goroutine so a slow-to-recover region does not delay repair of
// others.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.queue:
			go s.attempt(ctx, task)
		}
	}
}

func (s *Service) attempt(ctx context.Context, task Task) {
	if err := s.resubscriber.Resubscribe(ctx, task); err != nil {
		task.Attempts++
		if s.maxAttempts > 0 && task.Attempts >= s.maxAttempts {
			s.logger.Error().
				Int32("partition", int32(task.Partition)).
				Str("region", string(task.Region)).
				Int("attempts", task.Attempts).
				Err(err).
				Msg("repair task exceeded max attempts, giving up")
			metrics.ObserveRepairExhausted()
			return
		}
		backoff := s.backoffFor(task.Attempts)
		s.logger.Warn().
			Int32("partition", int32(task.Partition)).
			Str("region", string(task.Region)).
			Int("attempts", task.Attempts).
			Dur("backoff", backoff).
			Err(err).
			Msg("resubscribe failed, retrying with backoff")
		select {
		case <-time.After(backoff):
			s.Enqueue(task)
		case <-ctx.Done():
		}
		return
	}
	s.logger.Info().
		Int32("partition", int32(task.Partition)).
		Str("region", string(task.Region)).
		Msg("resubscribe repaired")
}

// backoffFor computes exponential backoff with full jitter: a random
// duration in [0, min(base*2^attempts, max)], both ends inclusive.
func (s *Service) backoffFor(attempts int) time.Duration {
	ceiling := s.baseBackoff << attempts
	if ceiling <= 0 || ceiling > s.maxBackoff {
		ceiling = s.maxBackoff
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
