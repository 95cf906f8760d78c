package repair

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meridian/internal/domain"
)

type flakyResubscriber struct {
	failUntil int32
	calls     int32
}

func (f *flakyResubscriber) Resubscribe(context.Context, Task) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failUntil {
		return errors.New("region unreachable")
	}
	return nil
}

func TestServiceRetriesUntilSuccess(t *testing.T) {
	rs := &flakyResubscriber{failUntil: 2}
	svc := NewService(rs, time.Millisecond, 10*time.Millisecond, 5, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go svc.Run(ctx)

	svc.Enqueue(Task{Partition: 1, Region: "west", Topic: "t_rt_west"})

	deadline := time.After(1500 * time.Millisecond)
	for {
		if atomic.LoadInt32(&rs.calls) >= 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 attempts, got %d", rs.calls)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBackoffForStaysWithinCeiling(t *testing.T) {
	svc := NewService(&flakyResubscriber{}, time.Millisecond, 100*time.Millisecond, 0, zerolog.Nop())
	for attempts := 0; attempts < 20; attempts++ {
		d := svc.backoffFor(attempts)
		if d < 0 || d > 100*time.Millisecond {
			t.Fatalf("backoff out of bounds at attempts=%d: %v", attempts, d)
		}
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	svc := NewService(&flakyResubscriber{}, time.Millisecond, time.Millisecond, 1, zerolog.Nop())
	for i := 0; i < cap(svc.queue)+10; i++ {
		svc.Enqueue(Task{Partition: domain.PartitionID(i)})
	}
	if len(svc.queue) != cap(svc.queue) {
		t.Fatalf("expected queue to be capped at %d, got %d", cap(svc.queue), len(svc.queue))
	}
}
