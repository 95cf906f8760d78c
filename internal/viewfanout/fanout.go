// Package viewfanout implements the view writer fanout (C8): before a
// resolved record is enqueued for produce onto the local version
// topic, it is asynchronously fanned out to every configured derived
// view sink. A slow or failing sink degrades that view's freshness,
// not the local produce path — Dispatch returns per-sink errors for
// the caller to log and count, never blocking the VT produce on a
// sink's success.
package viewfanout

import (
	"context"
	"sync"

	"meridian/internal/domain"
)

// ViewWriter is one derived-view sink: a materialized view, a search
// index feed, a notification exchange, anything downstream of the
// authoritative store that wants every accepted write.
type ViewWriter interface {
	Name() string
	Write(ctx context.Context, partition domain.PartitionID, key domain.Key, decision domain.Decision) error
}

// Fanout holds the configured sinks and dispatches to all of them
// concurrently.
type Fanout struct {
	writers []ViewWriter
}

func New(writers ...ViewWriter) *Fanout {
	return &Fanout{writers: writers}
}

// SinkError pairs a sink name with the error it returned.
type SinkError struct {
	Sink string
	Err  error
}

// Dispatch fans decision out to every sink concurrently and returns
// once all have finished, collecting per-sink errors rather than
// failing fast — one bad view sink must not stall or fail resolution
// of every other sink or the local produce that follows.
func (f *Fanout) Dispatch(ctx context.Context, partition domain.PartitionID, key domain.Key, decision domain.Decision) []SinkError {
	if len(f.writers) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []SinkError
	)
	wg.Add(len(f.writers))
	for _, w := range f.writers {
		go func(w ViewWriter) {
			defer wg.Done()
			if err := w.Write(ctx, partition, key, decision); err != nil {
				mu.Lock()
				errs = append(errs, SinkError{Sink: w.Name(), Err: err})
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return errs
}
