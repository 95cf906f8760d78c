package viewfanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"meridian/internal/domain"
)

type recordingWriter struct {
	name  string
	calls int32
	err   error
}

func (r *recordingWriter) Name() string { return r.name }
func (r *recordingWriter) Write(context.Context, domain.PartitionID, domain.Key, domain.Decision) error {
	atomic.AddInt32(&r.calls, 1)
	return r.err
}

func TestDispatchCallsAllSinksConcurrently(t *testing.T) {
	a := &recordingWriter{name: "a"}
	b := &recordingWriter{name: "b"}
	f := New(a, b)

	errs := f.Dispatch(context.Background(), 0, domain.Key("k"), domain.Decision{Outcome: domain.OutcomeApplied})
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if atomic.LoadInt32(&a.calls) != 1 || atomic.LoadInt32(&b.calls) != 1 {
		t.Fatalf("expected both sinks called once: a=%d b=%d", a.calls, b.calls)
	}
}

func TestDispatchCollectsPerSinkErrorsWithoutFailingFast(t *testing.T) {
	good := &recordingWriter{name: "good"}
	bad := &recordingWriter{name: "bad", err: errors.New("sink down")}
	f := New(good, bad)

	errs := f.Dispatch(context.Background(), 0, domain.Key("k"), domain.Decision{})
	if len(errs) != 1 || errs[0].Sink != "bad" {
		t.Fatalf("expected exactly one error from 'bad', got %v", errs)
	}
	if atomic.LoadInt32(&good.calls) != 1 {
		t.Fatalf("expected the good sink to still run: %d", good.calls)
	}
}

func TestDispatchNoSinksIsANoop(t *testing.T) {
	f := New()
	if errs := f.Dispatch(context.Background(), 0, nil, domain.Decision{}); errs != nil {
		t.Fatalf("expected nil errors with no sinks, got %v", errs)
	}
}
