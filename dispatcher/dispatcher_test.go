package dispatcher

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smsgio/smsg/circuit"
	"github.com/smsgio/smsg/ddq"
	"github.com/smsgio/smsg/dlq"
	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/message"
	"github.com/smsgio/smsg/serializer"
)

func envelope(class, from string, to *string, version int, props map[string]interface{}) *serializer.Envelope {
	hdr := header.New(class, from, to, nil, version)
	return &serializer.Envelope{Header: hdr, Properties: props}
}

func TestBroadcastRoutesOnlyToMatchingFilter(t *testing.T) {
	d := New(Options{})
	var aCount, bCount int32

	d.Subscribe("Announcement", ClosureHandler("A", func(ctx context.Context, env *serializer.Envelope) error {
		atomic.AddInt32(&aCount, 1)
		return nil
	}), Filter{Broadcast: true})

	d.Subscribe("Announcement", ClosureHandler("B", func(ctx context.Context, env *serializer.Envelope) error {
		atomic.AddInt32(&bCount, 1)
		return nil
	}), Filter{To: []Matcher{Literal("alpha")}})

	env := envelope("Announcement", "admin", nil, 1, map[string]interface{}{"text": "hi"})
	d.Route(env)
	d.Shutdown(time.Second)

	if atomic.LoadInt32(&aCount) != 1 {
		t.Fatalf("expected subscriber A invoked once, got %d", aCount)
	}
	if atomic.LoadInt32(&bCount) != 0 {
		t.Fatalf("expected subscriber B not invoked, got %d", bCount)
	}
}

func TestPointToPointAddressingRoutesToTarget(t *testing.T) {
	d := New(Options{})
	received := make(chan *serializer.Envelope, 1)

	d.Subscribe("Order", ClosureHandler("fulfil", func(ctx context.Context, env *serializer.Envelope) error {
		received <- env
		return nil
	}), Filter{To: []Matcher{Literal("fulfil")}})

	to := "fulfil"
	env := envelope("Order", "orders", &to, 2, map[string]interface{}{"id": "O-1"})
	d.Route(env)

	select {
	case got := <-received:
		if got.Properties["id"] != "O-1" {
			t.Fatalf("expected id=O-1, got %v", got.Properties["id"])
		}
		if got.Header.Version != 2 || got.Header.From != "orders" {
			t.Fatalf("unexpected header: %+v", got.Header)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler not invoked within timeout")
	}
}

func TestVersionMismatchFailsValidation(t *testing.T) {
	reg := message.NewRegistry()
	reg.Register(message.NewClass("Order", 2))

	d := New(Options{Classes: reg})
	var invoked int32
	d.Subscribe("Order", ClosureHandler("h", func(ctx context.Context, env *serializer.Envelope) error {
		atomic.AddInt32(&invoked, 1)
		return nil
	}), Filter{})

	env := envelope("Order", "orders", nil, 1, map[string]interface{}{"id": "O-1"})
	d.Route(env)
	d.Shutdown(time.Second)

	if atomic.LoadInt32(&invoked) != 0 {
		t.Fatalf("expected handler not invoked on version mismatch, got %d calls", invoked)
	}
	if d.Stats().Errors != 1 {
		t.Fatalf("expected 1 error counted, got %d", d.Stats().Errors)
	}
}

func TestFilterSemanticsBroadcastOrTo(t *testing.T) {
	filter := Filter{Broadcast: true, To: []Matcher{Literal("my-service")}}

	if !filter.Matches(nil, "anyone") {
		t.Fatalf("expected broadcast (nil to) to match")
	}
	to := "my-service"
	if !filter.Matches(&to, "anyone") {
		t.Fatalf("expected to=my-service to match")
	}
	other := "other"
	if filter.Matches(&other, "anyone") {
		t.Fatalf("expected to=other to be rejected")
	}
}

func TestDedupHandlerIsolation(t *testing.T) {
	ddqs := ddq.NewRegistry(func(key string) (ddq.DDQ, error) { return ddq.NewMemory(10) })
	d := New(Options{DDQs: ddqs})

	var h1Count, h2Count int32
	done := make(chan struct{}, 3)
	d.Subscribe("X", ClosureHandler("H1", func(ctx context.Context, env *serializer.Envelope) error {
		atomic.AddInt32(&h1Count, 1)
		done <- struct{}{}
		return nil
	}), Filter{})
	d.Subscribe("X", ClosureHandler("H2", func(ctx context.Context, env *serializer.Envelope) error {
		atomic.AddInt32(&h2Count, 1)
		done <- struct{}{}
		return nil
	}), Filter{})

	env := envelope("X", "svc", nil, 1, nil)
	env.Header.UUID = "u1"

	d.Route(env) // delivers to H1 and H2
	<-done
	<-done
	d.Route(env) // second delivery: both should be deduped
	d.Shutdown(time.Second)

	select {
	case <-done:
		t.Fatalf("expected no further invocations after dedup")
	default:
	}

	if atomic.LoadInt32(&h1Count) != 1 || atomic.LoadInt32(&h2Count) != 1 {
		t.Fatalf("expected exactly 1 invocation per handler, got h1=%d h2=%d", h1Count, h2Count)
	}
}

func TestOpenCircuitRoutesToDLQ(t *testing.T) {
	dir := t.TempDir()
	dq, err := dlq.Open(filepath.Join(dir, "dlq.jsonl"))
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}

	d := New(Options{
		DLQ:     dq,
		Breaker: circuit.Options{Threshold: 2, Window: time.Minute, Cooldown: time.Hour},
	})

	var calls int32
	d.Subscribe("X", ClosureHandler("H", func(ctx context.Context, env *serializer.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	}), Filter{})

	for i := 0; i < 2; i++ {
		env := envelope("X", "svc", nil, 1, nil)
		d.Route(env)
	}
	// Wait for both failures to be recorded without shutting the pool
	// down, since a shut-down dispatcher accepts no further routes.
	deadline := time.Now().Add(time.Second)
	for d.Stats().Errors < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 handler attempts before trip, got %d", calls)
	}

	// Circuit is now open; a further route must not invoke the handler
	// but must land in the DLQ via the fallback.
	env := envelope("X", "svc", nil, 1, nil)
	d.Route(env)
	d.Shutdown(time.Second)

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected no further handler invocation once circuit is open, got %d", calls)
	}

	size, err := dq.Size()
	if err != nil {
		t.Fatalf("dlq size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected 1 DLQ entry from the open-circuit fallback, got %d", size)
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	d := New(Options{})
	started := make(chan struct{})
	release := make(chan struct{})

	d.Subscribe("X", ClosureHandler("H", func(ctx context.Context, env *serializer.Envelope) error {
		close(started)
		<-release
		return nil
	}), Filter{})

	d.Route(envelope("X", "svc", nil, 1, nil))
	<-started
	close(release)
	d.Shutdown(2 * time.Second) // must return once the in-flight handler completes
}
