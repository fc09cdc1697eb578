// Package dispatcher implements the thread-safe routing engine:
// a subscription table mapping message classes onto handlers, with
// per-subscription filtering, DDQ-gated dedup, circuit-breaker-wrapped
// handler invocation, and DLQ handoff on exhaustion.
package dispatcher

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smsgio/smsg/circuit"
	"github.com/smsgio/smsg/ddq"
	"github.com/smsgio/smsg/dlq"
	"github.com/smsgio/smsg/logger"
	"github.com/smsgio/smsg/message"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
)

// Matcher is one element of a to/from filter array: either an exact
// string or a regular expression, modeled as a sum type rather
// than a runtime type assertion at match time.
type Matcher struct {
	literal string
	pattern *regexp.Regexp
}

// Literal builds an exact-match Matcher.
func Literal(s string) Matcher { return Matcher{literal: s} }

// Pattern builds a regular-expression Matcher.
func Pattern(re *regexp.Regexp) Matcher { return Matcher{pattern: re} }

func (m Matcher) match(value string) bool {
	if m.pattern != nil {
		return m.pattern.MatchString(value)
	}
	return m.literal == value
}

// Filter is a subscription's routing predicate: broadcast, to,
// and from conditions OR together; within to/from, array members OR
// among themselves. The zero
// value matches unconditionally.
type Filter struct {
	Broadcast bool
	To        []Matcher
	From      []Matcher
}

func (f Filter) configured() bool {
	return f.Broadcast || len(f.To) > 0 || len(f.From) > 0
}

// Matches reports whether the filter accepts an envelope with the
// given to/from addressing.
func (f Filter) Matches(to *string, from string) bool {
	if !f.configured() {
		return true
	}
	if f.Broadcast && to == nil {
		return true
	}
	if to != nil {
		for _, m := range f.To {
			if m.match(*to) {
				return true
			}
		}
	}
	for _, m := range f.From {
		if m.match(from) {
			return true
		}
	}
	return false
}

// HandlerKind distinguishes a named class method from a closure.
type HandlerKind int

const (
	HandlerNamed HandlerKind = iota
	HandlerClosure
)

// HandlerFunc is the signature every registered handler implements.
type HandlerFunc func(ctx context.Context, env *serializer.Envelope) error

// Handler is the sum type named(class, method) | closure(id, fn). The
// closure's ID namespace is also its DDQ scoping key.
type Handler struct {
	Kind   HandlerKind
	Class  string
	Method string
	ID     string
	Fn     HandlerFunc
}

// NamedHandler builds a handler identified as "<class>.<method>".
func NamedHandler(class, method string, fn HandlerFunc) Handler {
	return Handler{Kind: HandlerNamed, Class: class, Method: method, Fn: fn}
}

// ClosureHandler builds a handler identified by an explicit id.
func ClosureHandler(id string, fn HandlerFunc) Handler {
	return Handler{Kind: HandlerClosure, ID: id, Fn: fn}
}

// handlerID returns the stable id used for subscription-table keys
// and DDQ scoping.
func (h Handler) handlerID() string {
	if h.Kind == HandlerNamed {
		return fmt.Sprintf("%s.%s", h.Class, h.Method)
	}
	return h.ID
}

// SubscriptionRecord is one entry in the dispatcher's subscription
// table.
type SubscriptionRecord struct {
	MessageClass string
	Handler      Handler
	Filter       Filter
}

// Options configures a Dispatcher.
type Options struct {
	// PoolSize bounds concurrent handler invocations when > 0. Zero
	// means an unbounded goroutine-per-route cached pool — the
	// default, with no ordering guarantee across envelopes.
	PoolSize int

	// SingleWorker forces strictly sequential handler invocation,
	// giving FIFO ordering per (message_class, handler_id) at the
	// cost of cross-envelope concurrency.
	SingleWorker bool

	// Classes enables the receive-side version-match check by looking
	// up the declared class version for each routed envelope.
	Classes *message.Registry

	// DDQs, when set, gates routing on the handler-scoped dedup queue.
	// Nil disables deduplication entirely.
	DDQs *ddq.Registry

	// DLQ receives envelopes routed to a handler whose circuit breaker
	// is open (the breaker's fallback). Nil drops such envelopes after
	// logging.
	DLQ *dlq.DLQ

	Logger  logger.Logger
	Breaker circuit.Options
}

// Stats is a process-wide routing counter snapshot.
type Stats struct {
	Routed   int64
	Invoked  int64
	Deduped  int64
	Filtered int64
	Errors   int64
}

// Dispatcher owns the subscription table and worker pool.
type Dispatcher struct {
	mu    sync.RWMutex
	table map[string][]*SubscriptionRecord

	breakersMu sync.Mutex
	breakers   map[string]*circuit.Breaker

	pool *workerPool

	classes     *message.Registry
	ddqs        *ddq.Registry
	dlq         *dlq.DLQ
	log         logger.Logger
	breakerOpts circuit.Options
	tracer      trace.Tracer

	routed, invoked, deduped, filtered, errs int64
}

// New builds a Dispatcher with the given options.
func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = logger.Noop()
	}
	breakerOpts := opts.Breaker
	if breakerOpts.Threshold == 0 && breakerOpts.Window == 0 && breakerOpts.Cooldown == 0 {
		breakerOpts = circuit.DefaultOptions()
	}
	return &Dispatcher{
		table:       make(map[string][]*SubscriptionRecord),
		breakers:    make(map[string]*circuit.Breaker),
		pool:        newWorkerPool(opts),
		classes:     opts.Classes,
		ddqs:        opts.DDQs,
		dlq:         opts.DLQ,
		log:         log,
		breakerOpts: breakerOpts,
		tracer:      otel.Tracer("github.com/smsgio/smsg/dispatcher"),
	}
}

// Subscribe registers (or replaces, if handler-id already present)
// handler's interest in messageClass, gated by filter.
func (d *Dispatcher) Subscribe(messageClass string, h Handler, f Filter) error {
	id := h.handlerID()
	if id == "" {
		return smsgerr.New(smsgerr.KindValidation, "dispatcher: handler id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	records := d.table[messageClass]
	for _, r := range records {
		if r.Handler.handlerID() == id {
			r.Handler = h
			r.Filter = f
			return nil
		}
	}
	d.table[messageClass] = append(records, &SubscriptionRecord{MessageClass: messageClass, Handler: h, Filter: f})
	return nil
}

// Unsubscribe removes handlerID's subscription to messageClass; an
// empty handlerID removes every handler for that class.
func (d *Dispatcher) Unsubscribe(messageClass, handlerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handlerID == "" {
		delete(d.table, messageClass)
		return
	}
	records := d.table[messageClass]
	kept := records[:0]
	for _, r := range records {
		if r.Handler.handlerID() != handlerID {
			kept = append(kept, r)
		}
	}
	d.table[messageClass] = kept
}

// Stats returns a snapshot of the dispatcher's routing counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Routed:   atomic.LoadInt64(&d.routed),
		Invoked:  atomic.LoadInt64(&d.invoked),
		Deduped:  atomic.LoadInt64(&d.deduped),
		Filtered: atomic.LoadInt64(&d.filtered),
		Errors:   atomic.LoadInt64(&d.errs),
	}
}

// Route implements transport.Receiver: look up subscribers for the
// envelope's class, evaluate filters, consult the DDQ, and submit
// surviving handlers to the worker pool.
func (d *Dispatcher) Route(env *serializer.Envelope) {
	atomic.AddInt64(&d.routed, 1)

	d.mu.RLock()
	records := append([]*SubscriptionRecord(nil), d.table[env.Header.MessageClass]...)
	d.mu.RUnlock()

	for _, rec := range records {
		if !rec.Filter.Matches(env.Header.To, env.Header.From) {
			atomic.AddInt64(&d.filtered, 1)
			continue
		}

		if d.classes != nil {
			if class, ok := d.classes.Lookup(env.Header.MessageClass); ok && env.Header.Version != class.Version {
				atomic.AddInt64(&d.errs, 1)
				d.log.Warn("version mismatch", "class", env.Header.MessageClass,
					"handler", rec.Handler.handlerID(), "got", env.Header.Version, "want", class.Version)
				continue
			}
		}

		handlerID := rec.Handler.handlerID()
		if d.ddqs != nil {
			if q, err := d.ddqs.Get(ddq.Key(env.Header.MessageClass, handlerID)); err == nil {
				if dup, err := q.Contains(env.Header.UUID); err == nil && dup {
					atomic.AddInt64(&d.deduped, 1)
					continue
				}
			}
		}

		rec := rec
		if !d.pool.submit(func() { d.invoke(rec, env) }) {
			d.log.Warn("dispatcher stopped, dropping route", "class", env.Header.MessageClass, "handler", handlerID)
		}
	}
}

// invoke runs rec.Handler through its circuit breaker, records the
// envelope's UUID in the DDQ on success, and offers the envelope to
// the DLQ once the breaker is open.
func (d *Dispatcher) invoke(rec *SubscriptionRecord, env *serializer.Envelope) {
	handlerID := rec.Handler.handlerID()
	breaker := d.breakerFor(env.Header.MessageClass, handlerID)

	ctx, span := d.tracer.Start(context.Background(), "dispatcher.route", trace.WithAttributes(
		attribute.String("message_class", env.Header.MessageClass),
		attribute.String("handler_id", handlerID),
		attribute.String("uuid", env.Header.UUID),
	))
	defer span.End()

	err := breaker.Execute(func() error {
		return rec.Handler.Fn(ctx, env)
	}, func() error {
		return d.deadLetter(rec, env, "circuit open")
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		atomic.AddInt64(&d.errs, 1)
		d.log.Error("handler failed", "class", env.Header.MessageClass, "handler", handlerID, "error", err)
		return
	}

	atomic.AddInt64(&d.invoked, 1)
	if d.ddqs != nil {
		if q, qerr := d.ddqs.Get(ddq.Key(env.Header.MessageClass, handlerID)); qerr == nil {
			_ = q.Add(env.Header.UUID)
		}
	}
}

// deadLetter enqueues env to the DLQ, tagging the failing handler as
// the origin transport name (no transport is actually involved — the
// failure originates from the message-processor circuit).
func (d *Dispatcher) deadLetter(rec *SubscriptionRecord, env *serializer.Envelope, reason string) error {
	if d.dlq == nil {
		d.log.Warn("no DLQ configured, dropping envelope", "class", env.Header.MessageClass, "uuid", env.Header.UUID)
		return nil
	}
	return d.dlq.Enqueue(env.Header, env.Properties, "json", reason, "handler:"+rec.Handler.handlerID(), 0)
}

// breakerFor returns (creating lazily) the per-(class, handler_id)
// circuit breaker. Scoping one breaker per handler rather than one per
// message class means a single poisoned subscriber cannot trip routing
// to other, healthy subscribers of the same class.
func (d *Dispatcher) breakerFor(messageClass, handlerID string) *circuit.Breaker {
	key := ddq.Key(messageClass, handlerID)
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if b, ok := d.breakers[key]; ok {
		return b
	}
	b := circuit.New(key, d.breakerOpts)
	d.breakers[key] = b
	return b
}

// Shutdown stops accepting new work and waits up to timeout for
// in-flight handlers to finish. Idempotent.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.pool.shutdown(timeout)
}

// workerPool is the dispatcher's handler-invocation pool: unbounded
// goroutine-per-task by default (cached), optionally bounded by
// semaphore, or fully serialized for strict single-worker ordering.
type workerPool struct {
	sem    chan struct{}
	single chan func()
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func newWorkerPool(opts Options) *workerPool {
	p := &workerPool{closed: make(chan struct{})}
	if opts.SingleWorker {
		p.single = make(chan func(), 256)
		go p.runSingle()
		return p
	}
	if opts.PoolSize > 0 {
		p.sem = make(chan struct{}, opts.PoolSize)
	}
	return p
}

func (p *workerPool) runSingle() {
	for {
		select {
		case fn := <-p.single:
			fn()
			p.wg.Done()
		case <-p.closed:
			return
		}
	}
}

// submit schedules fn for execution, returning false if the pool has
// already been told to stop accepting new work.
func (p *workerPool) submit(fn func()) bool {
	select {
	case <-p.closed:
		return false
	default:
	}

	p.wg.Add(1)
	if p.single != nil {
		select {
		case p.single <- fn:
		case <-p.closed:
			p.wg.Done()
			return false
		}
		return true
	}
	if p.sem != nil {
		p.sem <- struct{}{}
		go func() {
			defer func() { <-p.sem }()
			defer p.wg.Done()
			fn()
		}()
		return true
	}
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

// shutdown stops accepting new work immediately, then waits up to
// timeout for in-flight handlers; anything still running past the
// deadline is abandoned (best-effort).
func (p *workerPool) shutdown(timeout time.Duration) {
	p.closeOnce.Do(func() { close(p.closed) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
