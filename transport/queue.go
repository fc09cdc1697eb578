package transport

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
	"github.com/smsgio/smsg/store"
)

// QueueData is the list-push/pop primitive the queue broker transport
// needs from its backend (list push/pop).
type QueueData interface {
	Push(queue string, payload []byte) error
	Pop(queue string) ([]byte, bool, error)
}

// localQueueData is an in-process QueueData, one FIFO slice per queue
// name, for tests and single-process deployments.
type localQueueData struct {
	mu     sync.Mutex
	queues map[string][][]byte
	cond   *sync.Cond
}

// NewLocalQueueData builds an in-memory QueueData.
func NewLocalQueueData() QueueData {
	q := &localQueueData{queues: make(map[string][][]byte)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *localQueueData) Push(queue string, payload []byte) error {
	q.mu.Lock()
	q.queues[queue] = append(q.queues[queue], payload)
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}

func (q *localQueueData) Pop(queue string) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[queue]
	if len(items) == 0 {
		return nil, false, nil
	}
	head := items[0]
	q.queues[queue] = items[1:]
	return head, true, nil
}

// StoreQueueData adapts a store.KVStore into QueueData, giving the
// queue transport persistent-across-restart delivery.
type StoreQueueData struct {
	backend store.KVStore
}

// NewStoreQueueData wraps a store.KVStore as QueueData.
func NewStoreQueueData(backend store.KVStore) QueueData {
	return &StoreQueueData{backend: backend}
}

func (s *StoreQueueData) Push(queue string, payload []byte) error {
	return s.backend.ListPush("queue:"+queue, payload)
}

func (s *StoreQueueData) Pop(queue string) ([]byte, bool, error) {
	return s.backend.ListPop("queue:" + queue)
}

// Router is the shared (group -> registered patterns) table that lets
// every QueueBroker instance sharing a queue_prefix discover which
// consumer groups a routing key must fan out to.
type Router struct {
	mu     sync.RWMutex
	groups map[string]map[string]bool
}

// NewRouter builds an empty pattern router.
func NewRouter() *Router {
	return &Router{groups: make(map[string]map[string]bool)}
}

func (r *Router) Register(group, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]bool)
	}
	r.groups[group][pattern] = true
}

func (r *Router) Unregister(group, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[group] == nil {
		return
	}
	if pattern == "" {
		delete(r.groups, group)
		return
	}
	delete(r.groups[group], pattern)
}

// MatchingGroups returns every consumer group with at least one
// pattern matching routingKey (fan-out semantics: across groups
// each envelope is delivered to each group).
func (r *Router) MatchingGroups(routingKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []string
	for group, patterns := range r.groups {
		for pattern := range patterns {
			if MatchPattern(pattern, routingKey) {
				matched = append(matched, group)
				break
			}
		}
	}
	return matched
}

var sanitizeRE = regexp.MustCompile(`[^a-z0-9_-]`)

// Sanitize lowercases s and replaces every character outside
// [a-z0-9_-] with '_'.
func Sanitize(s string) string {
	return sanitizeRE.ReplaceAllString(strings.ToLower(s), "_")
}

// RoutingKey builds "<exchange>.<message_type>.<from>.<to>", with
// broadcast ("to" nil) rendered as the literal "broadcast" and an
// empty "from" rendered as "anonymous", each component sanitized.
func RoutingKey(exchange, messageType, from, to string) string {
	if from == "" {
		from = "anonymous"
	}
	if to == "" {
		to = "broadcast"
	}
	parts := []string{exchange, messageType, from, to}
	for i, p := range parts {
		parts[i] = Sanitize(p)
	}
	return strings.Join(parts, ".")
}

// MatchPattern reports whether pattern (using "*" for exactly one
// segment and "#" for zero-or-more segments) matches routingKey,
// segment-wise.
func MatchPattern(pattern, routingKey string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	default:
		if len(key) == 0 || key[0] != pattern[0] {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	}
}

// QueueOptions configures a QueueBroker instance.
type QueueOptions struct {
	Exchange      string
	QueuePrefix   string
	ConsumerGroup string
	PollInterval  time.Duration
}

// QueueBroker enhances PubSub with content-based routing:
// publish pushes onto every consumer group whose registered pattern
// matches the routing key; each group's members compete for envelopes
// pushed onto that group's shared queue.
type QueueBroker struct {
	name    string
	data    QueueData
	router  *Router
	ser     serializer.Serializer
	opts    QueueOptions

	mu        sync.Mutex
	connected bool
	receiver  Receiver
	patterns  map[string]bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewQueueBroker builds a QueueBroker. data and router are typically
// shared across every transport instance using the same backend, so
// consumer-group fan-out works across instances.
func NewQueueBroker(name string, data QueueData, router *Router, ser serializer.Serializer, opts QueueOptions) *QueueBroker {
	if ser == nil {
		ser = &serializer.JSONSerializer{}
	}
	if opts.Exchange == "" {
		opts.Exchange = "default"
	}
	if opts.QueuePrefix == "" {
		opts.QueuePrefix = "smsg"
	}
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "default"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	return &QueueBroker{name: name, data: data, router: router, ser: ser, opts: opts, patterns: make(map[string]bool)}
}

func init() {
	DefaultRegistry.Register("queue", func(name string, options map[string]interface{}) (Transport, error) {
		data, _ := options["data"].(QueueData)
		if data == nil {
			data = NewLocalQueueData()
		}
		router, _ := options["router"].(*Router)
		if router == nil {
			router = NewRouter()
		}
		ser, _ := options["serializer"].(serializer.Serializer)
		opts := QueueOptions{}
		if v, ok := options["exchange"].(string); ok {
			opts.Exchange = v
		}
		if v, ok := options["queue_prefix"].(string); ok {
			opts.QueuePrefix = v
		}
		if v, ok := options["consumer_group"].(string); ok {
			opts.ConsumerGroup = v
		}
		return NewQueueBroker(name, data, router, ser, opts), nil
	})
}

func (t *QueueBroker) Name() string { return t.name }

func (t *QueueBroker) queueName() string {
	return fmt.Sprintf("%s.%s", t.opts.QueuePrefix, t.opts.ConsumerGroup)
}

func (t *QueueBroker) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.stop = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pollLoop()
	return nil
}

func (t *QueueBroker) pollLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			for {
				payload, ok, err := t.data.Pop(t.queueName())
				if err != nil || !ok {
					break
				}
				env, err := t.ser.Decode(payload)
				if err != nil {
					continue
				}
				t.mu.Lock()
				r := t.receiver
				t.mu.Unlock()
				if r != nil {
					r.Route(env)
				}
			}
		}
	}
}

func (t *QueueBroker) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	close(t.stop)
	for p := range t.patterns {
		t.router.Unregister(t.opts.ConsumerGroup, p)
	}
	t.patterns = make(map[string]bool)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *QueueBroker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *QueueBroker) SetReceiver(r Receiver) { t.mu.Lock(); t.receiver = r; t.mu.Unlock() }

func (t *QueueBroker) Serializer() serializer.Serializer { return t.ser }

// Publish computes the routing key from the envelope's header and
// pushes onto every consumer group whose pattern matches.
func (t *QueueBroker) Publish(env *serializer.Envelope) error {
	if !t.Connected() {
		return smsgerr.New(smsgerr.KindConnection, "transport %s: not connected", t.name)
	}
	data, err := t.ser.Encode(env)
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindValidation, err, "transport %s: encode", t.name)
	}
	key := RoutingKey(t.opts.Exchange, env.Header.MessageClass, env.Header.FromValue(), env.Header.ToValue())
	return t.pushToMatchingGroups(key, data)
}

func (t *QueueBroker) pushToMatchingGroups(routingKey string, data []byte) error {
	groups := t.router.MatchingGroups(routingKey)
	for _, group := range groups {
		queue := fmt.Sprintf("%s.%s", t.opts.QueuePrefix, group)
		if err := t.data.Push(queue, data); err != nil {
			return smsgerr.Wrap(smsgerr.KindConnection, err, "transport %s: push to %s", t.name, queue)
		}
	}
	return nil
}

// PublishEncoded delivers pre-encoded data directly, bypassing this
// transport's own serializer — used when a message class declares its
// own serializer override.
func (t *QueueBroker) PublishEncoded(hdr *header.Header, data []byte) error {
	if !t.Connected() {
		return smsgerr.New(smsgerr.KindConnection, "transport %s: not connected", t.name)
	}
	key := RoutingKey(t.opts.Exchange, hdr.MessageClass, hdr.FromValue(), hdr.ToValue())
	return t.pushToMatchingGroups(key, data)
}

// Subscribe registers pattern as this transport's (consumer-group
// scoped) interest. messageClass is interpreted as a routing pattern
// (possibly containing * / # wildcards), not a bare class name,
// matching the fluent builder's output.
func (t *QueueBroker) Subscribe(pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.patterns[pattern] {
		return nil
	}
	t.patterns[pattern] = true
	t.router.Register(t.opts.ConsumerGroup, pattern)
	return nil
}

func (t *QueueBroker) Unsubscribe(pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pattern == "" {
		for p := range t.patterns {
			t.router.Unregister(t.opts.ConsumerGroup, p)
		}
		t.patterns = make(map[string]bool)
		return nil
	}
	delete(t.patterns, pattern)
	t.router.Unregister(t.opts.ConsumerGroup, pattern)
	return nil
}

// Where starts the fluent subscription builder: where().from(X).to(Y).type(T).Subscribe(qb).
func Where() *PatternBuilder {
	return &PatternBuilder{from: "*", to: "*", msgType: "*"}
}

// PatternBuilder composes a routing pattern with "*" in any
// unspecified position.
type PatternBuilder struct {
	exchange string
	from     string
	to       string
	msgType  string
}

func (b *PatternBuilder) Exchange(e string) *PatternBuilder { b.exchange = e; return b }
func (b *PatternBuilder) From(f string) *PatternBuilder     { b.from = Sanitize(f); return b }
func (b *PatternBuilder) To(t string) *PatternBuilder       { b.to = Sanitize(t); return b }
func (b *PatternBuilder) Type(ty string) *PatternBuilder    { b.msgType = Sanitize(ty); return b }

// Broadcast is a convenience shortcut for to == "broadcast".
func (b *PatternBuilder) Broadcast() *PatternBuilder { b.to = "broadcast"; return b }

// Alert sets the message-type segment to messageType, exactly as Type
// does; one pattern covers one alert type.
func (b *PatternBuilder) Alert(messageType string) *PatternBuilder { return b.Type(messageType) }

// Pattern renders the composed routing pattern.
func (b *PatternBuilder) Pattern() string {
	exchange := b.exchange
	if exchange == "" {
		exchange = "#"
	}
	return strings.Join([]string{exchange, b.msgType, b.from, b.to}, ".")
}

// Subscribe registers the composed pattern on qb.
func (b *PatternBuilder) Subscribe(qb *QueueBroker) error {
	return qb.Subscribe(b.Pattern())
}
