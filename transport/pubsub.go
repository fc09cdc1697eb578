package transport

import (
	"sync"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
)

// Backend is the generic pub/sub broker contract: the
// transport assumes a channel-based publish/subscribe primitive and
// never speaks a concrete broker's wire protocol.
type Backend interface {
	Publish(channel string, payload []byte) error
	Subscribe(channel string, handler func(payload []byte)) (unsubscribe func(), err error)
}

// LocalBackend is an in-process Backend, modeled on the broker's
// broker.Service Topic bookkeeping (a named channel with a fan-out
// subscriber list) but without the TCP/JSON-RPC transport layer.
type LocalBackend struct {
	mu     sync.RWMutex
	topics map[string]*localTopic
}

type localTopic struct {
	mu          sync.RWMutex
	subscribers map[int]func(payload []byte)
	nextID      int
}

// NewLocalBackend builds an in-process pub/sub backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{topics: make(map[string]*localTopic)}
}

func (b *LocalBackend) topic(channel string) *localTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[channel]
	if !ok {
		t = &localTopic{subscribers: make(map[int]func(payload []byte))}
		b.topics[channel] = t
	}
	return t
}

func (b *LocalBackend) Publish(channel string, payload []byte) error {
	b.mu.RLock()
	t, ok := b.topics[channel]
	b.mu.RUnlock()
	if !ok {
		return nil // no subscribers yet; matches fire-and-forget pub/sub semantics
	}
	t.mu.RLock()
	handlers := make([]func([]byte), 0, len(t.subscribers))
	for _, h := range t.subscribers {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *LocalBackend) Subscribe(channel string, handler func(payload []byte)) (func(), error) {
	t := b.topic(channel)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = handler
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}, nil
}

// PubSub is the channel-per-message-class pub/sub broker transport.
// Channel name = message_class; the receive path extracts the
// header from the wire payload rather than synthesizing one.
type PubSub struct {
	name    string
	backend Backend
	ser     serializer.Serializer

	mu        sync.Mutex
	connected bool
	receiver  Receiver
	cancels   map[string]func()
}

// NewPubSub builds a PubSub transport over backend.
func NewPubSub(name string, backend Backend, ser serializer.Serializer) *PubSub {
	if ser == nil {
		ser = &serializer.JSONSerializer{}
	}
	return &PubSub{name: name, backend: backend, ser: ser, cancels: make(map[string]func())}
}

func init() {
	DefaultRegistry.Register("pubsub", func(name string, options map[string]interface{}) (Transport, error) {
		backend, _ := options["backend"].(Backend)
		if backend == nil {
			backend = NewLocalBackend()
		}
		ser, _ := options["serializer"].(serializer.Serializer)
		return NewPubSub(name, backend, ser), nil
	})
}

func (t *PubSub) Name() string { return t.name }

func (t *PubSub) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *PubSub) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.cancels {
		cancel()
	}
	t.cancels = make(map[string]func())
	t.connected = false
	return nil
}

func (t *PubSub) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *PubSub) SetReceiver(r Receiver) { t.mu.Lock(); t.receiver = r; t.mu.Unlock() }

func (t *PubSub) Serializer() serializer.Serializer { return t.ser }

func (t *PubSub) Publish(env *serializer.Envelope) error {
	if !t.Connected() {
		return smsgerr.New(smsgerr.KindConnection, "transport %s: not connected", t.name)
	}
	data, err := t.ser.Encode(env)
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindValidation, err, "transport %s: encode", t.name)
	}
	return t.backend.Publish(env.Header.MessageClass, data)
}

// PublishEncoded delivers pre-encoded data directly, bypassing this
// transport's own serializer — used when a message class declares its
// own serializer override.
func (t *PubSub) PublishEncoded(hdr *header.Header, data []byte) error {
	if !t.Connected() {
		return smsgerr.New(smsgerr.KindConnection, "transport %s: not connected", t.name)
	}
	return t.backend.Publish(hdr.MessageClass, data)
}

// Subscribe starts a single backend subscription for messageClass,
// decoding every received payload and forwarding it to the receiver.
// Idempotent per message class.
func (t *PubSub) Subscribe(messageClass string) error {
	t.mu.Lock()
	if _, exists := t.cancels[messageClass]; exists {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	cancel, err := t.backend.Subscribe(messageClass, func(payload []byte) {
		env, err := t.ser.Decode(payload)
		if err != nil {
			return
		}
		t.mu.Lock()
		r := t.receiver
		t.mu.Unlock()
		if r != nil {
			r.Route(env)
		}
	})
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindSubscribe, err, "transport %s: subscribe to %s", t.name, messageClass)
	}

	t.mu.Lock()
	t.cancels[messageClass] = cancel
	t.mu.Unlock()
	return nil
}

func (t *PubSub) Unsubscribe(messageClass string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if messageClass == "" {
		for _, cancel := range t.cancels {
			cancel()
		}
		t.cancels = make(map[string]func())
		return nil
	}
	if cancel, ok := t.cancels[messageClass]; ok {
		cancel()
		delete(t.cancels, messageClass)
	}
	return nil
}
