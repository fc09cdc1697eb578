// Package transport implements the transport base contract and
// registry plus the concrete transports: in-memory, pub/sub
// broker, queue broker with pattern routing, and
// file/FIFO/stdout.
package transport

import (
	"fmt"
	"sync"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/logger"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
)

// Receiver is implemented by the dispatcher. Every transport's inbound
// path calls Route for each decoded envelope; routing logic itself is
// entirely the dispatcher's concern.
type Receiver interface {
	Route(env *serializer.Envelope)
}

// Transport is the uniform publish/subscribe/unsubscribe contract
// every concrete backend implements.
type Transport interface {
	Name() string

	Connect() error
	Disconnect() error
	Connected() bool

	// Publish encodes and delivers a message envelope.
	Publish(env *serializer.Envelope) error

	// Subscribe registers the transport's interest in messageClass so
	// its inbound path starts delivering matching envelopes to the
	// configured Receiver. Idempotent per message class.
	Subscribe(messageClass string) error

	// Unsubscribe removes interest in messageClass. Empty
	// messageClass removes all classes.
	Unsubscribe(messageClass string) error

	// SetReceiver wires the dispatcher that decoded envelopes are
	// forwarded to.
	SetReceiver(r Receiver)

	// Serializer returns the serializer this transport uses unless a
	// message class overrides it.
	Serializer() serializer.Serializer
}

// EncodedPublisher is implemented by transports that can accept
// pre-encoded bytes directly, bypassing their own serializer. A
// message class that overrides its serializer uses this path instead
// of Publish.
type EncodedPublisher interface {
	PublishEncoded(hdr *header.Header, data []byte) error
}

// Factory builds a Transport from a name and free-form options.
type Factory func(name string, options map[string]interface{}) (Transport, error)

// Registry is the process-wide name->constructor map.
// Registration and creation are concurrency-safe.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry is pre-populated by this package's init with the
// built-in transport kinds (inmemory, pubsub, queue, file, stdout);
// application code may register additional kinds. A named pipe is
// opened through the "file" kind like any other path.
var DefaultRegistry = NewRegistry()

// Register adds (or idempotently replaces) a factory for kind.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create instantiates a transport of kind, with the given instance
// name and options.
func (r *Registry) Create(kind, name string, options map[string]interface{}) (Transport, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, smsgerr.New(smsgerr.KindTransportNotConfigured, "transport: unknown kind %q", kind)
	}
	return factory(name, options)
}

// Kinds lists the registered transport kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}

// baseLog lets concrete transports log consistently; a nil Logger
// falls back to a no-op sink.
func baseLog(l logger.Logger) logger.Logger {
	if l == nil {
		return logger.Noop()
	}
	return l
}

// publishErrorDetail formats a backend failure for PublishError
// aggregation, matching the codebase's fmt.Errorf wrapping idiom.
func publishErrorDetail(transportName string, err error) string {
	return fmt.Sprintf("transport %s: %v", transportName, err)
}
