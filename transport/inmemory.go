package transport

import (
	"sync"

	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
)

// InMemory is the same-process loopback transport: an ordered
// buffer of envelopes, optionally auto-dispatching to the receiver on
// publish.
type InMemory struct {
	name       string
	serializer serializer.Serializer

	mu          sync.Mutex
	buffer      []*serializer.Envelope
	capacity    int  // 0 = unbounded
	dropOldest  bool // overflow policy when capacity is set
	autoProcess bool
	connected   bool
	classes     map[string]bool
	receiver    Receiver

	notEmpty *sync.Cond
}

// InMemoryOptions configures an InMemory transport.
type InMemoryOptions struct {
	Capacity    int
	DropOldest  bool // false = caller blocks until space is available
	AutoProcess bool
}

// NewInMemory builds an InMemory transport.
func NewInMemory(name string, opts InMemoryOptions) *InMemory {
	t := &InMemory{
		name:        name,
		serializer:  &serializer.JSONSerializer{},
		capacity:    opts.Capacity,
		dropOldest:  opts.DropOldest,
		autoProcess: opts.AutoProcess,
		classes:     make(map[string]bool),
	}
	t.notEmpty = sync.NewCond(&t.mu)
	return t
}

func init() {
	DefaultRegistry.Register("inmemory", func(name string, options map[string]interface{}) (Transport, error) {
		opts := InMemoryOptions{AutoProcess: true}
		if v, ok := options["capacity"].(int); ok {
			opts.Capacity = v
		}
		if v, ok := options["drop_oldest"].(bool); ok {
			opts.DropOldest = v
		}
		if v, ok := options["auto_process"].(bool); ok {
			opts.AutoProcess = v
		}
		return NewInMemory(name, opts), nil
	})
}

func (t *InMemory) Name() string { return t.name }

func (t *InMemory) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *InMemory) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.buffer = nil
	t.notEmpty.Broadcast()
	return nil
}

func (t *InMemory) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *InMemory) SetReceiver(r Receiver) { t.mu.Lock(); t.receiver = r; t.mu.Unlock() }

func (t *InMemory) Serializer() serializer.Serializer { return t.serializer }

func (t *InMemory) Subscribe(messageClass string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.classes[messageClass] = true
	return nil
}

func (t *InMemory) Unsubscribe(messageClass string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if messageClass == "" {
		t.classes = make(map[string]bool)
		return nil
	}
	delete(t.classes, messageClass)
	return nil
}

// Publish appends env to the buffer (honoring the overflow policy once
// capacity is set), and, when auto_process is enabled, immediately
// forwards it to the receiver.
func (t *InMemory) Publish(env *serializer.Envelope) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return smsgerr.New(smsgerr.KindConnection, "transport %s: not connected", t.name)
	}

	if t.capacity > 0 && len(t.buffer) >= t.capacity {
		if t.dropOldest {
			t.buffer = t.buffer[1:]
		} else {
			for len(t.buffer) >= t.capacity && t.connected {
				t.notEmpty.Wait()
			}
			if !t.connected {
				t.mu.Unlock()
				return smsgerr.New(smsgerr.KindConnection, "transport %s: disconnected while blocked", t.name)
			}
		}
	}
	t.buffer = append(t.buffer, env)
	auto := t.autoProcess
	receiver := t.receiver
	t.mu.Unlock()

	if auto && receiver != nil {
		receiver.Route(env)
	}
	return nil
}

// ProcessAll forwards every buffered envelope to the receiver and
// empties the buffer (used when auto_process is false).
func (t *InMemory) ProcessAll() int {
	t.mu.Lock()
	pending := t.buffer
	t.buffer = nil
	receiver := t.receiver
	t.notEmpty.Broadcast() // wake publishers blocked on a full buffer
	t.mu.Unlock()

	if receiver == nil {
		return 0
	}
	for _, env := range pending {
		receiver.Route(env)
	}
	return len(pending)
}

// Pending returns the number of buffered, not-yet-processed envelopes.
func (t *InMemory) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}
