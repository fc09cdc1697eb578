package transport

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
)

// WriteMode selects how Publish hands data to the file/FIFO sink.
type WriteMode string

const (
	WriteDirect   WriteMode = "direct"
	WriteBuffered WriteMode = "buffered"
	WriteAsync    WriteMode = "async"
)

// OverflowPolicy governs the async writer's bounded queue when full.
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowDropNewest OverflowPolicy = "drop_newest"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// PathSelector maps a header/payload pair to a file path, letting one
// sink partition envelopes across multiple files.
type PathSelector func(env *serializer.Envelope) string

// FileSinkOptions configures a FileSink.
type FileSinkOptions struct {
	Path             string
	Selector         PathSelector // overrides Path when set
	Mode             WriteMode
	FlushSize        int
	FlushInterval    time.Duration
	QueueSize        int
	Overflow         OverflowPolicy
	Gzip             bool
	StdoutOnly       bool // true for the always-publish-only stdout sink
	DLQOnFailedWrite func(env *serializer.Envelope, err error)
}

// FileSink implements the file/FIFO/stdout transport. It is
// publish-only unless Subscribe is called to start a subscription (file
// tailing); the stdout variant never supports subscription.
type FileSink struct {
	name string
	opts FileSinkOptions
	ser  serializer.Serializer

	mu        sync.Mutex
	handles   map[string]*sinkHandle
	connected bool
	receiver  Receiver

	asyncCh   chan *serializer.Envelope
	asyncDone chan struct{}

	tailStop chan struct{}
	tailWg   sync.WaitGroup
}

type sinkHandle struct {
	mu      sync.Mutex
	file    *os.File
	gz      *gzip.Writer
	w       *bufio.Writer
	pending int
	lastFlush time.Time
}

// NewFileSink builds a line-oriented file sink.
func NewFileSink(name string, opts FileSinkOptions) *FileSink {
	if opts.Mode == "" {
		opts.Mode = WriteDirect
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowBlock
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &FileSink{name: name, opts: opts, ser: &serializer.JSONSerializer{}, handles: make(map[string]*sinkHandle)}
}

// NewStdout builds the always-publish-only stdout sink.
func NewStdout(name string) *FileSink {
	return NewFileSink(name, FileSinkOptions{StdoutOnly: true, Mode: WriteDirect})
}

func init() {
	DefaultRegistry.Register("file", func(name string, options map[string]interface{}) (Transport, error) {
		opts := FileSinkOptions{}
		if v, ok := options["path"].(string); ok {
			opts.Path = v
		}
		if v, ok := options["gzip"].(bool); ok {
			opts.Gzip = v
		}
		return NewFileSink(name, opts), nil
	})
	DefaultRegistry.Register("stdout", func(name string, options map[string]interface{}) (Transport, error) {
		return NewStdout(name), nil
	})
}

func (t *FileSink) Name() string { return t.name }

func (t *FileSink) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	if t.opts.Mode == WriteAsync {
		t.asyncCh = make(chan *serializer.Envelope, t.opts.QueueSize)
		t.asyncDone = make(chan struct{})
		go t.asyncWriter()
	}
	return nil
}

func (t *FileSink) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	if t.tailStop != nil {
		close(t.tailStop)
	}
	ch := t.asyncCh
	done := t.asyncDone
	handles := t.handles
	t.handles = make(map[string]*sinkHandle)
	t.mu.Unlock()

	if ch != nil {
		close(ch)
		<-done
	}
	t.tailWg.Wait()

	for _, h := range handles {
		h.mu.Lock()
		if h.w != nil {
			h.w.Flush()
		}
		if h.gz != nil {
			h.gz.Close()
		}
		if h.file != nil {
			h.file.Close()
		}
		h.mu.Unlock()
	}
	return nil
}

func (t *FileSink) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FileSink) SetReceiver(r Receiver) { t.mu.Lock(); t.receiver = r; t.mu.Unlock() }

func (t *FileSink) Serializer() serializer.Serializer { return t.ser }

// Subscribe starts tailing the file (or stdout, which always refuses).
func (t *FileSink) Subscribe(messageClass string) error {
	if t.opts.StdoutOnly {
		return smsgerr.New(smsgerr.KindSubscribe, "transport %s: stdout sink is publish-only", t.name)
	}
	t.mu.Lock()
	if t.tailStop != nil {
		t.mu.Unlock()
		return nil // already tailing
	}
	t.tailStop = make(chan struct{})
	stop := t.tailStop
	t.mu.Unlock()

	t.tailWg.Add(1)
	go t.tailLoop(stop)
	return nil
}

func (t *FileSink) Unsubscribe(messageClass string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tailStop != nil {
		close(t.tailStop)
		t.tailStop = nil
	}
	return nil
}

func (t *FileSink) tailLoop(stop chan struct{}) {
	defer t.tailWg.Done()

	f, err := os.Open(t.opts.Path)
	if err == nil {
		f.Seek(0, os.SEEK_END)
	}
	// A file created after Subscribe holds only new lines, so it is
	// read from its start once it appears.
	for err != nil {
		select {
		case <-stop:
			return
		case <-time.After(50 * time.Millisecond):
		}
		f, err = os.Open(t.opts.Path)
	}
	defer f.Close()
	reader := bufio.NewReader(f)

	for {
		select {
		case <-stop:
			return
		default:
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			env, decErr := t.ser.Decode([]byte(line))
			if decErr == nil {
				t.mu.Lock()
				r := t.receiver
				t.mu.Unlock()
				if r != nil {
					r.Route(env)
				}
			}
		}
		if err != nil {
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		runtime.Gosched()
	}
}

func (t *FileSink) handleFor(env *serializer.Envelope) (*sinkHandle, error) {
	path := t.opts.Path
	if t.opts.Selector != nil {
		path = t.opts.Selector(env)
	}

	t.mu.Lock()
	h, ok := t.handles[path]
	t.mu.Unlock()
	if ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	nh := &sinkHandle{file: f, lastFlush: time.Now()}
	if t.opts.Gzip {
		nh.gz = gzip.NewWriter(f)
		nh.w = bufio.NewWriter(nh.gz)
	} else {
		nh.w = bufio.NewWriter(f)
	}

	t.mu.Lock()
	t.handles[path] = nh
	t.mu.Unlock()
	return nh, nil
}

func (t *FileSink) writeLine(env *serializer.Envelope) error {
	if t.opts.StdoutOnly {
		data, err := (&serializer.PrettySerializer{}).Encode(env)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
		return nil
	}

	h, err := t.handleFor(env)
	if err != nil {
		return err
	}

	data, err := t.ser.Encode(env)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(append(data, '\n')); err != nil {
		return err
	}
	h.pending++

	switch t.opts.Mode {
	case WriteDirect:
		return h.flushLocked()
	case WriteBuffered:
		flushBySize := t.opts.FlushSize > 0 && h.pending >= t.opts.FlushSize
		flushByTime := t.opts.FlushInterval > 0 && time.Since(h.lastFlush) >= t.opts.FlushInterval
		if flushBySize || flushByTime {
			return h.flushLocked()
		}
	}
	return nil
}

func (h *sinkHandle) flushLocked() error {
	if err := h.w.Flush(); err != nil {
		return err
	}
	if h.gz != nil {
		if err := h.gz.Flush(); err != nil {
			return err
		}
	}
	h.pending = 0
	h.lastFlush = time.Now()
	return nil
}

func (t *FileSink) asyncWriter() {
	defer close(t.asyncDone)
	for env := range t.asyncCh {
		if err := t.writeLine(env); err != nil && t.opts.DLQOnFailedWrite != nil {
			t.opts.DLQOnFailedWrite(env, err)
		}
	}
}

// Publish writes env as one line, following the configured write
// mode and overflow policy.
func (t *FileSink) Publish(env *serializer.Envelope) error {
	if !t.Connected() {
		return smsgerr.New(smsgerr.KindConnection, "transport %s: not connected", t.name)
	}

	if t.opts.Mode != WriteAsync {
		return t.writeLine(env)
	}

	t.mu.Lock()
	ch := t.asyncCh
	t.mu.Unlock()

	switch t.opts.Overflow {
	case OverflowDropNewest:
		select {
		case ch <- env:
		default:
		}
		return nil
	case OverflowDropOldest:
		select {
		case ch <- env:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- env:
			default:
			}
		}
		return nil
	default: // block
		ch <- env
		return nil
	}
}
