// Package ddq implements the handler-scoped deduplication queue:
// a bounded, ordered set of UUID strings keyed by (message_class,
// handler_id), with O(1) contains/add/clear.
package ddq

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/smsgio/smsg/smsgerr"
	"github.com/smsgio/smsg/store"
)

// Stats reports the occupancy of a single DDQ.
type Stats struct {
	Size        int
	Count       int64 // lifetime adds
	Utilization float64
}

// String renders a human-friendly summary, e.g. "37/100 (37.0%)".
func (s Stats) String() string {
	return fmt.Sprintf("%s/%s (%.1f%%)",
		humanize.Comma(int64(s.Size)), humanize.Comma(int64(cap0(s))), s.Utilization*100)
}

func cap0(s Stats) int {
	if s.Utilization == 0 {
		return s.Size
	}
	return int(float64(s.Size) / s.Utilization)
}

// DDQ is the deduplication set for one (message_class, handler_id) pair.
type DDQ interface {
	Contains(uuid string) (bool, error)
	Add(uuid string) error
	Clear() error
	Stats() (Stats, error)
}

// Key builds the canonical DDQ key "<message_class>:<handler_id>".
func Key(messageClass, handlerID string) string {
	return messageClass + ":" + handlerID
}

// memoryDDQ is a ring buffer paired with a hash set for O(1) membership,
// the in-process backend.
type memoryDDQ struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
	count    int64
}

// NewMemory builds an in-process DDQ of the given capacity. capacity
// must be >= 0 (0 disables retention — every uuid is immediately
// evicted, i.e. deduplication is effectively off).
func NewMemory(capacity int) (DDQ, error) {
	if capacity < 0 {
		return nil, smsgerr.New(smsgerr.KindValidation, "ddq: capacity must be >= 0, got %d", capacity)
	}
	return &memoryDDQ{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}, nil
}

func (d *memoryDDQ) Contains(uuid string) (bool, error) {
	if uuid == "" {
		return false, smsgerr.New(smsgerr.KindValidation, "ddq: uuid must be non-empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[uuid]
	return ok, nil
}

func (d *memoryDDQ) Add(uuid string) error {
	if uuid == "" {
		return smsgerr.New(smsgerr.KindValidation, "ddq: uuid must be non-empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[uuid]; ok {
		return nil
	}

	if d.capacity == 0 {
		d.count++
		return nil
	}

	if d.order.Len() >= d.capacity {
		oldest := d.order.Front()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}

	elem := d.order.PushBack(uuid)
	d.index[uuid] = elem
	d.count++
	return nil
}

func (d *memoryDDQ) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order.Init()
	d.index = make(map[string]*list.Element)
	return nil
}

func (d *memoryDDQ) Stats() (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	size := d.order.Len()
	util := 0.0
	if d.capacity > 0 {
		util = float64(size) / float64(d.capacity)
	}
	return Stats{Size: size, Count: d.count, Utilization: util}, nil
}

// distributedDDQ implements the backend-list + backend-set pairing
// for sharing dedup state across processes.
type distributedDDQ struct {
	backend  store.KVStore
	listKey  string
	setKey   string
	capacity int
	mu       sync.Mutex
}

// NewDistributed builds a DDQ backed by a shared store.KVStore,
// namespaced under key (typically Key(messageClass, handlerID)).
func NewDistributed(backend store.KVStore, key string, capacity int) (DDQ, error) {
	if capacity < 0 {
		return nil, smsgerr.New(smsgerr.KindValidation, "ddq: capacity must be >= 0, got %d", capacity)
	}
	return &distributedDDQ{backend: backend, listKey: "ddq:list:" + key, setKey: "ddq:set:" + key, capacity: capacity}, nil
}

func (d *distributedDDQ) Contains(uuid string) (bool, error) {
	if uuid == "" {
		return false, smsgerr.New(smsgerr.KindValidation, "ddq: uuid must be non-empty")
	}
	return d.backend.SetContains(d.setKey, uuid)
}

func (d *distributedDDQ) Add(uuid string) error {
	if uuid == "" {
		return smsgerr.New(smsgerr.KindValidation, "ddq: uuid must be non-empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.backend.SetContains(d.setKey, uuid)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if d.capacity == 0 {
		return nil
	}

	if err := d.backend.ListPush(d.listKey, []byte(uuid)); err != nil {
		return err
	}
	if err := d.backend.SetAdd(d.setKey, uuid); err != nil {
		return err
	}

	n, err := d.backend.ListLen(d.listKey)
	if err != nil {
		return err
	}
	for n > d.capacity {
		evicted, ok, err := d.backend.ListPop(d.listKey)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := d.backend.SetRemove(d.setKey, string(evicted)); err != nil {
			return err
		}
		n--
	}
	return nil
}

func (d *distributedDDQ) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		v, ok, err := d.backend.ListPop(d.listKey)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := d.backend.SetRemove(d.setKey, string(v)); err != nil {
			return err
		}
	}
	return nil
}

func (d *distributedDDQ) Stats() (Stats, error) {
	n, err := d.backend.ListLen(d.listKey)
	if err != nil {
		return Stats{}, err
	}
	util := 0.0
	if d.capacity > 0 {
		util = float64(n) / float64(d.capacity)
	}
	return Stats{Size: n, Utilization: util}, nil
}

// Registry owns one DDQ per (message_class, handler_id), created
// lazily on first route.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]DDQ
	factory func(key string) (DDQ, error)
}

// NewRegistry builds a registry that lazily creates DDQs via factory.
func NewRegistry(factory func(key string) (DDQ, error)) *Registry {
	return &Registry{queues: make(map[string]DDQ), factory: factory}
}

// Get returns the DDQ for key, creating it on first access.
func (r *Registry) Get(key string) (DDQ, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[key]; ok {
		return q, nil
	}
	q, err := r.factory(key)
	if err != nil {
		return nil, err
	}
	r.queues[key] = q
	return q, nil
}

// Remove drops the DDQ for key (explicit clear).
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, key)
}
