// Package dlq implements the dead-letter queue: an append-only
// JSON-lines failure log with FIFO semantics, filtering, export, and
// replay.
package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
)

// Record is one DLQ entry.
type Record struct {
	Timestamp     time.Time              `json:"timestamp"`
	Header        *header.Header         `json:"header"`
	Payload       map[string]interface{} `json:"payload"`
	PayloadFormat string                 `json:"payload_format"`
	Error         string                 `json:"error"`
	Transport     string                 `json:"transport"`
	RetryCount    int                    `json:"retry_count"`
}

// line is the on-disk envelope: the record plus an xxhash-64 checksum
// of its JSON body, letting DLQ detect and skip corrupted lines
// without stopping queue progression.
type line struct {
	Record   Record `json:"record"`
	Checksum uint64 `json:"checksum"`
}

// Statistics summarizes DLQ occupancy by class and by error, rendered
// with human-readable counts.
type Statistics struct {
	Total      int
	ByClass    map[string]int
	ByError    map[string]int
	HumanTotal string
}

// Publisher is the minimal shape DLQ needs to replay a record: encode
// the original (or overridden) transport's publish operation. Concrete
// transports implement this.
type Publisher interface {
	Name() string
	Publish(env *serializer.Envelope) error
}

// DLQ is an append-only, mutex-serialized failure log.
type DLQ struct {
	mu   sync.Mutex
	path string
}

// Open opens (creating if needed) the DLQ file at path. Path defaults
// to the DLQ_PATH environment variable's value when path is empty.
func Open(path string) (*DLQ, error) {
	if path == "" {
		path = os.Getenv("DLQ_PATH")
	}
	if path == "" {
		path = "smsg-dlq.jsonl"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindConnection, err, "dlq: open %s", path)
	}
	f.Close()
	return &DLQ{path: path}, nil
}

func checksum(r Record) (uint64, []byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return 0, nil, err
	}
	return xxhash.Sum64(body), body, nil
}

// Enqueue appends one failure record.
func (d *DLQ) Enqueue(hdr *header.Header, payload map[string]interface{}, payloadFormat, errMsg, transport string, attempts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := Record{
		Timestamp:     time.Now().UTC(),
		Header:        hdr,
		Payload:       payload,
		PayloadFormat: payloadFormat,
		Error:         errMsg,
		Transport:     transport,
		RetryCount:    attempts,
	}
	sum, _, err := checksum(rec)
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindValidation, err, "dlq: marshal record")
	}
	l := line{Record: rec, Checksum: sum}
	data, err := json.Marshal(l)
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindValidation, err, "dlq: marshal line")
	}

	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindConnection, err, "dlq: open for append")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return smsgerr.Wrap(smsgerr.KindConnection, err, "dlq: append record")
	}
	return nil
}

// readAll loads every valid line, skipping corrupted ones. Returns
// valid records in file order plus a count of corrupted lines seen.
func (d *DLQ) readAll() ([]Record, int, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, smsgerr.Wrap(smsgerr.KindConnection, err, "dlq: open for read")
	}
	defer f.Close()

	var records []Record
	corrupted := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			corrupted++
			continue
		}
		sum, _, err := checksum(l.Record)
		if err != nil || sum != l.Checksum {
			corrupted++
			continue
		}
		records = append(records, l.Record)
	}
	return records, corrupted, nil
}

// writeAll rewrites the file with exactly the given records (used by
// Dequeue, Clear, and replay to truncate consumed entries).
func (d *DLQ) writeAll(records []Record) error {
	tmp := d.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return smsgerr.Wrap(smsgerr.KindConnection, err, "dlq: open tmp for rewrite")
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		sum, body, err := checksum(r)
		if err != nil {
			f.Close()
			return err
		}
		l := line{Record: r, Checksum: sum}
		_ = body
		data, err := json.Marshal(l)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

// Dequeue reads and removes the oldest record. Returns (nil, false, nil)
// when empty.
func (d *DLQ) Dequeue() (*Record, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, _, err := d.readAll()
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	head := records[0]
	if err := d.writeAll(records[1:]); err != nil {
		return nil, false, err
	}
	return &head, true, nil
}

// Peek returns the oldest record without removing it.
func (d *DLQ) Peek() (*Record, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	records, _, err := d.readAll()
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return &records[0], true, nil
}

// Size returns the number of valid records currently queued.
func (d *DLQ) Size() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	records, _, err := d.readAll()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Clear empties the DLQ.
func (d *DLQ) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeAll(nil)
}

// FilterByClass returns records whose header.MessageClass matches name.
func (d *DLQ) FilterByClass(name string) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	records, _, err := d.readAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range records {
		if r.Header != nil && r.Header.MessageClass == name {
			out = append(out, r)
		}
	}
	return out, nil
}

// FilterByErrorPattern returns records whose error message matches the
// given regular expression.
func (d *DLQ) FilterByErrorPattern(pattern string) ([]Record, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "dlq: invalid error pattern")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	records, _, err := d.readAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range records {
		if re.MatchString(r.Error) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ExportRange returns records whose timestamp falls within [t0, t1].
func (d *DLQ) ExportRange(t0, t1 time.Time) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	records, _, err := d.readAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range records {
		if !r.Timestamp.Before(t0) && !r.Timestamp.After(t1) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Statistics reports counts by class and by error message.
func (d *DLQ) Statistics() (Statistics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	records, _, err := d.readAll()
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ByClass: map[string]int{}, ByError: map[string]int{}}
	for _, r := range records {
		stats.Total++
		if r.Header != nil {
			stats.ByClass[r.Header.MessageClass]++
		}
		stats.ByError[r.Error]++
	}
	stats.HumanTotal = humanize.Comma(int64(stats.Total))
	return stats, nil
}

// reconstruct rebuilds a wire envelope from a DLQ record, restoring
// every header field.
func reconstruct(r Record) *serializer.Envelope {
	return &serializer.Envelope{Header: r.Header, Properties: r.Payload}
}

// ReplayOne dequeues the oldest record and republishes it via
// override. override must be non-nil: checked before the record is
// dequeued so a missing override never consumes a record it can't
// deliver.
func (d *DLQ) ReplayOne(override Publisher) error {
	if override == nil {
		return smsgerr.New(smsgerr.KindTransportNotConfigured, "dlq: no override transport given for replay")
	}
	rec, ok, err := d.Dequeue()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return override.Publish(reconstruct(*rec))
}

// ReplayBatch replays up to n records via override, stopping early if
// the queue empties. override must be non-nil: checked up front so a
// missing override never consumes a record it can't deliver.
func (d *DLQ) ReplayBatch(n int, override Publisher) (int, error) {
	if override == nil {
		return 0, smsgerr.New(smsgerr.KindTransportNotConfigured, "dlq: no override transport given for replay")
	}
	replayed := 0
	for i := 0; i < n; i++ {
		rec, ok, err := d.Dequeue()
		if err != nil {
			return replayed, err
		}
		if !ok {
			break
		}
		if err := override.Publish(reconstruct(*rec)); err != nil {
			return replayed, fmt.Errorf("dlq: replay record %s: %w", rec.Header.UUID, err)
		}
		replayed++
	}
	return replayed, nil
}

// ReplayAll drains the entire queue via override, in FIFO order.
func (d *DLQ) ReplayAll(override Publisher) (int, error) {
	total, err := d.Size()
	if err != nil {
		return 0, err
	}
	return d.ReplayBatch(total, override)
}
