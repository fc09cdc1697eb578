// Package header implements the envelope header contract: identity,
// addressing, and versioning metadata attached to every smsg message,
// independent of its payload properties.
package header

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smsgio/smsg/smsgerr"
)

var pidOnce sync.Once
var pid string

// processPID returns a stable identifier for this process instance,
// generated once and reused for every header built in it.
func processPID() string {
	pidOnce.Do(func() {
		pid = strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
	})
	return pid
}

// Header is the envelope metadata block. Fields are exported so
// serializers can marshal them directly; callers should treat uuid,
// message_class, and version as immutable after New returns (see
// Validate and RebindAddressing for the mutation contract).
type Header struct {
	UUID          string     `json:"uuid"`
	MessageClass  string     `json:"message_class"`
	Version       int        `json:"version"`
	PublishedAt   *time.Time `json:"published_at"`
	PublisherPID  string     `json:"publisher_pid"`
	From          string     `json:"from"`
	To            *string    `json:"to"`
	ReplyTo       *string    `json:"reply_to"`
	CorrelationID *string    `json:"correlation_id,omitempty"`

	published bool
}

// New allocates a header: uuid is generated, published_at is nil,
// publisher_pid identifies the current process.
func New(messageClass, from string, to, replyTo *string, version int) *Header {
	return &Header{
		UUID:         uuid.NewString(),
		MessageClass: messageClass,
		Version:      version,
		PublisherPID: processPID(),
		From:         from,
		To:           to,
		ReplyTo:      replyTo,
	}
}

// Validate fails with a KindValidation error when from is
// missing/empty, version < 1, message_class is empty, or uuid is
// malformed.
func (h *Header) Validate() error {
	var causes []error
	if h.From == "" {
		causes = append(causes, smsgerr.New(smsgerr.KindValidation, "header: from is required"))
	}
	if h.Version < 1 {
		causes = append(causes, smsgerr.New(smsgerr.KindValidation, "header: version must be >= 1, got %d", h.Version))
	}
	if h.MessageClass == "" {
		causes = append(causes, smsgerr.New(smsgerr.KindValidation, "header: message_class is required"))
	}
	if _, err := uuid.Parse(h.UUID); err != nil {
		causes = append(causes, smsgerr.New(smsgerr.KindValidation, "header: uuid is malformed: %v", err))
	}
	if len(causes) == 0 {
		return nil
	}
	return smsgerr.Aggregate(smsgerr.KindValidation, "header invalid", causes)
}

// RebindAddressing mutates only the supplied fields, and only before
// the header has been published.
func (h *Header) RebindAddressing(from, to, replyTo *string) error {
	if h.published {
		return smsgerr.New(smsgerr.KindValidation, "header: cannot rebind addressing after publish")
	}
	if from != nil {
		h.From = *from
	}
	if to != nil {
		h.To = to
	}
	if replyTo != nil {
		h.ReplyTo = replyTo
	}
	return nil
}

// MarkPublished stamps published_at and freezes addressing, producing
// the immutable envelope header. Idempotent.
func (h *Header) MarkPublished() {
	if h.published {
		return
	}
	now := time.Now().UTC()
	h.PublishedAt = &now
	h.published = true
}

// Published reports whether MarkPublished has been called.
func (h *Header) Published() bool { return h.published }

// Clone returns a deep copy, used when an envelope needs to be
// reconstructed (e.g. DLQ replay) without aliasing the original.
func (h *Header) Clone() *Header {
	c := *h
	if h.PublishedAt != nil {
		t := *h.PublishedAt
		c.PublishedAt = &t
	}
	if h.To != nil {
		v := *h.To
		c.To = &v
	}
	if h.ReplyTo != nil {
		v := *h.ReplyTo
		c.ReplyTo = &v
	}
	if h.CorrelationID != nil {
		v := *h.CorrelationID
		c.CorrelationID = &v
	}
	return &c
}

// ToValue returns to as a display string: the literal "broadcast" when
// nil, mirroring the queue transport's routing-key convention.
func (h *Header) ToValue() string {
	if h.To == nil {
		return "broadcast"
	}
	return *h.To
}

// FromValue returns from, or "anonymous" when empty.
func (h *Header) FromValue() string {
	if h.From == "" {
		return "anonymous"
	}
	return h.From
}
