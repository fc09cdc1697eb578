package message

import (
	"strings"
	"testing"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
	"github.com/smsgio/smsg/transport"
)

// fakeTransport is a minimal in-test Transport used to exercise the
// multi-transport fan-out and serializer-override paths without
// depending on the transport package's internals.
type fakeTransport struct {
	name    string
	failErr error
	ser     serializer.Serializer

	published []*serializer.Envelope
	encoded   [][]byte
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, ser: &serializer.JSONSerializer{}}
}

func (t *fakeTransport) Name() string                         { return t.name }
func (t *fakeTransport) Connect() error                        { return nil }
func (t *fakeTransport) Disconnect() error                     { return nil }
func (t *fakeTransport) Connected() bool                       { return true }
func (t *fakeTransport) Subscribe(string) error                { return nil }
func (t *fakeTransport) Unsubscribe(string) error              { return nil }
func (t *fakeTransport) SetReceiver(transport.Receiver)        {}
func (t *fakeTransport) Serializer() serializer.Serializer     { return t.ser }

func (t *fakeTransport) Publish(env *serializer.Envelope) error {
	if t.failErr != nil {
		return t.failErr
	}
	t.published = append(t.published, env)
	return nil
}

func newOrderClass() *Class {
	c := NewClass("Order", 2)
	c.Addressing = Addressing{From: "orders"}
	c.DeclareProperty(PropertyDescriptor{Name: "id", Required: true})
	return c
}

func TestPointToPointAddressingRoutesToTarget(t *testing.T) {
	tr := newFakeTransport("inmemory")
	tr.Connect()

	class := newOrderClass()
	to := "fulfil"
	class.Addressing.To = &to
	class.Transports = []transport.Transport{tr}

	msg, err := New(class, map[string]interface{}{"id": "O-1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := msg.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(tr.published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(tr.published))
	}
	env := tr.published[0]
	if env.Properties["id"] != "O-1" {
		t.Fatalf("expected id=O-1, got %v", env.Properties["id"])
	}
	if env.Header.Version != 2 {
		t.Fatalf("expected version 2, got %d", env.Header.Version)
	}
	if env.Header.From != "orders" {
		t.Fatalf("expected from=orders, got %s", env.Header.From)
	}
	if !msg.Header.Published() {
		t.Fatalf("expected header marked published")
	}
}

func TestBroadcastAddressingLeavesToNil(t *testing.T) {
	tr := newFakeTransport("inmemory")
	tr.Connect()

	class := NewClass("Announcement", 1)
	class.Addressing = Addressing{From: "admin"}
	class.Transports = []transport.Transport{tr}
	class.DeclareProperty(PropertyDescriptor{Name: "text", Required: true})

	msg, err := New(class, map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if msg.Header.To != nil {
		t.Fatalf("expected broadcast (nil to), got %v", *msg.Header.To)
	}
	if err := msg.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if tr.published[0].Header.ToValue() != "broadcast" {
		t.Fatalf("expected broadcast literal, got %s", tr.published[0].Header.ToValue())
	}
}

func TestMultiTransportResilience(t *testing.T) {
	a := newFakeTransport("a")
	b := newFakeTransport("b")
	b.failErr = smsgerr.New(smsgerr.KindConnection, "b unavailable")
	c := newFakeTransport("c")

	class := newOrderClass()
	class.Transports = []transport.Transport{a, b, c}

	msg, err := New(class, map[string]interface{}{"id": "O-2"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := msg.Publish(); err != nil {
		t.Fatalf("expected publish to succeed when any transport accepts, got %v", err)
	}
	if len(a.published) != 1 || len(c.published) != 1 {
		t.Fatalf("expected exactly one delivery to a and c, got a=%d c=%d", len(a.published), len(c.published))
	}
	if len(b.published) != 0 {
		t.Fatalf("expected no delivery recorded on failing transport b")
	}
}

func TestAllTransportsFailAggregates(t *testing.T) {
	a := newFakeTransport("a")
	a.failErr = smsgerr.New(smsgerr.KindConnection, "a down")
	b := newFakeTransport("b")
	b.failErr = smsgerr.New(smsgerr.KindConnection, "b down")

	class := newOrderClass()
	class.Transports = []transport.Transport{a, b}

	msg, err := New(class, map[string]interface{}{"id": "O-3"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = msg.Publish()
	if err == nil {
		t.Fatalf("expected PublishError when all transports fail")
	}
	if !smsgerr.Is(err, smsgerr.ErrPublish) {
		t.Fatalf("expected KindPublish, got %v", err)
	}
	if !strings.Contains(err.Error(), "2 causes") {
		t.Fatalf("expected aggregate error to mention cause count, got %q", err.Error())
	}
}

func TestVersionMismatchFailsValidation(t *testing.T) {
	class := newOrderClass() // declared version 2
	msg, err := New(class, map[string]interface{}{"id": "O-4"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msg.Header.Version = 1 // simulate an envelope routed with a stale version

	err = msg.Validate()
	if err == nil {
		t.Fatalf("expected version-mismatch validation error")
	}
	if !smsgerr.Is(err, smsgerr.ErrValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestValidateFirstMissingFieldByDefault(t *testing.T) {
	class := NewClass("Multi", 1)
	class.DeclareProperty(PropertyDescriptor{Name: "a", Required: true})
	class.DeclareProperty(PropertyDescriptor{Name: "b", Required: true})
	class.Addressing = Addressing{From: "svc"}

	msg, err := New(class, map[string]interface{}{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = msg.Validate()
	if err == nil {
		t.Fatalf("expected missing-field error")
	}
	agg, ok := err.(*smsgerr.Error)
	if !ok || len(agg.Causes) != 0 {
		t.Fatalf("expected a single non-aggregated error by default, got %#v", err)
	}
}

func TestValidateReportAllErrors(t *testing.T) {
	class := NewClass("Multi", 1)
	class.ReportAllErrors = true
	class.DeclareProperty(PropertyDescriptor{Name: "a", Required: true})
	class.DeclareProperty(PropertyDescriptor{Name: "b", Required: true})
	class.Addressing = Addressing{From: "svc"}

	msg, err := New(class, map[string]interface{}{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = msg.Validate()
	agg, ok := err.(*smsgerr.Error)
	if !ok || len(agg.Causes) != 2 {
		t.Fatalf("expected both missing fields reported, got %#v", err)
	}
}

func TestSerializerOverrideUsesEncodedPublisher(t *testing.T) {
	ep := &encodedOnlyTransport{name: "queue"}
	class := newOrderClass()
	class.Transports = []transport.Transport{ep}
	class.Serializer = &serializer.MsgPackSerializer{}

	msg, err := New(class, map[string]interface{}{"id": "O-5"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := msg.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ep.encoded) != 1 {
		t.Fatalf("expected exactly 1 encoded payload delivered, got %d", len(ep.encoded))
	}
}

func TestNewReplyCorrelatesToOriginal(t *testing.T) {
	reqClass := NewClass("Request", 1)
	reqClass.Addressing = Addressing{From: "client"}
	reqClass.DeclareProperty(PropertyDescriptor{Name: "q", Required: true})

	req, err := New(reqClass, map[string]interface{}{"q": "ping"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	replyClass := NewClass("Reply", 1)
	replyClass.Addressing = Addressing{From: "server"}
	replyClass.DeclareProperty(PropertyDescriptor{Name: "a", Required: true})

	reply, err := NewReply(req, replyClass, map[string]interface{}{"a": "pong"})
	if err != nil {
		t.Fatalf("new reply: %v", err)
	}
	if reply.Header.To == nil || *reply.Header.To != "client" {
		t.Fatalf("expected reply addressed back to client, got %v", reply.Header.To)
	}
	if reply.Header.CorrelationID == nil || *reply.Header.CorrelationID != req.Header.UUID {
		t.Fatalf("expected correlation id to match request uuid")
	}
}

func TestToWireFromWireRoundTrip(t *testing.T) {
	class := newOrderClass()
	to := "fulfil"
	class.Addressing.To = &to
	DefaultRegistry.Register(class)

	msg, err := New(class, map[string]interface{}{"id": "O-6"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	wire := msg.ToWire()
	if wire[serializer.HeaderKey] == nil {
		t.Fatalf("expected header key present in wire form")
	}
	if wire["id"] != "O-6" {
		t.Fatalf("expected property id in wire form, got %v", wire["id"])
	}

	env := &serializer.Envelope{Header: msg.Header, Properties: map[string]interface{}{"id": "O-6"}}
	reconstructed, err := FromWire(DefaultRegistry, env)
	if err != nil {
		t.Fatalf("from wire: %v", err)
	}
	if reconstructed.Properties["id"] != "O-6" {
		t.Fatalf("expected round-tripped id, got %v", reconstructed.Properties["id"])
	}
}

// encodedOnlyTransport only accepts pre-encoded payloads, modeling a
// transport reached exclusively through a class-level serializer
// override.
type encodedOnlyTransport struct {
	name    string
	encoded [][]byte
}

func (t *encodedOnlyTransport) Name() string                     { return t.name }
func (t *encodedOnlyTransport) Connect() error                   { return nil }
func (t *encodedOnlyTransport) Disconnect() error                { return nil }
func (t *encodedOnlyTransport) Connected() bool                  { return true }
func (t *encodedOnlyTransport) Subscribe(string) error           { return nil }
func (t *encodedOnlyTransport) Unsubscribe(string) error         { return nil }
func (t *encodedOnlyTransport) SetReceiver(transport.Receiver)   {}
func (t *encodedOnlyTransport) Serializer() serializer.Serializer { return &serializer.JSONSerializer{} }

func (t *encodedOnlyTransport) Publish(env *serializer.Envelope) error {
	return smsgerr.New(smsgerr.KindSerializerNotConfigured, "use PublishEncoded")
}

func (t *encodedOnlyTransport) PublishEncoded(hdr *header.Header, data []byte) error {
	t.encoded = append(t.encoded, data)
	return nil
}
