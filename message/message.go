// Package message implements the message base: a typed property
// container with class-level configuration, validation, and the
// multi-transport publish fan-out. A message instance is a
// property map plus a Header; the per-class schema replaces reflection
// with an explicit descriptor (see PropertyDescriptor).
package message

import (
	"fmt"
	"regexp"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/serializer"
	"github.com/smsgio/smsg/smsgerr"
	"github.com/smsgio/smsg/transport"
)

// PropertyDescriptor is one declared property of a Class: name, whether
// it is required, its default (or default-thunk), an optional
// validator, and a human description. Registered at class construction
// via Class.DeclareProperty.
type PropertyDescriptor struct {
	Name        string
	Required    bool
	Default     interface{}
	DefaultFunc func() interface{}
	Validator   func(value interface{}) error
	Description string
}

func (d PropertyDescriptor) resolveDefault() (interface{}, bool) {
	if d.DefaultFunc != nil {
		return d.DefaultFunc(), true
	}
	if d.Default != nil {
		return d.Default, true
	}
	return nil, false
}

// DDQConfig is a class's deduplication configuration; wired to
// a ddq.Registry by dispatcher setup, not by this package.
type DDQConfig struct {
	Enabled bool
	Size    int
	Storage string // "memory" | "distributed"
}

// Addressing is a class's default from/to/reply_to, overridable per
// instance via Message.Rebind before publish.
type Addressing struct {
	From    string
	To      *string
	ReplyTo *string
}

// Class is a user-declared message schema:
// description, version, declared properties, addressing defaults,
// transport(s), an optional serializer override, and DDQ config.
type Class struct {
	Name        string
	Description string
	Version     int

	properties    map[string]*PropertyDescriptor
	propertyOrder []string
	Addressing    Addressing
	Transports    []transport.Transport
	Serializer    serializer.Serializer // nil => use each transport's own
	DDQ           DDQConfig

	// ReportAllErrors switches Validate from stopping at the first
	// missing required property to aggregating every missing one.
	ReportAllErrors bool
}

// NewClass builds a class with the given name and version. Description
// defaults to "<Name> is a SmartMessage" when left empty.
func NewClass(name string, version int) *Class {
	return &Class{
		Name:        name,
		Description: fmt.Sprintf("%s is a SmartMessage", name),
		Version:     version,
		properties:  make(map[string]*PropertyDescriptor),
	}
}

// DeclareProperty registers a property descriptor at class
// construction time. Declaring the same name twice replaces the prior
// descriptor but preserves its position in PropertyOrder.
func (c *Class) DeclareProperty(d PropertyDescriptor) *Class {
	if _, exists := c.properties[d.Name]; !exists {
		c.propertyOrder = append(c.propertyOrder, d.Name)
	}
	dd := d
	c.properties[d.Name] = &dd
	return c
}

// PropertyOrder returns declared property names in declaration order.
func (c *Class) PropertyOrder() []string {
	out := make([]string, len(c.propertyOrder))
	copy(out, c.propertyOrder)
	return out
}

// Registry is the explicit class-name -> Class map used to reconstruct
// a concrete message from its message_class string (DLQ replay, wire
// deserialization) in place of reflection.
type Registry struct {
	classes map[string]*Class
}

// NewRegistry builds an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*Class)}
}

// DefaultRegistry is the process-wide registry application code
// registers its message classes in.
var DefaultRegistry = NewRegistry()

// Register adds (or replaces) a class under its own Name.
func (r *Registry) Register(c *Class) {
	r.classes[c.Name] = c
}

// Lookup returns the class registered under name, if any.
func (r *Registry) Lookup(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// Message is an instance of a Class: declared properties plus a
// Header. Instance-level transport/serializer overrides replace the
// class-level configuration for this instance only.
type Message struct {
	Class      *Class
	Header     *header.Header
	Properties map[string]interface{}

	transportsOverride []transport.Transport
	serializerOverride serializer.Serializer
	overrodeTransports bool
	overrodeSerializer bool
}

// New assigns defaults, runs per-property validators, and attaches a
// freshly built Header derived from the class's addressing defaults.
// Unknown properties in props are silently dropped.
func New(class *Class, props map[string]interface{}) (*Message, error) {
	if class == nil {
		return nil, smsgerr.New(smsgerr.KindValidation, "message: class is nil")
	}

	resolved := make(map[string]interface{}, len(class.properties))
	for name, desc := range class.properties {
		if v, ok := props[name]; ok {
			resolved[name] = v
			continue
		}
		if def, ok := desc.resolveDefault(); ok {
			resolved[name] = def
		}
	}

	for name, desc := range class.properties {
		if desc.Validator == nil {
			continue
		}
		v, present := resolved[name]
		if !present {
			continue
		}
		if err := desc.Validator(v); err != nil {
			return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "message %s: property %q invalid", class.Name, name)
		}
	}

	hdr := header.New(class.Name, class.Addressing.From, class.Addressing.To, class.Addressing.ReplyTo, class.Version)

	return &Message{Class: class, Header: hdr, Properties: resolved}, nil
}

// NewReply builds a reply message addressed back to original's sender,
// carrying original's UUID as CorrelationID for request/reply pairing
// (an additive header supplement mirroring the common
// NewReplyEnvelope pattern). The reply's own from/to follow class's
// addressing defaults except To, which is forced to original.From.
func NewReply(original *Message, class *Class, props map[string]interface{}) (*Message, error) {
	reply, err := New(class, props)
	if err != nil {
		return nil, err
	}
	to := original.Header.From
	corr := original.Header.UUID
	if err := reply.Header.RebindAddressing(nil, &to, nil); err != nil {
		return nil, err
	}
	reply.Header.CorrelationID = &corr
	return reply, nil
}

// Rebind overrides this instance's addressing before publish; see
// header.Header.RebindAddressing for the pre-publish-only contract.
func (m *Message) Rebind(from, to, replyTo *string) error {
	return m.Header.RebindAddressing(from, to, replyTo)
}

// OverrideTransports replaces the class-level transport list for this
// instance only.
func (m *Message) OverrideTransports(transports []transport.Transport) {
	m.transportsOverride = transports
	m.overrodeTransports = true
}

// OverrideSerializer replaces the class-level serializer override for
// this instance only.
func (m *Message) OverrideSerializer(s serializer.Serializer) {
	m.serializerOverride = s
	m.overrodeSerializer = true
}

// Transports returns the effective transport list: instance override
// if set, else the class-level list.
func (m *Message) Transports() []transport.Transport {
	if m.overrodeTransports {
		return m.transportsOverride
	}
	return m.Class.Transports
}

// SingleTransport reports whether exactly one transport is configured.
func (m *Message) SingleTransport() bool { return len(m.Transports()) == 1 }

// MultipleTransports reports whether more than one transport is configured.
func (m *Message) MultipleTransports() bool { return len(m.Transports()) > 1 }

// effectiveSerializer returns the instance override if set, else the
// class-level override, else nil (meaning: use each transport's own).
func (m *Message) effectiveSerializer() serializer.Serializer {
	if m.overrodeSerializer {
		return m.serializerOverride
	}
	return m.Class.Serializer
}

// Validate runs the required-field check, per-property validators,
// header validation, then the version-match check (class.version ==
// header.version), in that order. By default only the first
// missing required field is reported; set Class.ReportAllErrors to
// collect every missing field instead.
func (m *Message) Validate() error {
	var missing []error
	for _, name := range m.Class.propertyOrder {
		desc := m.Class.properties[name]
		if !desc.Required {
			continue
		}
		if _, ok := m.Properties[name]; !ok {
			missing = append(missing, smsgerr.New(smsgerr.KindValidation, "message %s: required property %q missing", m.Class.Name, name))
			if !m.Class.ReportAllErrors {
				break
			}
		}
	}
	if len(missing) == 1 {
		return missing[0]
	}
	if len(missing) > 1 {
		return smsgerr.Aggregate(smsgerr.KindValidation, fmt.Sprintf("message %s: required properties missing", m.Class.Name), missing)
	}

	var causes []error
	for name, desc := range m.Class.properties {
		if desc.Validator == nil {
			continue
		}
		v, present := m.Properties[name]
		if !present {
			continue
		}
		if err := desc.Validator(v); err != nil {
			causes = append(causes, smsgerr.Wrap(smsgerr.KindValidation, err, "message %s: property %q invalid", m.Class.Name, name))
			if !m.Class.ReportAllErrors {
				break
			}
		}
	}
	if len(causes) == 1 {
		return causes[0]
	}
	if len(causes) > 1 {
		return smsgerr.Aggregate(smsgerr.KindValidation, fmt.Sprintf("message %s: property validation failed", m.Class.Name), causes)
	}

	if err := m.Header.Validate(); err != nil {
		return err
	}

	if m.Header.Version != m.Class.Version {
		return smsgerr.New(smsgerr.KindValidation, "message %s: header version %d does not match class version %d", m.Class.Name, m.Header.Version, m.Class.Version)
	}
	return nil
}

// envelope builds the wire-level envelope for this instance.
func (m *Message) envelope() *serializer.Envelope {
	return &serializer.Envelope{Header: m.Header, Properties: m.Properties}
}

// Publish validates, then iterates the effective transports in
// declaration order, invoking each in its own error boundary.
// When a serializer override is set, the envelope is encoded once and
// delivered via each transport's EncodedPublisher method (bypassing
// the transport's own serializer); otherwise each transport encodes
// with its own serializer via Transport.Publish. Publish succeeds if
// any transport accepts; it returns a PublishError aggregating every
// cause only when every transport failed. Marks the header published
// on any success.
func (m *Message) Publish() error {
	if err := m.Validate(); err != nil {
		return err
	}

	transports := m.Transports()
	if len(transports) == 0 {
		return smsgerr.New(smsgerr.KindTransportNotConfigured, "message %s: no transport configured", m.Class.Name)
	}

	override := m.effectiveSerializer()
	var encoded []byte
	if override != nil {
		data, err := override.Encode(m.envelope())
		if err != nil {
			return smsgerr.Wrap(smsgerr.KindValidation, err, "message %s: serializer override encode", m.Class.Name)
		}
		encoded = data
	}

	var causes []error
	succeeded := false
	for _, tr := range transports {
		var err error
		if override != nil {
			ep, ok := tr.(transport.EncodedPublisher)
			if !ok {
				err = smsgerr.New(smsgerr.KindSerializerNotConfigured, "transport %s: does not support a serializer override", tr.Name())
			} else {
				err = ep.PublishEncoded(m.Header, encoded)
			}
		} else {
			err = tr.Publish(m.envelope())
		}
		if err != nil {
			causes = append(causes, fmt.Errorf("transport %s: %w", tr.Name(), err))
			continue
		}
		succeeded = true
	}

	if !succeeded {
		return smsgerr.Aggregate(smsgerr.KindPublish, fmt.Sprintf("message %s: all transports failed", m.Class.Name), causes)
	}
	m.Header.MarkPublished()
	return nil
}

// ToWire returns the flat serialized wire form: a single
// structured object with the reserved header slot plus all declared
// properties at the top level.
func (m *Message) ToWire() map[string]interface{} {
	out := make(map[string]interface{}, len(m.Properties)+1)
	for k, v := range m.Properties {
		out[k] = v
	}
	out[serializer.HeaderKey] = m.Header
	return out
}

// FromWire reconstructs a Message from an already-decoded envelope,
// looking the class up in reg by envelope.Header.MessageClass.
// Unknown top-level keys not declared on the class are silently
// dropped.
func FromWire(reg *Registry, env *serializer.Envelope) (*Message, error) {
	class, ok := reg.Lookup(env.Header.MessageClass)
	if !ok {
		return nil, smsgerr.New(smsgerr.KindValidation, "message: unknown class %q", env.Header.MessageClass)
	}
	props := make(map[string]interface{}, len(class.properties))
	for name := range class.properties {
		if v, ok := env.Properties[name]; ok {
			props[name] = v
		}
	}
	return &Message{Class: class, Header: env.Header, Properties: props}, nil
}

// RegexpValidator builds a Validator rejecting values whose string
// form does not match pattern; a convenience for class declarations
// that need a simple string-shaped property.
func RegexpValidator(pattern string) func(interface{}) error {
	re := regexp.MustCompile(pattern)
	return func(v interface{}) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("value %q does not match %s", s, pattern)
		}
		return nil
	}
}
