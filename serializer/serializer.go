// Package serializer implements the serializer contract: pure
// encode/decode between a message envelope and a byte string. Serializers
// are owned by transports, not by messages, per the message class's
// optional per-class override.
package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/smsgerr"
)

// HeaderKey is the reserved wire-format key carrying the header map,
// alongside the message's declared properties at the top level.
const HeaderKey = "_sm_header"

// Envelope is the wire-level pairing of a header and its declared
// properties, independent of any concrete message type.
type Envelope struct {
	Header     *header.Header
	Properties map[string]interface{}
}

// Serializer is the contract every transport owns one of.
type Serializer interface {
	Name() string
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// wireHeader is an alias of header.Header: the type carried in the
// reserved _sm_header slot.
type wireHeader = header.Header

func toWire(env *Envelope) map[string]interface{} {
	m := make(map[string]interface{}, len(env.Properties)+1)
	for k, v := range env.Properties {
		m[k] = v
	}
	m[HeaderKey] = env.Header
	return m
}

func fromWire(m map[string]interface{}, hdr *wireHeader) *Envelope {
	props := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == HeaderKey {
			continue
		}
		props[k] = v
	}
	return &Envelope{Header: hdr, Properties: props}
}

// JSONSerializer encodes the structured-text wire format: a single
// JSON object with the reserved header key plus top-level properties.
type JSONSerializer struct {
	Indent string // non-empty enables pretty multi-line output
}

func (s *JSONSerializer) Name() string { return "json" }

func (s *JSONSerializer) Encode(env *Envelope) ([]byte, error) {
	m := toWire(env)
	if s.Indent != "" {
		return json.MarshalIndent(m, "", s.Indent)
	}
	return json.Marshal(m)
}

func (s *JSONSerializer) Decode(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "json serializer: decode")
	}
	hdrRaw, ok := raw[HeaderKey]
	if !ok {
		return nil, smsgerr.New(smsgerr.KindValidation, "json serializer: missing %s", HeaderKey)
	}
	var hdr header.Header
	if err := json.Unmarshal(hdrRaw, &hdr); err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "json serializer: decode header")
	}
	delete(raw, HeaderKey)

	props := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "json serializer: decode property %s", k)
		}
		props[k] = val
	}
	return &Envelope{Header: &hdr, Properties: props}, nil
}

// MsgPackSerializer is the compact binary wire format.
type MsgPackSerializer struct{}

func (s *MsgPackSerializer) Name() string { return "msgpack" }

func (s *MsgPackSerializer) Encode(env *Envelope) ([]byte, error) {
	m := toWire(env)
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(m); err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "msgpack serializer: encode")
	}
	return buf.Bytes(), nil
}

func (s *MsgPackSerializer) Decode(data []byte) (*Envelope, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "msgpack serializer: decode")
	}
	hdrRaw, ok := raw[HeaderKey]
	if !ok {
		return nil, smsgerr.New(smsgerr.KindValidation, "msgpack serializer: missing %s", HeaderKey)
	}
	// round-trip the header sub-map through msgpack again to get typed
	// fields, with the same json custom tag Encode used so the
	// snake_case wire keys (message_class, reply_to, ...) bind back to
	// Header's json-tagged fields instead of being dropped.
	var hdrBuf bytes.Buffer
	henc := msgpack.NewEncoder(&hdrBuf)
	henc.SetCustomStructTag("json")
	if err := henc.Encode(hdrRaw); err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "msgpack serializer: re-encode header")
	}
	var hdr header.Header
	hdec := msgpack.NewDecoder(&hdrBuf)
	hdec.SetCustomStructTag("json")
	if err := hdec.Decode(&hdr); err != nil {
		return nil, smsgerr.Wrap(smsgerr.KindValidation, err, "msgpack serializer: decode header")
	}
	return fromWire(raw, &hdr), nil
}

// PrettySerializer is a human pretty-print, publish-only format used
// for stdout debugging. Decode is unsupported.
type PrettySerializer struct{}

func (s *PrettySerializer) Name() string { return "pretty" }

func (s *PrettySerializer) Encode(env *Envelope) ([]byte, error) {
	body, err := (&JSONSerializer{Indent: "  "}).Encode(env)
	if err != nil {
		return nil, err
	}
	banner := fmt.Sprintf("----- class=%s, uuid=%s -----\n", env.Header.MessageClass, env.Header.UUID)
	return append([]byte(banner), body...), nil
}

func (s *PrettySerializer) Decode(data []byte) (*Envelope, error) {
	return nil, smsgerr.New(smsgerr.KindSerializerNotConfigured, "pretty serializer is publish-only")
}
