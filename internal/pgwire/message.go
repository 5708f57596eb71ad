// Package pgwire implements the subset of the PostgreSQL v3 wire protocol
// the proxy needs: incremental message framing, startup-message handling and
// the handful of authentication messages it intercepts or synthesises.
package pgwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// PostgreSQL protocol version 3.0
	ProtoVersionMajor = 3
	ProtoVersionMinor = 0
	ProtoVersion      = ProtoVersionMajor<<16 | ProtoVersionMinor

	// SSL request magic number (payload of the SSLRequest startup packet)
	SSLRequestCode = 80877103

	// Message types
	MsgAuthentication byte = 'R'
	MsgErrorResponse  byte = 'E'
	MsgPassword       byte = 'p'
	MsgNoticeResponse byte = 'N'

	// Authentication request codes carried in the first four payload bytes
	// of an 'R' message.
	AuthOK                byte = 0
	AuthCleartextPassword byte = 3
	AuthMD5Password       byte = 5

	// The declared length field includes its own four bytes.
	lengthSize = 4
)

// SSLRequestPayload is the 4-byte body of the SSLRequest startup packet.
var SSLRequestPayload = []byte{0x04, 0xd2, 0x16, 0x2f}

// SSLRequestFrame is the full 8-byte SSLRequest as it appears on the wire.
var SSLRequestFrame = []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}

// Message is one framed protocol message. The three fields hold the raw
// on-wire bytes of each component, so that Type ∥ Length ∥ Payload always
// reproduces the original input exactly. Type is empty for startup packets
// and Length is empty for the server's single-byte SSL refusal.
type Message struct {
	Type    []byte
	Length  []byte
	Payload []byte
}

// Encode returns the original wire bytes of the message.
func (m Message) Encode() []byte {
	out := make([]byte, 0, len(m.Type)+len(m.Length)+len(m.Payload))
	out = append(out, m.Type...)
	out = append(out, m.Length...)
	out = append(out, m.Payload...)
	return out
}

// IsStartup reports whether the message was framed without a type byte.
func (m Message) IsStartup() bool {
	return len(m.Type) == 0
}

// IsSSLRequest reports whether a startup-shaped message is the SSL
// negotiation request rather than a real StartupMessage.
func (m Message) IsSSLRequest() bool {
	return m.IsStartup() && bytes.Equal(m.Payload, SSLRequestPayload)
}

// TypeByte returns the type byte, or 0 for startup-shaped messages.
func (m Message) TypeByte() byte {
	if len(m.Type) == 0 {
		return 0
	}
	return m.Type[0]
}

// EncodeAll concatenates the wire bytes of a slice of messages.
func EncodeAll(msgs []Message) []byte {
	n := 0
	for _, m := range msgs {
		n += len(m.Type) + len(m.Length) + len(m.Payload)
	}
	out := make([]byte, 0, n)
	for _, m := range msgs {
		out = append(out, m.Type...)
		out = append(out, m.Length...)
		out = append(out, m.Payload...)
	}
	return out
}

// LengthBytes encodes a payload length as the 4-byte declared length field,
// which per the protocol includes its own size.
func LengthBytes(payloadLen int) []byte {
	b := make([]byte, lengthSize)
	binary.BigEndian.PutUint32(b, uint32(payloadLen+lengthSize))
	return b
}

// NewMessage builds a typed message with a computed length field.
func NewMessage(typ byte, payload []byte) Message {
	return Message{
		Type:    []byte{typ},
		Length:  LengthBytes(len(payload)),
		Payload: payload,
	}
}

// NewStartupMessage builds a protocol 3.0 StartupMessage from ordered
// key/value parameter pairs.
func NewStartupMessage(params []Param) Message {
	var payload []byte
	payload = binary.BigEndian.AppendUint32(payload, ProtoVersion)
	for _, p := range params {
		payload = append(payload, p.Key...)
		payload = append(payload, 0)
		payload = append(payload, p.Value...)
		payload = append(payload, 0)
	}
	payload = append(payload, 0)
	return Message{
		Length:  LengthBytes(len(payload)),
		Payload: payload,
	}
}

// NewAuthRequest builds an 'R' message carrying the given authentication
// code and any extra bytes (e.g. the MD5 salt).
func NewAuthRequest(code byte, extra []byte) Message {
	payload := make([]byte, 4, 4+len(extra))
	payload[3] = code
	payload = append(payload, extra...)
	return NewMessage(MsgAuthentication, payload)
}

// Param is one startup-message parameter.
type Param struct {
	Key   string
	Value string
}

// ParseStartupParams parses the NUL-delimited key/value pairs of a
// StartupMessage payload, preserving order. The payload must begin with the
// 4-byte protocol version.
func ParseStartupParams(payload []byte) ([]Param, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("startup payload too short: %d bytes", len(payload))
	}
	data := payload[4:]
	var params []Param
	for len(data) > 1 {
		keyEnd := bytes.IndexByte(data, 0)
		if keyEnd <= 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := bytes.IndexByte(data, 0)
		if valEnd < 0 {
			return nil, fmt.Errorf("startup parameter %q has unterminated value", key)
		}
		params = append(params, Param{Key: key, Value: string(data[:valEnd])})
		data = data[valEnd+1:]
	}
	return params, nil
}

// StartupVersion returns the protocol version declared in a StartupMessage
// payload.
func StartupVersion(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("startup payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

// ErrorResponse builds an 'E' message with S/C/M field records and the
// terminating NUL, as sent before closing a misbehaving connection.
func ErrorResponse(severity, code, message string) Message {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 0) // terminator
	return NewMessage(MsgErrorResponse, buf)
}

// MinimalErrorResponse builds an 'E' message whose body is a single NUL,
// used for protocol violations where no diagnostics are owed to the peer.
func MinimalErrorResponse() Message {
	return NewMessage(MsgErrorResponse, []byte{0})
}
