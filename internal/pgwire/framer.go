package pgwire

import "encoding/binary"

// Framer incrementally splits one direction of a PostgreSQL byte stream
// into messages. Bytes are appended with Push; whole messages are popped as
// they complete and partial trailing bytes are retained for a later Push.
//
// The first startupMessages messages in the stream are startup packets and
// carry no type byte. For the client→server direction that is two (the
// SSLRequest followed by the StartupMessage); for server→client it is zero.
type Framer struct {
	buf             []byte
	popped          int
	startupMessages int
}

// NewFramer returns a framer expecting the given number of leading
// startup-shaped messages.
func NewFramer(startupMessages int) *Framer {
	return &Framer{startupMessages: startupMessages}
}

// Push appends data to the internal buffer and returns every message that
// is now complete, in order. The framer does not inspect payloads and does
// not enforce any size cap; callers that need one enforce it on the
// returned messages.
func (f *Framer) Push(data []byte) []Message {
	f.buf = append(f.buf, data...)

	var msgs []Message
	for {
		m, ok := f.pop()
		if !ok {
			break
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// pop attempts to remove one complete message from the front of the buffer.
func (f *Framer) pop() (Message, bool) {
	typeLen := 1
	if f.popped < f.startupMessages {
		typeLen = 0
	}
	if len(f.buf) < typeLen {
		return Message{}, false
	}

	// The server answers an SSL request it refuses with the bare byte 'N',
	// with no length and no payload. That only holds for the first message
	// after the startup phase; a NoticeResponse during relay is framed
	// normally.
	lengthLen := lengthSize
	if typeLen == 1 && f.buf[0] == MsgNoticeResponse && f.popped == f.startupMessages {
		lengthLen = 0
	}
	if len(f.buf) < typeLen+lengthLen {
		return Message{}, false
	}

	payloadLen := 0
	if lengthLen == lengthSize {
		declared := binary.BigEndian.Uint32(f.buf[typeLen : typeLen+lengthLen])
		payloadLen = int(declared) - lengthSize
	}
	total := typeLen + lengthLen + payloadLen
	if payloadLen < 0 || len(f.buf) < total {
		return Message{}, false
	}

	m := Message{
		Type:    cloneBytes(f.buf[:typeLen]),
		Length:  cloneBytes(f.buf[typeLen : typeLen+lengthLen]),
		Payload: cloneBytes(f.buf[typeLen+lengthLen : total]),
	}
	f.buf = f.buf[:copy(f.buf, f.buf[total:])]
	f.popped++
	return m, true
}

// Popped returns how many messages have been emitted so far.
func (f *Framer) Popped() int {
	return f.popped
}

// Buffered returns how many unconsumed bytes the framer is holding.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
