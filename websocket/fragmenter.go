package websocket

// messageFragmenter splits one logical message payload into a sequence of
// frames no larger than a configured size. New component: the teacher
// always wrote a single frame per message regardless of size. Grounded on
// spec.md Section 4.6 (Message Fragmenter) and
// original_source/src/connection/connection.rs's send(), which fragments
// any message whose size exceeds the configured fragment size.
type messageFragmenter struct {
	opcode       byte
	payload      []byte
	fragmentSize int
	offset       int
	emittedFirst bool
}

// newMessageFragmenter prepares to split payload (tagged with opcode) into
// chunks of at most fragmentSize bytes. A fragmentSize <= 0 means "never
// fragment": the whole payload goes out as a single frame.
func newMessageFragmenter(opcode byte, payload []byte, fragmentSize int) *messageFragmenter {
	return &messageFragmenter{opcode: opcode, payload: payload, fragmentSize: fragmentSize}
}

// next returns the next frame in the sequence and done, which is true when
// that frame is the last one. It is safe to call repeatedly until done is
// true; calling it again after done is a programmer error and returns a
// nil frame.
//
// RFC 6455 Section 5.4: the first frame carries the real opcode, every
// subsequent frame carries opcodeContinuation, and only the final frame
// sets FIN.
func (m *messageFragmenter) next() (f *frame, done bool) {
	if m.offset >= len(m.payload) && m.emittedFirst {
		return nil, true
	}

	chunkLen := len(m.payload) - m.offset
	unlimited := m.fragmentSize <= 0
	if !unlimited && chunkLen > m.fragmentSize {
		chunkLen = m.fragmentSize
	}

	chunk := m.payload[m.offset : m.offset+chunkLen]
	m.offset += chunkLen

	opcode := m.opcode
	if m.emittedFirst {
		opcode = opcodeContinuation
	}
	m.emittedFirst = true

	isLast := m.offset >= len(m.payload)
	f = &frame{
		fin:     isLast,
		opcode:  opcode,
		payload: chunk,
	}
	return f, isLast
}
