package websocket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Conn is a single, established WebSocket connection: a state machine
// layered over net.Conn that speaks RFC 6455 frames and exposes the
// application-level Message vocabulary.
//
// Grounded on original_source/src/connection/connection.rs's Connection<T>
// and substantially rewritten from the teacher's Conn: the teacher's
// bufio.Reader/bufio.Writer-over-net.Conn plumbing and single writeMu-guarded
// write path are kept (spec.md Section 5 calls for exactly this: one writer
// lock, no reader lock, since a connection's Recv is only ever called from
// one goroutine), but fragment reassembly, extension handling, connection
// state, and role-aware masking are new. Conn sets no deadlines of its own.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	role Role
	cfg  Config
	exts *extensionRegistry

	writeMu   sync.Mutex
	closeOnce sync.Once

	stateMu sync.RWMutex
	state   ConnectionState

	assembler   *messageAssembler
	readAcc     []byte
	pendingPong []byte

	maskGen *maskGenerator
}

// newConn builds a Conn around an already-upgraded transport. Unexported:
// reached only through the handshake entry points (AcceptRaw, UpgradeHTTP,
// DialRaw), which are what establish role and negotiated extensions.
func newConn(conn net.Conn, reader *bufio.Reader, writer *bufio.Writer, role Role, cfg Config, exts *extensionRegistry) *Conn {
	if exts == nil {
		exts = newExtensionRegistry()
	}
	return &Conn{
		conn:      conn,
		reader:    reader,
		writer:    writer,
		role:      role,
		cfg:       cfg,
		exts:      exts,
		state:     StateOpen,
		assembler: newMessageAssembler(cfg.Limits),
		maskGen:   newMaskGenerator(),
	}
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(s ConnectionState) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		log.Debug().Str("role", c.role.String()).Str("from", prev.String()).Str("to", s.String()).Msg("websocket: connection state changed")
	}
}

// IsOpen reports whether the connection can still send application
// messages.
func (c *Conn) IsOpen() bool { return c.State() == StateOpen }

// Extensions exposes the negotiated extension registry, mainly so callers
// can inspect which extensions (if any) are active.
func (c *Conn) Extensions() *extensionRegistry { return c.exts }

// readNextFrame pulls bytes from c.reader into c.readAcc until parseFrame
// can decode a complete frame, then trims the consumed prefix off readAcc.
// This is where the buffer-oriented frame codec (frame.go) meets a real
// blocking net.Conn: the codec itself never blocks, but Conn's read loop
// does, one bufio.Reader.Read at a time, which keeps behavior identical to
// the teacher's io.ReadFull-based readFrame from the caller's perspective
// while letting the codec be tested and reused without a live connection.
func (c *Conn) readNextFrame() (*frame, error) {
	for {
		f, n, err := parseFrame(c.readAcc, c.cfg.Limits)
		if err == nil {
			c.readAcc = c.readAcc[n:]
			return f, nil
		}

		var incomplete *IncompleteFrameError
		if !errors.As(err, &incomplete) {
			return nil, err
		}

		need := incomplete.Needed
		if need < 1 {
			need = 1
		}
		chunk := make([]byte, need)
		if _, rerr := readFull(c.reader, chunk); rerr != nil {
			return nil, rerr
		}
		c.readAcc = append(c.readAcc, chunk...)
	}
}

// readFull reads from r until buf is full, like io.ReadFull, except that it
// returns the reader's own error unchanged: io.EOF even after a partial
// read, never io.ErrUnexpectedEOF.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Recv reads the next application-level Message, transparently handling
// fragmentation, extension decoding, and control frames along the way.
// Ping messages are surfaced to the caller (the obligatory Pong reply is
// queued and flushed automatically at the start of the next Recv call, or
// immediately via Pong); Close messages mirror the close handshake and
// move the connection to StateClosed before returning.
//
// Grounded on original_source/src/connection/connection.rs's recv().
func (c *Conn) Recv() (Message, error) {
	if !c.State().CanReceive() {
		return Message{}, ErrClosed
	}

	for {
		if c.pendingPong != nil {
			payload := c.pendingPong
			c.pendingPong = nil
			if err := c.sendControlFrame(opcodePong, payload, true); err != nil {
				return Message{}, err
			}
		}

		f, err := c.readNextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.setState(StateClosed)
				_ = c.closeTransport()
			}
			return Message{}, err
		}

		if err := validateIncomingFrame(f, c.role, c.cfg.AcceptUnmaskedFrames, c.exts); err != nil {
			_ = c.Close(CloseCodeFor(err), "")
			return Message{}, err
		}

		switch f.opcode {
		case opcodePing:
			c.pendingPong = append([]byte(nil), f.payload...)
			return NewPingMessage(f.payload), nil

		case opcodePong:
			return NewPongMessage(f.payload), nil

		case opcodeClose:
			cf, err := c.handleCloseFrame(f.payload)
			if err != nil {
				return Message{}, err
			}
			return NewCloseMessage(cf), nil

		case opcodeText, opcodeBinary, opcodeContinuation:
			opcode, payload, compressed, complete, err := c.assembler.push(f)
			if err != nil {
				_ = c.Close(CloseCodeFor(err), "")
				return Message{}, err
			}
			if !complete {
				continue
			}

			msg, err := c.assembledToMessage(opcode, payload, compressed)
			if err != nil {
				_ = c.Close(CloseCodeFor(err), "")
				return Message{}, err
			}
			return msg, nil

		default:
			_ = c.Close(CloseProtocolError, "")
			return Message{}, ErrInvalidOpcode
		}
	}
}

// assembledToMessage finishes turning an assembler result into a Message:
// running extension decode if the first frame of the message claimed RSV1,
// then (for text) validating the final, possibly-decompressed bytes as
// UTF-8. The assembler already incrementally validated UTF-8 for
// uncompressed text messages; compressed text can only be validated once
// fully inflated, so that check happens here instead.
func (c *Conn) assembledToMessage(opcode byte, payload []byte, compressed bool) (Message, error) {
	if compressed {
		synthetic := &frame{opcode: opcode, payload: payload, rsv1: true, fin: true}
		if err := c.exts.decode(synthetic); err != nil {
			return Message{}, err
		}
		payload = synthetic.payload
		if opcode == opcodeText {
			if err := validateUTF8(payload); err != nil {
				return Message{}, err
			}
		}
	}

	if opcode == opcodeText {
		return NewTextMessage(string(payload)), nil
	}
	return NewBinaryMessage(payload), nil
}

// handleCloseFrame parses an incoming close frame's payload, mirrors a
// close response if the connection was still open, and transitions to
// StateClosed. This is where the close handshake actually finishes and the
// transport gets torn down: whether the peer's close is the first one seen
// (wasOpen, so we mirror it per RFC 6455 Section 7.1.1) or the response to
// a close we already sent (wasOpen is false because Close already moved us
// to StateClosing), either way both sides have now exchanged close frames
// and it is safe to close the underlying transport — matching
// original_source/src/connection/connection.rs's recv(), which
// unconditionally sets ConnectionState::Closed once an incoming Close frame
// has been handled, regardless of the state beforehand.
//
// RFC 6455 Section 5.5.1: a close frame payload, if non-empty, is a 2-byte
// big-endian status code optionally followed by a UTF-8 reason. A 1-byte
// payload is itself a protocol error (there's no way to have a status code
// shorter than 2 bytes). A reason that is not valid UTF-8, or a reserved
// status code, is reported as code 1007 with an empty reason.
func (c *Conn) handleCloseFrame(payload []byte) (*CloseFrame, error) {
	wasOpen := c.State() == StateOpen

	var cf *CloseFrame
	switch {
	case len(payload) == 0:
		cf = nil
	case len(payload) == 1:
		return nil, ErrProtocolError
	default:
		code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reason := payload[2:]
		if validateUTF8(reason) != nil || code.IsReserved() {
			cf = &CloseFrame{Code: CloseInvalidFramePayloadData, Reason: ""}
		} else {
			cf = &CloseFrame{Code: code, Reason: string(reason)}
		}
	}

	if wasOpen {
		code := CloseNormalClosure
		if cf != nil {
			code = cf.Code
		}
		c.setState(StateClosing)
		_ = c.sendControlFrame(opcodeClose, closeFramePayload(code, ""), true)
	}

	c.setState(StateClosed)
	c.closeTransport()

	return cf, nil
}

// Send transmits a Message, fragmenting data messages larger than
// cfg.FragmentSize and flushing once the whole message is on the wire.
//
// Grounded on original_source/src/connection/connection.rs's send().
func (c *Conn) Send(m Message) error {
	return c.send(m, true)
}

// SendNoFlush is Send without the trailing flush, letting a caller batch
// several messages before a single Flush call.
func (c *Conn) SendNoFlush(m Message) error {
	return c.send(m, false)
}

// SendBatch sends every message in ms without flushing until the last one,
// equivalent to calling SendNoFlush for each but for the final Send.
func (c *Conn) SendBatch(ms []Message) error {
	for i, m := range ms {
		if err := c.send(m, i == len(ms)-1); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces any buffered, unflushed writes out to the transport.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.Flush()
}

func (c *Conn) send(m Message, flush bool) error {
	switch m.Type() {
	case PingMessage:
		data, _ := m.Binary()
		return c.sendControlFrame(opcodePing, data, flush)
	case PongMessage:
		data, _ := m.Binary()
		return c.sendControlFrame(opcodePong, data, flush)
	case CloseMessage:
		cf, _ := m.Close()
		if cf != nil {
			return c.Close(cf.Code, cf.Reason)
		}
		return c.Close(CloseNormalClosure, "")
	}

	if !c.State().CanSend() {
		return ErrClosed
	}

	var opcode byte
	var payload []byte
	if text, ok := m.Text(); ok {
		opcode = opcodeText
		payload = []byte(text)
	} else if bin, ok := m.Binary(); ok {
		opcode = opcodeBinary
		payload = bin
	} else {
		return ErrInvalidMessageType
	}

	if err := c.cfg.Limits.checkMessageSize(uint64(len(payload))); err != nil {
		return err
	}

	first := &frame{opcode: opcode, payload: payload, fin: true}
	if c.exts.negotiatedCount() > 0 {
		if err := c.exts.encode(first); err != nil {
			return err
		}
	}

	frag := newMessageFragmenter(first.opcode, first.payload, c.cfg.FragmentSize)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	isFirst := true
	for {
		f, done := frag.next()
		if f == nil {
			break
		}
		if isFirst {
			f.rsv1 = first.rsv1
			isFirst = false
		}
		if err := c.writeFrameLocked(f); err != nil {
			return err
		}
		if done {
			break
		}
	}

	if flush {
		return c.writer.Flush()
	}
	return nil
}

// sendControlFrame writes a single, unfragmented control frame (ping, pong,
// or close), enforcing RFC 6455 Section 5.5's 125-byte payload cap.
func (c *Conn) sendControlFrame(opcode byte, payload []byte, flush bool) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := &frame{opcode: opcode, payload: payload, fin: true}
	if err := c.writeFrameLocked(f); err != nil {
		return err
	}
	if flush {
		return c.writer.Flush()
	}
	return nil
}

// writeFrameLocked applies this connection's masking policy to f and
// writes it to c.writer. Callers must hold writeMu.
func (c *Conn) writeFrameLocked(f *frame) error {
	if err := validateOutgoingFrame(f); err != nil {
		return err
	}

	if c.cfg.MaskFrames {
		f.masked = true
		f.mask = c.maskGen.next()
	}

	buf, err := appendFrame(make([]byte, 0, f.wireSize()), f)
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(buf); err != nil {
		return fmt.Errorf("websocket: write frame: %w", err)
	}
	return nil
}

// Ping sends a ping control frame with the given payload (at most 125
// bytes).
func (c *Conn) Ping(data []byte) error {
	return c.sendControlFrame(opcodePing, data, true)
}

// Pong sends an unsolicited pong control frame (RFC 6455 Section 5.5.3
// permits pongs outside of a ping response, as a unidirectional keepalive).
func (c *Conn) Pong(data []byte) error {
	return c.sendControlFrame(opcodePong, data, true)
}

// Close initiates a close handshake: it sends a close frame with the given
// code and reason and moves the connection to StateClosing. Calling Close
// when the connection is not Open is a no-op (RFC 6455 Section 7.1.2's
// close handshake has nothing left to initiate from any other state).
//
// This does not close the underlying transport. Per spec.md Section 5 and
// Section 3, Closed is reached only once the peer's own close frame arrives
// (handleCloseFrame) or the transport hits EOF — until then the caller
// should keep calling Recv to drive the rest of the handshake, per RFC 6455
// Section 7.1.1's "wait for the peer to close the connection" guidance.
// Grounded on original_source/src/connection/connection.rs's close(), whose
// doc comment states this explicitly: "This does not close the underlying
// stream; you should drop the Connection after calling this."
//
// RFC 6455 Section 7.4.1: reserved codes (1004, 1005, 1006, 1015) must
// never appear on the wire.
func (c *Conn) Close(code CloseCode, reason string) error {
	if c.State() != StateOpen {
		return nil
	}
	if code.IsReserved() {
		return ErrReservedCloseCode
	}

	c.setState(StateClosing)
	return c.sendControlFrame(opcodeClose, closeFramePayload(code, reason), true)
}

// closeFramePayload builds a close frame's payload: a 2-byte big-endian
// status code followed by the UTF-8 reason bytes (RFC 6455 Section 5.5.1).
func closeFramePayload(code CloseCode, reason string) []byte {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	return append(payload, reason...)
}

func (c *Conn) closeTransport() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
