package websocket

// messageAssembler reassembles a sequence of data frames (an initial
// text/binary frame optionally followed by continuation frames) into one
// logical Message, enforcing size and fragment-count limits along the way
// and incrementally validating UTF-8 for text messages.
//
// Grounded on original_source/src/protocol/assembler.rs's MessageAssembler.
// Replaces the ad hoc fragmentBuf/fragmentType/inFragment fields the
// teacher inlined directly in Conn.
type messageAssembler struct {
	limits Limits

	inProgress    bool
	opcode        byte
	compressed    bool
	buffer        []byte
	fragmentCount int
	validator     utf8Validator
}

func newMessageAssembler(limits Limits) *messageAssembler {
	return &messageAssembler{limits: limits}
}

// reset discards any in-progress message, used after a protocol error or
// once a message has been consumed.
func (a *messageAssembler) reset() {
	a.inProgress = false
	a.opcode = 0
	a.compressed = false
	a.buffer = a.buffer[:0]
	a.fragmentCount = 0
	a.validator.reset()
}

// push feeds one data frame (opcodeText, opcodeBinary, or
// opcodeContinuation) into the assembler. When the frame's FIN bit
// completes the message, the fully assembled payload and its opcode are
// returned with complete == true; otherwise complete is false and the
// caller should keep reading frames. compressed reports whether the
// message's first frame claimed RSV1 (permessage-deflate); per RFC 7692
// Section 7.2.1 that bit is only ever set on the first frame of a
// (possibly fragmented) message, never on its continuations, so the
// assembler is the only place that can still know it once the last
// fragment arrives.
//
// RFC 6455 Section 5.4 rules enforced here:
//   - A continuation frame without a preceding non-final data frame is an
//     error (ErrUnexpectedContinuation).
//   - A non-continuation data frame while a message is already in progress
//     is an error (ErrNewMessageDuringFragment).
//   - Control frames must never reach push; callers dispatch those
//     separately and may interleave them between fragments freely.
//
// When compressed is true, the per-fragment UTF-8 check below is skipped:
// the wire bytes of a permessage-deflate Text message are compressed
// binary, not UTF-8, until the extension pipeline inflates them. The
// caller validates the decompressed buffer once assembly completes
// (Conn.assembledToMessage), matching spec.md Section 2's data flow
// (Frame Codec -> Extension Framework decode -> Message Assembler).
func (a *messageAssembler) push(f *frame) (opcode byte, payload []byte, compressed bool, complete bool, err error) {
	switch f.opcode {
	case opcodeContinuation:
		if !a.inProgress {
			return 0, nil, false, false, ErrUnexpectedContinuation
		}
	case opcodeText, opcodeBinary:
		if a.inProgress {
			return 0, nil, false, false, ErrNewMessageDuringFragment
		}
		a.inProgress = true
		a.opcode = f.opcode
		a.compressed = f.rsv1
		a.buffer = a.buffer[:0]
		a.fragmentCount = 0
		a.validator.reset()
	default:
		return 0, nil, false, false, ErrProtocolError
	}

	a.fragmentCount++
	if err := a.limits.checkFragmentCount(a.fragmentCount); err != nil {
		a.reset()
		return 0, nil, false, false, err
	}

	newSize := uint64(len(a.buffer) + len(f.payload))
	if err := a.limits.checkMessageSize(newSize); err != nil {
		a.reset()
		return 0, nil, false, false, err
	}
	a.buffer = append(a.buffer, f.payload...)

	if a.opcode == opcodeText && !a.compressed {
		if err := a.validator.validate(f.payload, f.fin); err != nil {
			a.reset()
			return 0, nil, false, false, err
		}
	}

	if !f.fin {
		return 0, nil, a.compressed, false, nil
	}

	opcode = a.opcode
	payload = a.buffer
	compressed = a.compressed
	a.inProgress = false
	a.opcode = 0
	a.compressed = false
	a.buffer = nil
	a.fragmentCount = 0
	a.validator.reset()
	return opcode, payload, compressed, true, nil
}
