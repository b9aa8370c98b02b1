package websocket

import "unicode/utf8"

// utf8Validator validates a stream of byte chunks as UTF-8 even when a
// multi-byte rune is split across chunk (frame) boundaries, which is
// routine for fragmented text messages (RFC 6455 Section 5.4 permits
// splitting a message at arbitrary octet boundaries, not just rune
// boundaries).
//
// Grounded on original_source/src/protocol/utf8.rs's Utf8Validator: up to 3
// trailing bytes of an incomplete multi-byte sequence are buffered between
// calls and prefixed onto the next chunk.
type utf8Validator struct {
	incomplete    [4]byte
	incompleteLen int
}

// reset clears any buffered incomplete sequence, for reuse across messages.
func (v *utf8Validator) reset() {
	v.incompleteLen = 0
}

// hasIncomplete reports whether bytes from an unterminated multi-byte
// sequence are currently buffered.
func (v *utf8Validator) hasIncomplete() bool {
	return v.incompleteLen > 0
}

// validate checks data (prefixed with any bytes buffered from a previous
// call) for valid UTF-8. When final is false and the only problem is a
// truncated multi-byte sequence at the very end of data, up to 3 trailing
// bytes are buffered for the next call and validation succeeds; when final
// is true, a trailing incomplete sequence is an error.
func (v *utf8Validator) validate(data []byte, final bool) error {
	var buf []byte
	if v.incompleteLen > 0 {
		buf = make([]byte, 0, v.incompleteLen+len(data))
		buf = append(buf, v.incomplete[:v.incompleteLen]...)
		buf = append(buf, data...)
	} else {
		buf = data
	}

	if utf8.Valid(buf) {
		v.incompleteLen = 0
		return nil
	}

	if !final {
		if n, ok := incompleteTailLen(buf); ok {
			head := buf[:len(buf)-n]
			if utf8.Valid(head) {
				v.incompleteLen = copy(v.incomplete[:], buf[len(buf)-n:])
				return nil
			}
		}
	}

	v.incompleteLen = 0
	return ErrInvalidUTF8
}

// incompleteTailLen reports the length of a trailing byte sequence that
// looks like the start of a valid multi-byte rune but was cut short by the
// end of buf, and whether such a sequence was found. It inspects at most
// the last 3 bytes, since the longest UTF-8 encoding is 4 bytes.
func incompleteTailLen(buf []byte) (int, bool) {
	maxTail := 3
	if len(buf) < maxTail {
		maxTail = len(buf)
	}

	for n := 1; n <= maxTail; n++ {
		lead := buf[len(buf)-n]
		want := utf8RuneLen(lead)
		if want > n && want <= 4 {
			// DecodeRune reports (RuneError, 1) for this tail whether it
			// is a short valid prefix or an invalid one, so the tail is
			// buffered either way; an invalid prefix is rejected by a
			// later call, once it is validated with the bytes that follow.
			r, size := utf8.DecodeRune(buf[len(buf)-n:])
			if r == utf8.RuneError && size <= 1 {
				return n, true
			}
		}
	}
	return 0, false
}

// utf8RuneLen returns the number of bytes a UTF-8 sequence starting with
// lead is declared to occupy, or 0 if lead cannot start a sequence
// (continuation byte or invalid leading byte).
func utf8RuneLen(lead byte) int {
	switch {
	case lead&0x80 == 0x00:
		return 1
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}

// validateUTF8 is a one-shot convenience wrapper for already-complete byte
// slices (e.g. control frame reason strings), equivalent to the free
// function validate_utf8 in original_source/src/protocol/utf8.rs.
func validateUTF8(data []byte) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	return nil
}
