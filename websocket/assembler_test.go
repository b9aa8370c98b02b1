package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S5: two-fragment text message "Hel" + "lo" reassembles to "Hello", and no
// message surfaces after the first fragment alone.
func TestAssembler_Scenario_TwoFragmentReassembly(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())

	opcode, payload, compressed, complete, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte("Hel")})
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Nil(t, payload)
	assert.Zero(t, opcode)
	assert.False(t, compressed)

	opcode, payload, compressed, complete, err = a.push(&frame{fin: true, opcode: opcodeContinuation, payload: []byte("lo")})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, byte(opcodeText), opcode)
	assert.Equal(t, "Hello", string(payload))
	assert.False(t, compressed)
}

func TestAssembler_SingleFrameMessage(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())
	opcode, payload, compressed, complete, err := a.push(&frame{fin: true, opcode: opcodeBinary, payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, byte(opcodeBinary), opcode)
	assert.Equal(t, []byte{1, 2, 3}, payload)
	assert.False(t, compressed)
}

func TestAssembler_ContinuationWithoutStartIsError(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())
	_, _, _, _, err := a.push(&frame{fin: true, opcode: opcodeContinuation, payload: []byte("orphan")})
	assert.ErrorIs(t, err, ErrUnexpectedContinuation)
}

func TestAssembler_NewMessageDuringFragmentIsError(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())
	_, _, _, complete, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte("first")})
	require.NoError(t, err)
	require.False(t, complete)

	_, _, _, _, err = a.push(&frame{fin: true, opcode: opcodeBinary, payload: []byte("second")})
	assert.ErrorIs(t, err, ErrNewMessageDuringFragment)
}

func TestAssembler_FragmentCountLimitEnforced(t *testing.T) {
	limits := UnrestrictedLimits()
	limits.MaxFragmentCount = 2
	a := newMessageAssembler(limits)

	_, _, _, complete, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte("a")})
	require.NoError(t, err)
	require.False(t, complete)

	_, _, _, complete, err = a.push(&frame{fin: false, opcode: opcodeContinuation, payload: []byte("b")})
	require.NoError(t, err)
	require.False(t, complete)

	_, _, _, _, err = a.push(&frame{fin: true, opcode: opcodeContinuation, payload: []byte("c")})
	var countErr *FragmentCountError
	require.ErrorAs(t, err, &countErr)
	assert.Equal(t, 2, countErr.Limit)
}

func TestAssembler_MessageSizeLimitEnforced(t *testing.T) {
	limits := UnrestrictedLimits()
	limits.MaxMessageSize = 4
	a := newMessageAssembler(limits)

	_, _, _, _, err := a.push(&frame{fin: true, opcode: opcodeBinary, payload: []byte("too long")})
	var sizeErr *MessageTooLargeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, uint64(4), sizeErr.Limit)
}

func TestAssembler_InvalidUTF8AcrossFragmentsRejected(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())
	_, _, _, complete, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte{0xC3}})
	require.NoError(t, err)
	require.False(t, complete)

	_, _, _, _, err = a.push(&frame{fin: true, opcode: opcodeContinuation, payload: []byte{0xFF}})
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestAssembler_ResetClearsInProgressState(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())
	_, _, _, complete, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte("partial")})
	require.NoError(t, err)
	require.False(t, complete)

	a.reset()

	_, _, _, _, err = a.push(&frame{fin: true, opcode: opcodeContinuation, payload: []byte("x")})
	assert.ErrorIs(t, err, ErrUnexpectedContinuation)
}

func TestAssembler_ErrorResetsInProgressState(t *testing.T) {
	limits := UnrestrictedLimits()
	limits.MaxMessageSize = 2
	a := newMessageAssembler(limits)

	_, _, _, _, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte("toolong")})
	require.Error(t, err)

	// After the size error, the assembler must not think a message is still
	// in progress — a fresh message should be startable.
	opcode, payload, compressed, complete, err := a.push(&frame{fin: true, opcode: opcodeBinary, payload: []byte{1}})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, byte(opcodeBinary), opcode)
	assert.Equal(t, []byte{1}, payload)
	assert.False(t, compressed)
}

// A permessage-deflate-compressed Text message's wire bytes are compressed
// binary, not UTF-8, until the extension pipeline inflates them; the
// assembler must not run its per-fragment UTF-8 check against them (that
// would spuriously reject every real compressed message) and must instead
// report compressed == true so the caller validates the decompressed
// buffer once assembly completes.
func TestAssembler_SkipsUTF8CheckForCompressedTextFrame(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())

	notUTF8 := []byte{0xFF, 0xFF, 0x00, 0x01}
	opcode, payload, compressed, complete, err := a.push(&frame{fin: true, opcode: opcodeText, payload: notUTF8, rsv1: true})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, byte(opcodeText), opcode)
	assert.Equal(t, notUTF8, payload)
	assert.True(t, compressed)
}

// The RSV1 bit is only ever set on the first frame of a fragmented
// message (RFC 7692 Section 7.2.1); the assembler must remember that
// across continuation frames, which never carry it themselves, and must
// still skip the per-fragment UTF-8 check on those continuations.
func TestAssembler_RemembersCompressedAcrossFragments(t *testing.T) {
	a := newMessageAssembler(UnrestrictedLimits())

	_, _, compressed, complete, err := a.push(&frame{fin: false, opcode: opcodeText, payload: []byte{0xAB, 0xCD}, rsv1: true})
	require.NoError(t, err)
	require.False(t, complete)
	assert.True(t, compressed)

	opcode, payload, compressed, complete, err := a.push(&frame{fin: true, opcode: opcodeContinuation, payload: []byte{0xFF, 0xFE}})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, byte(opcodeText), opcode)
	assert.Equal(t, []byte{0xAB, 0xCD, 0xFF, 0xFE}, payload)
	assert.True(t, compressed)
}
