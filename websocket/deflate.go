package websocket

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/flate"
)

// deflateSyncFlushTrailer is the 4-byte marker RFC 7692 Section 7.2.1
// requires every compressed message to end with (an empty stored DEFLATE
// block produced by a Z_SYNC_FLUSH); compliant implementations strip it
// before putting bytes on the wire and must re-append it before inflating.
var deflateSyncFlushTrailer = [4]byte{0x00, 0x00, 0xFF, 0xFF}

// deflateFinalBlock is a final (BFINAL=1), empty, stored DEFLATE block.
// Appended after deflateSyncFlushTrailer on the decode path only, it gives
// flate.Reader a clean end-of-stream to converge on: the sync-flush marker
// alone is a non-final block, so without this terminator flate.Reader keeps
// expecting a next block header and turns the source buffer's own io.EOF
// into io.ErrUnexpectedEOF instead of completing the read.
var deflateFinalBlock = [5]byte{0x01, 0x00, 0x00, 0xFF, 0xFF}

// decompressionBombAbsoluteLimit is the hard ceiling on an inflated
// message regardless of ratio: 64 MiB.
const decompressionBombAbsoluteLimit = 64 * 1024 * 1024

// decompressionBombRatioLimit is the maximum allowed inflated:compressed
// size ratio; above this the message is treated as a decompression bomb
// even if it is under the absolute limit.
const decompressionBombRatioLimit = 100

// deflateDictWindow is the maximum number of trailing decompressed bytes
// carried forward as a priming dictionary between messages when context
// takeover is active, matching DEFLATE's 32 KiB window.
const deflateDictWindow = 32 * 1024

// deflateExtension implements permessage-deflate (RFC 7692).
//
// Grounded on original_source/src/extensions/deflate.rs. Uses
// github.com/klauspost/compress/flate instead of the standard library's
// compress/flate. Context takeover (reusing the sliding window across
// messages) is handled per direction: encode keeps one Writer across
// messages and never calls its Reset, while decode resets its reader with
// the previous output as a dictionary via flate.Resetter. With
// no-context-takeover, each message gets a fresh compressor or reader.
type deflateExtension struct {
	isServer bool

	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int
	clientMaxWindowBits     int

	limits Limits

	writer      *flate.Writer
	writerBuf   bytes.Buffer
	writerReady bool

	// reader is reused across messages via flate.Resetter.Reset when
	// context takeover is active; readerDict carries the trailing window
	// of decompressed bytes forward as the priming dictionary for the
	// next message's Reset call, since each message's source bytes form
	// a self-contained, cleanly-terminated DEFLATE stream (see
	// deflateFinalBlock) rather than one continuously open stream.
	reader     io.ReadCloser
	readerDict []byte
}

// newDeflateExtension constructs an unnegotiated permessage-deflate
// extension for the given role; negotiate/configure finalize its
// parameters before first use.
func newDeflateExtension(role Role, limits Limits) *deflateExtension {
	return &deflateExtension{
		isServer:            role == RoleServer,
		serverMaxWindowBits: 15,
		clientMaxWindowBits: 15,
		limits:              limits,
	}
}

func (d *deflateExtension) name() string { return "permessage-deflate" }

func (d *deflateExtension) rsvBits() rsvBits { return rsv1Only }

func (d *deflateExtension) offerParams() []extensionParam {
	return nil // a bare offer is sufficient; defaults are acceptable to us
}

// negotiate runs server-side against the client's offered params.
func (d *deflateExtension) negotiate(params []extensionParam) ([]extensionParam, error) {
	var accepted []extensionParam
	for _, p := range params {
		switch p.name {
		case "server_no_context_takeover":
			d.serverNoContextTakeover = true
			accepted = append(accepted, newExtensionParam(p.name))
		case "client_no_context_takeover":
			d.clientNoContextTakeover = true
			accepted = append(accepted, newExtensionParam(p.name))
		case "server_max_window_bits":
			bits, err := parseWindowBits(p.value)
			if err != nil {
				return nil, err
			}
			d.serverMaxWindowBits = bits
			accepted = append(accepted, newExtensionParamWithValue(p.name, strconv.Itoa(bits)))
		case "client_max_window_bits":
			bits := 15
			if p.isSet {
				var err error
				bits, err = parseWindowBits(p.value)
				if err != nil {
					return nil, err
				}
			}
			d.clientMaxWindowBits = bits
			accepted = append(accepted, newExtensionParamWithValue(p.name, strconv.Itoa(bits)))
		}
	}
	return accepted, nil
}

// configure runs client-side against the server's accepted params.
func (d *deflateExtension) configure(params []extensionParam) error {
	for _, p := range params {
		switch p.name {
		case "server_no_context_takeover":
			d.serverNoContextTakeover = true
		case "client_no_context_takeover":
			d.clientNoContextTakeover = true
		case "server_max_window_bits":
			bits, err := parseWindowBits(p.value)
			if err != nil {
				return err
			}
			d.serverMaxWindowBits = bits
		case "client_max_window_bits":
			bits, err := parseWindowBits(p.value)
			if err != nil {
				return err
			}
			d.clientMaxWindowBits = bits
		}
	}
	return nil
}

func parseWindowBits(s string) (int, error) {
	bits, err := strconv.Atoi(s)
	if err != nil || bits < 8 || bits > 15 {
		return 0, fmt.Errorf("%w: invalid window bits %q", ErrProtocolError, s)
	}
	return bits, nil
}

// ourNoContextTakeover reports whether the compressor this endpoint owns
// must be reset between messages: servers compress with the "server_*"
// parameters, clients with the "client_*" ones.
func (d *deflateExtension) ourNoContextTakeover() bool {
	if d.isServer {
		return d.serverNoContextTakeover
	}
	return d.clientNoContextTakeover
}

// peerNoContextTakeover is the mirror used on the decode path.
func (d *deflateExtension) peerNoContextTakeover() bool {
	if d.isServer {
		return d.clientNoContextTakeover
	}
	return d.serverNoContextTakeover
}

// encode compresses a data frame's payload and sets RSV1, per RFC 7692
// Section 7.2.1. Only the first frame of a (possibly fragmented) message
// carries RSV1; callers are responsible for only invoking this on that
// first frame, mirroring original_source/src/connection/connection.rs's
// send() which encodes once before fragmenting.
//
// Context takeover (RFC 7692 Section 7.1.1) means the LZ77 window built up
// compressing one message carries over to the next. flate.Writer.Reset
// discards that window entirely (it is equivalent to a fresh NewWriter), so
// preserving context takeover means never calling Reset on d.writer: the
// same *flate.Writer is kept across messages and only its destination
// buffer is drained between calls, which does not touch its internal
// compression state. A fresh writer (and so a fresh window) is only
// allocated on the first message or when the active direction has
// no_context_takeover set.
func (d *deflateExtension) encode(f *frame) error {
	if !isDataFrame(f.opcode) {
		return nil
	}

	if !d.writerReady || d.ourNoContextTakeover() {
		d.writerBuf.Reset()
		w, err := flate.NewWriter(&d.writerBuf, flate.DefaultCompression)
		if err != nil {
			return fmt.Errorf("permessage-deflate: new writer: %w", err)
		}
		d.writer = w
		d.writerReady = true
	} else {
		d.writerBuf.Reset()
	}

	if _, err := d.writer.Write(f.payload); err != nil {
		return fmt.Errorf("permessage-deflate: compress: %w", err)
	}
	if err := d.writer.Flush(); err != nil {
		return fmt.Errorf("permessage-deflate: flush: %w", err)
	}

	compressed := bytes.TrimSuffix(d.writerBuf.Bytes(), deflateSyncFlushTrailer[:])
	f.payload = append([]byte(nil), compressed...)
	f.rsv1 = true

	if d.ourNoContextTakeover() {
		d.writer = nil
		d.writerReady = false
	}
	return nil
}

// decode reverses encode: restores the sync-flush trailer plus a final
// empty block RFC 7692 strips before putting bytes on the wire, inflates,
// and enforces the decompression-bomb caps before returning the expanded
// payload.
//
// Each call's restored bytes form one self-contained, cleanly-terminated
// DEFLATE stream (see deflateFinalBlock) rather than one continuously open
// stream across messages: Go's flate.Reader has no way to "pause" a stream
// at a sync-flush boundary and resume it later without the terminator, so
// context takeover here is implemented the way it actually can be on top of
// flate.Reader — via flate.Resetter.Reset with a priming dictionary carried
// forward from the previous message's trailing window, not by keeping one
// Reader object open indefinitely. A fresh reader (no dictionary) is used
// on the first message or whenever the peer's direction has
// no_context_takeover set.
func (d *deflateExtension) decode(f *frame) error {
	if !f.rsv1 || !isDataFrame(f.opcode) {
		return nil
	}

	compressedSize := len(f.payload)

	var src bytes.Buffer
	src.Write(f.payload)
	src.Write(deflateSyncFlushTrailer[:])
	src.Write(deflateFinalBlock[:])

	takeover := !d.peerNoContextTakeover()
	var dict []byte
	if takeover {
		dict = d.readerDict
	}

	if resetter, ok := d.reader.(flate.Resetter); ok {
		if err := resetter.Reset(&src, dict); err != nil {
			return fmt.Errorf("permessage-deflate: reset reader: %w", err)
		}
	} else {
		d.reader = flate.NewReader(&src)
	}

	limit := int64(decompressionBombAbsoluteLimit)
	if ratioLimit := int64(compressedSize) * decompressionBombRatioLimit; ratioLimit < limit {
		limit = ratioLimit
	}

	out, err := io.ReadAll(io.LimitReader(d.reader, limit+1))
	if err != nil {
		return fmt.Errorf("permessage-deflate: inflate: %w", err)
	}
	if int64(len(out)) > limit {
		return ErrDecompressionBomb
	}

	f.payload = out
	f.rsv1 = false

	if takeover {
		d.readerDict = tailWindow(d.readerDict, out)
	} else {
		d.readerDict = nil
		d.reader = nil
	}
	return nil
}

// tailWindow appends fresh to prior and returns at most the trailing
// deflateDictWindow bytes of the result, copied into a fresh slice so the
// retained dictionary never pins a larger backing array.
func tailWindow(prior, fresh []byte) []byte {
	combined := append(append([]byte(nil), prior...), fresh...)
	if len(combined) <= deflateDictWindow {
		return combined
	}
	return append([]byte(nil), combined[len(combined)-deflateDictWindow:]...)
}
