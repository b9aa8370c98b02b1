package websocket

import "time"

// Limits bounds the resource consumption of a single connection. Each field
// maps to a check performed while parsing frames, assembling fragmented
// messages, or parsing the opening handshake.
//
// Grounded on original_source/src/config.rs's Limits struct.
type Limits struct {
	// MaxFrameSize bounds the payload length of any single frame.
	MaxFrameSize uint64
	// MaxMessageSize bounds the total accumulated size of a reassembled
	// (possibly fragmented) message.
	MaxMessageSize uint64
	// MaxFragmentCount bounds how many frames, the first one included, a
	// single fragmented message may be split across.
	MaxFragmentCount int
	// MaxHandshakeSize bounds the size of the raw HTTP/1.1 header block
	// read during the opening handshake, before a blank line is found.
	MaxHandshakeSize int
}

// DefaultLimits returns the limits used unless a Config overrides them:
// 16 MiB frames, 64 MiB messages, 128 fragments, 8 KiB handshake headers.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameSize:     16 * 1024 * 1024,
		MaxMessageSize:   64 * 1024 * 1024,
		MaxFragmentCount: 128,
		MaxHandshakeSize: 8 * 1024,
	}
}

// EmbeddedLimits returns tighter limits suited to memory-constrained
// deployments: 64 KiB frames, 256 KiB messages, 16 fragments, 4 KiB
// handshake headers.
func EmbeddedLimits() Limits {
	return Limits{
		MaxFrameSize:     64 * 1024,
		MaxMessageSize:   256 * 1024,
		MaxFragmentCount: 16,
		MaxHandshakeSize: 4 * 1024,
	}
}

// UnrestrictedLimits returns limits that only guard against the values RFC
// 6455 itself forbids (the 64-bit length's high bit), not against resource
// exhaustion. Intended for trusted peer-to-peer use, never for a public
// listener.
func UnrestrictedLimits() Limits {
	return Limits{
		MaxFrameSize:     1<<63 - 1,
		MaxMessageSize:   1<<63 - 1,
		MaxFragmentCount: int(^uint(0) >> 1),
		MaxHandshakeSize: int(^uint(0) >> 1),
	}
}

func (l Limits) checkFrameSize(size uint64) error {
	if size > l.MaxFrameSize {
		return &FrameTooLargeError{Size: size, Limit: l.MaxFrameSize}
	}
	return nil
}

func (l Limits) checkMessageSize(size uint64) error {
	if size > l.MaxMessageSize {
		return &MessageTooLargeError{Size: size, Limit: l.MaxMessageSize}
	}
	return nil
}

func (l Limits) checkFragmentCount(count int) error {
	if count > l.MaxFragmentCount {
		return &FragmentCountError{Count: count, Limit: l.MaxFragmentCount}
	}
	return nil
}

func (l Limits) checkHandshakeSize(size int) error {
	if size > l.MaxHandshakeSize {
		return ErrHandshakeTooLarge
	}
	return nil
}

// Timeouts holds a duration for each kind of operation (handshake, read,
// write, idle). Nothing in this package reads these values or sets a
// deadline from them.
//
// Grounded on original_source/src/config.rs's Timeouts struct.
type Timeouts struct {
	Handshake time.Duration
	Read      time.Duration
	Write     time.Duration
	Idle      time.Duration
}

// DefaultTimeouts returns 30s handshake, 60s read, 60s write, 300s idle.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Handshake: 30 * time.Second,
		Read:      60 * time.Second,
		Write:     60 * time.Second,
		Idle:      300 * time.Second,
	}
}

// Config collects everything that shapes how a Conn parses, validates, and
// writes frames: its resource Limits, fragmentation policy, masking
// obligations, buffer sizing, optional Timeouts, and an AllowedOrigins
// list. AllowedOrigins is stored only: neither AcceptRaw nor UpgradeHTTP
// consults it, and a server-side origin check is made only through
// ServerHandshakeOptions.CheckOrigin.
//
// Grounded on original_source/src/config.rs's Config struct; fields carry
// the same defaults as the original's Default impl and server()/client()
// constructors.
type Config struct {
	Limits              Limits
	FragmentSize        int
	AcceptUnmaskedFrames bool
	MaskFrames          bool
	ReadBufferSize      int
	WriteBufferSize     int
	Timeouts            *Timeouts
	AllowedOrigins      []string
}

// DefaultConfig returns a Config suitable as a starting point for either
// role: 16 KiB fragmentation, masking enabled, 8 KiB read/write buffers, no
// timeouts configured, all origins accepted.
func DefaultConfig() Config {
	return Config{
		Limits:          DefaultLimits(),
		FragmentSize:    16 * 1024,
		MaskFrames:      true,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
}

// ServerConfig returns a Config for accepting connections: identical to
// DefaultConfig except MaskFrames is false, since RFC 6455 Section 5.3
// forbids servers from masking outgoing frames.
func ServerConfig() Config {
	c := DefaultConfig()
	c.MaskFrames = false
	return c
}

// ClientConfig returns a Config for initiating connections: identical to
// DefaultConfig with MaskFrames explicitly true, since RFC 6455 Section 5.3
// requires clients to mask every outgoing frame.
func ClientConfig() Config {
	c := DefaultConfig()
	c.MaskFrames = true
	return c
}

// WithLimits returns a copy of c with Limits replaced.
func (c Config) WithLimits(l Limits) Config { c.Limits = l; return c }

// WithFragmentSize returns a copy of c with FragmentSize replaced.
func (c Config) WithFragmentSize(n int) Config { c.FragmentSize = n; return c }

// WithReadBufferSize returns a copy of c with ReadBufferSize replaced.
func (c Config) WithReadBufferSize(n int) Config { c.ReadBufferSize = n; return c }

// WithWriteBufferSize returns a copy of c with WriteBufferSize replaced.
func (c Config) WithWriteBufferSize(n int) Config { c.WriteBufferSize = n; return c }

// WithTimeouts returns a copy of c with Timeouts replaced.
func (c Config) WithTimeouts(t Timeouts) Config { c.Timeouts = &t; return c }

// WithAllowedOrigins returns a copy of c with AllowedOrigins replaced.
func (c Config) WithAllowedOrigins(origins []string) Config {
	c.AllowedOrigins = origins
	return c
}
