package websocket

import (
	"os"

	"github.com/rs/zerolog"
)

// log is the package-level logger every Conn and handshake entry point
// writes connection-lifecycle and extension-negotiation events through.
// It defaults to zerolog.Nop(), so the engine stays silent until a caller
// opts in with SetLogger, matching the teacher's existing
// silence-by-default posture (the teacher never logged at all; this
// package adds the hook without forcing output on anyone).
var log zerolog.Logger = zerolog.Nop()

// SetLogger replaces the package-level logger used for connection
// lifecycle and extension negotiation events. Passing zerolog.Nop()
// restores silence.
func SetLogger(l zerolog.Logger) {
	log = l
}

// NewConsoleLogger is a convenience constructor for callers that want
// human-readable output during development, mirroring the
// zerolog.ConsoleWriter setup used across the wider pack's zerolog
// consumers.
func NewConsoleLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
