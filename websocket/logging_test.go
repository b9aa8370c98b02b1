package websocket

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger_CapturesStateTransitions(t *testing.T) {
	orig := log
	defer func() { log = orig }()

	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	go func() { _, _ = server.Recv() }()
	require.NoError(t, client.Close(CloseNormalClosure, ""))

	assert.Contains(t, buf.String(), "connection state changed")
}

func TestNewConsoleLogger_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		l := NewConsoleLogger()
		l.Debug().Msg("smoke test")
	})
}
