package websocket

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// teeConn wraps a net.Conn and mirrors every Write into buf, so a test can
// inspect the exact bytes a Conn put on the wire.
type teeConn struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *teeConn) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf.Write(p)
	t.mu.Unlock()
	return t.Conn.Write(p)
}

func (t *teeConn) captured() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf.Bytes()...)
}

// connPair wires up a client Conn and a server Conn over an in-memory
// net.Pipe, as if a handshake had already completed and negotiated no
// extensions.
func connPair(t *testing.T, cfgClient, cfgServer Config) (client, server *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()

	client = newConn(c1, bufio.NewReader(c1), bufio.NewWriter(c1), RoleClient, cfgClient, nil)
	server = newConn(c2, bufio.NewReader(c2), bufio.NewWriter(c2), RoleServer, cfgServer, nil)

	t.Cleanup(func() {
		_ = client.closeTransport()
		_ = server.closeTransport()
	})
	return client, server
}

func defaultPairConfigs() (Config, Config) {
	return ClientConfig().WithLimits(UnrestrictedLimits()), ServerConfig().WithLimits(UnrestrictedLimits())
}

func TestConn_SendRecvTextMessage(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	done := make(chan error, 1)
	go func() {
		done <- client.Send(NewTextMessage("hello from client"))
	}()

	msg, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.True(t, msg.IsText())
	text, ok := msg.Text()
	require.True(t, ok)
	assert.Equal(t, "hello from client", text)
}

func TestConn_SendRecvBinaryMessage(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	payload := []byte{1, 2, 3, 4, 5}
	done := make(chan error, 1)
	go func() { done <- server.Send(NewBinaryMessage(payload)) }()

	msg, err := client.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)

	bin, ok := msg.Binary()
	require.True(t, ok)
	assert.Equal(t, payload, bin)
}

// P11: a client's first two outgoing data frames must carry distinct mask
// keys, observed end-to-end through Conn.Send by inspecting the raw bytes
// written to the transport.
func TestConn_ClientMasksEachFrameWithDistinctKey(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	c1, c2 := net.Pipe()
	tee := &teeConn{Conn: c1}

	client := newConn(tee, bufio.NewReader(tee), bufio.NewWriter(tee), RoleClient, clientCfg, nil)
	server := newConn(c2, bufio.NewReader(c2), bufio.NewWriter(c2), RoleServer, serverCfg, nil)
	t.Cleanup(func() {
		_ = client.closeTransport()
		_ = server.closeTransport()
	})

	go func() {
		_ = client.Send(NewTextMessage("first message"))
		_ = client.Send(NewTextMessage("second message"))
	}()

	msg1, err := server.Recv()
	require.NoError(t, err)
	msg2, err := server.Recv()
	require.NoError(t, err)

	text1, _ := msg1.Text()
	text2, _ := msg2.Text()
	assert.Equal(t, "first message", text1)
	assert.Equal(t, "second message", text2)

	raw := tee.captured()
	f1, n1, err := parseFrame(raw, UnrestrictedLimits())
	require.NoError(t, err)
	f2, _, err := parseFrame(raw[n1:], UnrestrictedLimits())
	require.NoError(t, err)

	require.True(t, f1.masked)
	require.True(t, f2.masked)
	assert.NotEqual(t, f1.mask, f2.mask)
}

// S4: a ping is surfaced to the caller, and the obligatory pong reply is
// queued and sent at the start of that same connection's next Recv call.
func TestConn_PingTriggersAutomaticPong(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	go func() { _ = client.Ping([]byte("ping-payload")) }()

	msg, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, PingMessage, msg.Type())
	data, _ := msg.Binary()
	assert.Equal(t, "ping-payload", string(data))

	// The pong isn't written until server's next Recv call flushes it, so
	// drive that call in the background while the client waits for it.
	go func() { _, _ = server.Recv() }()

	pong, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, PongMessage, pong.Type())
	pongData, _ := pong.Binary()
	assert.Equal(t, "ping-payload", string(pongData))

	// Unblock the background server.Recv() so the test can clean up.
	require.NoError(t, client.Send(NewTextMessage("done")))
}

func TestConn_CloseHandshakeTransitionsState(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	// net.Pipe writes block until read, so the client keeps reading to take
	// the server's mirrored close off the pipe.
	go func() {
		_ = client.Close(CloseNormalClosure, "bye")
		_, _ = client.Recv()
	}()

	msg, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, CloseMessage, msg.Type())

	cf, ok := msg.Close()
	require.True(t, ok)
	require.NotNil(t, cf)
	assert.Equal(t, CloseNormalClosure, cf.Code)
	assert.Equal(t, "bye", cf.Reason)

	assert.Equal(t, StateClosed, server.State())
}

func TestConn_RejectsReservedCloseCode(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, _ := connPair(t, clientCfg, serverCfg)

	err := client.Close(CloseCode(1005), "")
	assert.ErrorIs(t, err, ErrReservedCloseCode)
}

func TestConn_RecvAfterCloseReturnsErrClosed(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	go func() {
		_ = client.Close(CloseNormalClosure, "")
		_, _ = client.Recv()
	}()
	_, err := server.Recv()
	require.NoError(t, err)

	_, err = server.Recv()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConn_MessageExceedingLimitIsRejected(t *testing.T) {
	clientCfg := ClientConfig().WithLimits(UnrestrictedLimits())
	serverCfg := ServerConfig()
	serverCfg.Limits = DefaultLimits()
	serverCfg.Limits.MaxMessageSize = 8

	client, server := connPair(t, clientCfg, serverCfg)

	// The client reads the server's error close frame off the pipe.
	go func() {
		_ = client.Send(NewTextMessage("this message is far too long"))
		_, _ = client.Recv()
	}()

	_, err := server.Recv()
	var tooLarge *MessageTooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestConn_ServerRejectsUnmaskedFrameByDefault(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	// The client config here intentionally disables masking to simulate a
	// misbehaving or malicious client, bypassing Conn.Send's normal masking
	// so the server sees a bare unmasked frame.
	clientCfg.MaskFrames = false

	client, server := connPair(t, clientCfg, serverCfg)

	go func() {
		_ = client.Send(NewTextMessage("unmasked"))
		_, _ = client.Recv()
	}()

	_, err := server.Recv()
	assert.ErrorIs(t, err, ErrMaskRequired)
}

func TestConn_AcceptUnmaskedFramesAllowsBareFrames(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	clientCfg.MaskFrames = false
	serverCfg.AcceptUnmaskedFrames = true

	client, server := connPair(t, clientCfg, serverCfg)

	go func() { _ = client.Send(NewTextMessage("unmasked but allowed")) }()

	msg, err := server.Recv()
	require.NoError(t, err)
	text, _ := msg.Text()
	assert.Equal(t, "unmasked but allowed", text)
}

func TestConn_FragmentsLargeMessages(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	clientCfg.FragmentSize = 4

	client, server := connPair(t, clientCfg, serverCfg)

	go func() { _ = client.Send(NewTextMessage("abcdefghijklmnop")) }()

	msg, err := server.Recv()
	require.NoError(t, err)
	text, _ := msg.Text()
	assert.Equal(t, "abcdefghijklmnop", text)
}

func TestConn_State(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, _ := connPair(t, clientCfg, serverCfg)
	assert.Equal(t, StateOpen, client.State())
	assert.True(t, client.IsOpen())
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	clientCfg, serverCfg := defaultPairConfigs()
	client, server := connPair(t, clientCfg, serverCfg)

	go func() { _, _ = server.Recv() }()
	require.NoError(t, client.Close(CloseNormalClosure, ""))

	err := client.Send(NewTextMessage("too late"))
	assert.ErrorIs(t, err, ErrClosed)
}
