package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// websocketGUID is the magic GUID from RFC 6455 Section 1.3, used when
// computing Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handshakeRequest is a parsed WebSocket opening handshake request line
// plus headers, independent of any HTTP server framework.
//
// Grounded on original_source/src/protocol/handshake.rs's HandshakeRequest.
// Replaces the teacher's handshake.go, which only ever consumed an already
// net/http-parsed *http.Request; the surrounding HTTP server/router is out
// of spec scope (spec.md Section 1 Non-goals), so this engine now owns its
// own minimal HTTP/1.1 request-line-and-headers reader instead of requiring
// net/http.
type handshakeRequest struct {
	method  string
	path    string
	version string
	headers http.Header
}

func (r *handshakeRequest) header(name string) string {
	return r.headers.Get(name)
}

// readHandshakeRequest reads and parses an HTTP/1.1 request line and
// headers from r, stopping at the blank line that terminates the header
// block. It never reads past that point, so whatever bytes follow (there
// should be none, for a GET handshake) remain available to the caller.
//
// Fails with ErrHandshakeTooLarge if limits.MaxHandshakeSize is exceeded
// before the blank line is found.
func readHandshakeRequest(br *bufio.Reader, limits Limits) (*handshakeRequest, error) {
	lines, err := readHeaderBlock(br, limits)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrMalformedRequestLine
	}

	method, path, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	if err := checkDuplicateSecurityHeaders(headers); err != nil {
		return nil, err
	}

	return &handshakeRequest{method: method, path: path, version: version, headers: headers}, nil
}

// securityCriticalHeaders are the handshake headers RFC 6455 relies on for
// routing and identity; a client (or a proxy in front of one) that sends
// any of these twice is either malformed or attempting request smuggling
// via header shadowing, and the whole handshake is rejected rather than
// guessing which value is authoritative.
var securityCriticalHeaders = [...]string{
	"Host", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version",
}

// validateSecWebSocketKey enforces RFC 6455 Section 4.2.1: Sec-WebSocket-Key
// must base64-decode to exactly 16 bytes (the nonce's fixed wire width).
func validateSecWebSocketKey(key string) error {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != 16 {
		return ErrMissingSecKey
	}
	return nil
}

func checkDuplicateSecurityHeaders(headers http.Header) error {
	for _, name := range securityCriticalHeaders {
		if len(headers[http.CanonicalHeaderKey(name)]) > 1 {
			return fmt.Errorf("%w: Duplicate %s header", ErrDuplicateHeader, name)
		}
	}
	return nil
}

func parseRequestLine(line string) (method, path, version string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", "", ErrMalformedRequestLine
	}
	if !strings.HasPrefix(fields[2], "HTTP/") {
		return "", "", "", ErrMalformedRequestLine
	}
	return fields[0], fields[1], fields[2], nil
}

// handshakeResponse is a parsed HTTP/1.1 status line plus headers, used on
// the client side to validate a server's handshake reply.
//
// Grounded on original_source/src/protocol/handshake.rs's HandshakeResponse.
type handshakeResponse struct {
	statusCode int
	headers    http.Header
}

func readHandshakeResponse(br *bufio.Reader, limits Limits) (*handshakeResponse, error) {
	lines, err := readHeaderBlock(br, limits)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrMalformedStatusLine
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return nil, ErrMalformedStatusLine
	}
	var statusCode int
	if _, err := fmt.Sscanf(fields[1], "%d", &statusCode); err != nil {
		return nil, ErrMalformedStatusLine
	}

	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}

	return &handshakeResponse{statusCode: statusCode, headers: headers}, nil
}

// readHeaderBlock reads CRLF- or LF-terminated lines until a blank line,
// enforcing limits.MaxHandshakeSize against the total bytes consumed.
func readHeaderBlock(br *bufio.Reader, limits Limits) ([]string, error) {
	var lines []string
	total := 0
	for {
		raw, err := br.ReadString('\n')
		total += len(raw)
		if err := limits.checkHandshakeSize(total); err != nil {
			return nil, err
		}
		line := strings.TrimRight(raw, "\r\n")
		if err != nil {
			if line == "" {
				return lines, nil
			}
			return nil, fmt.Errorf("websocket: handshake read: %w", err)
		}
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// parseHeaderLines parses "Name: value" lines into an http.Header,
// validating that header values contain no control characters (RFC 7230
// Section 3.2's field-content grammar).
func parseHeaderLines(lines []string) (http.Header, error) {
	headers := make(http.Header, len(lines))
	for _, line := range lines {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if err := validateHeaderValue(value); err != nil {
			return nil, err
		}
		headers.Add(name, value)
	}
	return headers, nil
}

func validateHeaderValue(value string) error {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c < 0x20 && c != '\t' {
			return fmt.Errorf("%w: control character in header value", ErrMalformedRequestLine)
		}
	}
	return nil
}

// writeHeaderField appends "Name: value\r\n" to buf, refusing any value
// containing CR or LF. Grounded on spec.md Section 4.7: a handshake
// response echoes back attacker-influenced values (the negotiated
// subprotocol, accepted extensions) verbatim, so this is the response-side
// half of the same header-injection defense validateHeaderValue applies to
// incoming headers.
func writeHeaderField(buf *bytes.Buffer, name, value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %s", ErrInvalidHeaderValue, name)
	}
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
	return nil
}

// computeAcceptKey computes Sec-WebSocket-Accept from a client's
// Sec-WebSocket-Key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// Example:
//
//	key := "dGhlIHNhbXBsZSBub25jZQ=="
//	accept := computeAcceptKey(key)
//	// accept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerContainsToken checks if header value contains token
// (case-insensitive), per RFC 6455 Section 4.2.1's comma-separated token
// lists.
func headerContainsToken(header, token string) bool {
	header = strings.ToLower(header)
	token = strings.ToLower(token)

	for _, h := range strings.Split(header, ",") {
		if strings.TrimSpace(h) == token {
			return true
		}
	}
	return false
}

// negotiateSubprotocol selects the first protocol in the client's
// Sec-WebSocket-Protocol header, in the client's order, that also appears
// in serverProtos (RFC 6455 Section 1.9).
func negotiateSubprotocol(clientHeader string, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}
	for _, clientProto := range strings.Split(clientHeader, ",") {
		clientProto = strings.TrimSpace(clientProto)
		for _, serverProto := range serverProtos {
			if clientProto == serverProto {
				return clientProto
			}
		}
	}
	return ""
}

// ServerHandshakeOptions configures AcceptRaw / UpgradeHTTP server-side
// behavior. Grounded on the teacher's UpgradeOptions, extended with
// Config/Limits and extension registration.
type ServerHandshakeOptions struct {
	Subprotocols  []string
	CheckOrigin   func(origin, host string) bool
	Config        Config
	EnableDeflate bool
}

// AcceptRaw performs the server side of the RFC 6455 Section 4 opening
// handshake directly over conn, without any involvement from net/http.
// This is the primary handshake entry point; UpgradeHTTP below is a thin
// adapter for callers that already have an *http.Request from a net/http
// server.
//
//nolint:cyclop // Handshake requires many validation steps per RFC 6455
func AcceptRaw(conn net.Conn, opts *ServerHandshakeOptions) (*Conn, error) {
	if opts == nil {
		opts = &ServerHandshakeOptions{}
	}
	cfg := opts.Config
	if cfg.ReadBufferSize == 0 {
		cfg = ServerConfig()
	}

	br := bufio.NewReaderSize(conn, cfg.ReadBufferSize)
	req, err := readHandshakeRequest(br, cfg.Limits)
	if err != nil {
		return nil, err
	}

	if req.method != http.MethodGet {
		return nil, ErrInvalidMethod
	}
	if req.version != "HTTP/1.1" {
		return nil, ErrMalformedRequestLine
	}
	if req.header("Host") == "" {
		return nil, ErrMalformedRequestLine
	}
	if !headerContainsToken(req.header("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}
	if !headerContainsToken(req.header("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}
	if req.header("Sec-WebSocket-Version") != "13" {
		return nil, ErrInvalidVersion
	}
	key := req.header("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingSecKey
	}
	if err := validateSecWebSocketKey(key); err != nil {
		return nil, err
	}

	if opts.CheckOrigin != nil {
		origin := req.header("Origin")
		host := req.header("Host")
		if !opts.CheckOrigin(origin, host) {
			return nil, ErrOriginDenied
		}
	}

	subprotocol := negotiateSubprotocol(req.header("Sec-WebSocket-Protocol"), opts.Subprotocols)
	accept := computeAcceptKey(key)

	exts := newExtensionRegistry()
	var acceptedExtHeader string
	if opts.EnableDeflate {
		deflate := newDeflateExtension(RoleServer, cfg.Limits)
		if err := exts.add(deflate); err == nil {
			offers := parseExtensionOfferHeader(req.header("Sec-WebSocket-Extensions"))
			accepted, negErr := exts.negotiate(offers)
			if negErr == nil && len(accepted) > 0 {
				acceptedExtHeader = responseHeader(accepted)
				log.Debug().Str("extensions", acceptedExtHeader).Msg("websocket: negotiated extensions")
			}
		}
	}

	var resp bytes.Buffer
	resp.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	resp.WriteString("Upgrade: websocket\r\n")
	resp.WriteString("Connection: Upgrade\r\n")
	if err := writeHeaderField(&resp, "Sec-WebSocket-Accept", accept); err != nil {
		return nil, err
	}
	if subprotocol != "" {
		if err := writeHeaderField(&resp, "Sec-WebSocket-Protocol", subprotocol); err != nil {
			return nil, err
		}
	}
	if acceptedExtHeader != "" {
		if err := writeHeaderField(&resp, "Sec-WebSocket-Extensions", acceptedExtHeader); err != nil {
			return nil, err
		}
	}
	resp.WriteString("\r\n")

	if _, err := conn.Write(resp.Bytes()); err != nil {
		return nil, fmt.Errorf("websocket: write handshake response: %w", err)
	}

	writer := bufio.NewWriterSize(conn, cfg.WriteBufferSize)
	return newConn(conn, br, writer, RoleServer, cfg, exts), nil
}

// UpgradeHTTP adapts a net/http handler to the WebSocket handshake: it
// hijacks the underlying connection and makes the same request checks and
// 101 response as AcceptRaw, reusing whatever bytes net/http has already
// buffered. It does not negotiate extensions: EnableDeflate is ignored and
// the returned Conn has none.
// This is the one piece of genuinely net/http-specific plumbing kept from
// the teacher's Upgrade, since hijacking is unavoidably coupled to
// net/http's ResponseWriter.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request, opts *ServerHandshakeOptions) (*Conn, error) {
	if opts == nil {
		opts = &ServerHandshakeOptions{}
	}
	cfg := opts.Config
	if cfg.ReadBufferSize == 0 {
		cfg = ServerConfig()
	}

	if r.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}
	if r.ProtoMajor != 1 || r.ProtoMinor != 1 {
		return nil, ErrMalformedRequestLine
	}
	if err := checkDuplicateSecurityHeaders(r.Header); err != nil {
		return nil, err
	}
	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, ErrInvalidVersion
	}
	if r.Host == "" {
		return nil, ErrMalformedRequestLine
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingSecKey
	}
	if err := validateSecWebSocketKey(key); err != nil {
		return nil, err
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r.Header.Get("Origin"), r.Host) {
		return nil, ErrOriginDenied
	}

	subprotocol := negotiateSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"), opts.Subprotocols)
	accept := computeAcceptKey(key)

	if subprotocol != "" && strings.ContainsAny(subprotocol, "\r\n") {
		return nil, fmt.Errorf("%w: Sec-WebSocket-Protocol", ErrInvalidHeaderValue)
	}
	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	var reader *bufio.Reader
	if bufrw.Reader.Size() >= cfg.ReadBufferSize {
		reader = bufrw.Reader
	} else {
		reader = bufio.NewReaderSize(bufrw.Reader, cfg.ReadBufferSize)
	}
	writer := bufio.NewWriterSize(netConn, cfg.WriteBufferSize)

	return newConn(netConn, reader, writer, RoleServer, cfg, newExtensionRegistry()), nil
}

// ClientHandshakeOptions configures DialRaw client-side behavior.
type ClientHandshakeOptions struct {
	Host          string
	Path          string
	Subprotocols  []string
	Config        Config
	EnableDeflate bool
}

// DialRaw performs the client side of the RFC 6455 Section 4 opening
// handshake over an already-connected conn (e.g. from net.Dial or
// tls.Dial), again independent of net/http.
func DialRaw(conn net.Conn, opts *ClientHandshakeOptions) (*Conn, error) {
	if opts == nil {
		opts = &ClientHandshakeOptions{}
	}
	cfg := opts.Config
	if cfg.ReadBufferSize == 0 {
		cfg = ClientConfig()
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}

	// RFC 6455 Section 4.1: Sec-WebSocket-Key MUST be a 16-byte value,
	// selected randomly for each connection. maskGenerator only mints 4
	// bytes at a time (a frame mask key), so the nonce is drawn straight
	// from crypto/rand instead of reusing it.
	var keyBytes [16]byte
	if _, err := rand.Read(keyBytes[:]); err != nil {
		return nil, fmt.Errorf("websocket: generate handshake key: %w", err)
	}
	clientKey := base64.StdEncoding.EncodeToString(keyBytes[:])

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", opts.Host)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", clientKey)
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(opts.Subprotocols) > 0 {
		fmt.Fprintf(&req, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(opts.Subprotocols, ", "))
	}
	exts := newExtensionRegistry()
	if opts.EnableDeflate {
		_ = exts.add(newDeflateExtension(RoleClient, cfg.Limits))
		if header := exts.offerHeader(); header != "" {
			fmt.Fprintf(&req, "Sec-WebSocket-Extensions: %s\r\n", header)
		}
	}
	req.WriteString("\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("websocket: write handshake request: %w", err)
	}

	br := bufio.NewReaderSize(conn, cfg.ReadBufferSize)
	resp, err := readHandshakeResponse(br, cfg.Limits)
	if err != nil {
		return nil, err
	}
	if resp.statusCode != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.statusCode)
	}
	if computeAcceptKey(clientKey) != resp.headers.Get("Sec-WebSocket-Accept") {
		return nil, ErrAcceptMismatch
	}

	if extHeader := resp.headers.Get("Sec-WebSocket-Extensions"); extHeader != "" {
		offers := parseExtensionOfferHeader(extHeader)
		if err := exts.configure(offers); err != nil {
			return nil, err
		}
	}

	writer := bufio.NewWriterSize(conn, cfg.WriteBufferSize)
	return newConn(conn, br, writer, RoleClient, cfg, exts), nil
}

// CheckSameOrigin is a default origin checker suitable for
// ServerHandshakeOptions.CheckOrigin: it accepts requests with no Origin
// header (non-browser clients) and requires a browser Origin to match the
// request's own host over some scheme.
func CheckSameOrigin(origin, host string) bool {
	if origin == "" {
		return true
	}
	for _, scheme := range [...]string{"http", "https"} {
		if origin == scheme+"://"+host {
			return true
		}
	}
	return false
}
