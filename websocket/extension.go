package websocket

import (
	"strings"
)

// extensionParam is a single name[=value] pair inside an extension offer,
// e.g. "client_max_window_bits=15" or the valueless flag
// "client_no_context_takeover".
//
// Grounded on original_source/src/extensions/mod.rs's ExtensionParam.
type extensionParam struct {
	name  string
	value string
	isSet bool // distinguishes a bare flag from value == ""
}

func newExtensionParam(name string) extensionParam {
	return extensionParam{name: name}
}

func newExtensionParamWithValue(name, value string) extensionParam {
	return extensionParam{name: name, value: value, isSet: true}
}

// parseExtensionParam parses "name" or "name=value", trimming surrounding
// whitespace and quotes from the value per RFC 7230's quoted-string
// allowance in HTTP header parameters.
func parseExtensionParam(s string) extensionParam {
	s = strings.TrimSpace(s)
	idx := strings.IndexByte(s, '=')
	if idx < 0 {
		return newExtensionParam(s)
	}
	name := strings.TrimSpace(s[:idx])
	value := strings.TrimSpace(s[idx+1:])
	value = strings.Trim(value, `"`)
	return newExtensionParamWithValue(name, value)
}

func (p extensionParam) String() string {
	if !p.isSet {
		return p.name
	}
	return p.name + "=" + p.value
}

// extensionOffer is one comma-separated item from a Sec-WebSocket-Extensions
// header: an extension name followed by zero or more semicolon-separated
// parameters.
//
// Grounded on original_source/src/extensions/mod.rs's ExtensionOffer.
type extensionOffer struct {
	name   string
	params []extensionParam
}

func newExtensionOffer(name string) extensionOffer {
	return extensionOffer{name: name}
}

// parseExtensionOffer parses a single "name; param1; param2=value" item.
func parseExtensionOffer(s string) extensionOffer {
	parts := strings.Split(s, ";")
	offer := newExtensionOffer(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		offer.params = append(offer.params, parseExtensionParam(p))
	}
	return offer
}

// parseExtensionOfferHeader splits a full Sec-WebSocket-Extensions header
// value on commas into individual offers.
func parseExtensionOfferHeader(header string) []extensionOffer {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var offers []extensionOffer
	for _, item := range strings.Split(header, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		offers = append(offers, parseExtensionOffer(item))
	}
	return offers
}

func (o extensionOffer) getParam(name string) (extensionParam, bool) {
	for _, p := range o.params {
		if p.name == name {
			return p, true
		}
	}
	return extensionParam{}, false
}

func (o extensionOffer) hasParam(name string) bool {
	_, ok := o.getParam(name)
	return ok
}

func (o extensionOffer) String() string {
	var b strings.Builder
	b.WriteString(o.name)
	for _, p := range o.params {
		b.WriteString("; ")
		b.WriteString(p.String())
	}
	return b.String()
}

// rsvBits marks which of the three reserved frame header bits an extension
// claims for its own use. Grounded on
// original_source/src/extensions/mod.rs's RsvBits.
type rsvBits struct {
	rsv1, rsv2, rsv3 bool
}

// noneRSV is the zero value: an extension (or connection) that uses none
// of the reserved bits.
var noneRSV = rsvBits{}

// rsv1Only is the bit permessage-deflate claims (RFC 7692 Section 6).
var rsv1Only = rsvBits{rsv1: true}

func (b rsvBits) conflictsWith(other rsvBits) bool {
	return (b.rsv1 && other.rsv1) || (b.rsv2 && other.rsv2) || (b.rsv3 && other.rsv3)
}

func (b rsvBits) union(other rsvBits) rsvBits {
	return rsvBits{
		rsv1: b.rsv1 || other.rsv1,
		rsv2: b.rsv2 || other.rsv2,
		rsv3: b.rsv3 || other.rsv3,
	}
}

// extension is the behavior every negotiable WebSocket extension (at
// present, only permessage-deflate) must implement.
//
// Grounded on original_source/src/extensions/mod.rs's Extension trait.
type extension interface {
	// name is the identifier used in Sec-WebSocket-Extensions, e.g.
	// "permessage-deflate".
	name() string
	// rsvBits reports which reserved header bits this extension claims.
	rsvBits() rsvBits
	// negotiate is called server-side with the client's offered params for
	// this extension and returns the params the server accepts (which are
	// echoed back to the client), or an error if the offer cannot be
	// satisfied.
	negotiate(params []extensionParam) ([]extensionParam, error)
	// configure is called client-side with the server's accepted params,
	// finalizing the extension's runtime configuration.
	configure(params []extensionParam) error
	// encode transforms an outgoing message frame in place (e.g.
	// compressing the payload and setting RSV1).
	encode(f *frame) error
	// decode reverses encode on an incoming frame.
	decode(f *frame) error
	// offerParams returns the params a client should offer for this
	// extension; empty for extensions with no negotiable parameters.
	offerParams() []extensionParam
}

// extensionRegistry tracks the extensions a connection knows about and, of
// those, which were actually negotiated for this specific connection.
//
// Grounded on original_source/src/extensions/mod.rs's ExtensionRegistry.
type extensionRegistry struct {
	extensions  []extension
	usedRSV     rsvBits
	negotiated  []int // indices into extensions, in negotiation order
}

func newExtensionRegistry() *extensionRegistry {
	return &extensionRegistry{}
}

// add registers ext, rejecting it if its RSV-bit claim collides with an
// already-registered extension.
func (r *extensionRegistry) add(ext extension) error {
	bits := ext.rsvBits()
	if r.usedRSV.conflictsWith(bits) {
		return ErrExtensionRSVConflict
	}
	r.usedRSV = r.usedRSV.union(bits)
	r.extensions = append(r.extensions, ext)
	return nil
}

func (r *extensionRegistry) len() int { return len(r.extensions) }

func (r *extensionRegistry) negotiatedCount() int { return len(r.negotiated) }

// negotiatedRSVBits reports the union of RSV bits claimed by extensions
// actually negotiated (not merely registered) on this connection.
func (r *extensionRegistry) negotiatedRSVBits() rsvBits {
	var bits rsvBits
	for _, idx := range r.negotiated {
		bits = bits.union(r.extensions[idx].rsvBits())
	}
	return bits
}

// offerHeader builds the Sec-WebSocket-Extensions request header value a
// client should send, offering every registered extension.
func (r *extensionRegistry) offerHeader() string {
	if len(r.extensions) == 0 {
		return ""
	}
	var parts []string
	for _, ext := range r.extensions {
		offer := newExtensionOffer(ext.name())
		offer.params = ext.offerParams()
		parts = append(parts, offer.String())
	}
	return strings.Join(parts, ", ")
}

// negotiate runs server-side: for each client offer (in the order the
// client sent them), find a matching registered extension by name,
// negotiate it, and track it as accepted. Returns the accepted offers in
// the same order, ready to be echoed to the client.
func (r *extensionRegistry) negotiate(offers []extensionOffer) ([]extensionOffer, error) {
	var accepted []extensionOffer
	for _, offer := range offers {
		for i, ext := range r.extensions {
			if ext.name() != offer.name {
				continue
			}
			params, err := ext.negotiate(offer.params)
			if err != nil {
				return nil, err
			}
			if err := ext.configure(params); err != nil {
				return nil, err
			}
			r.negotiated = append(r.negotiated, i)
			accepted = append(accepted, extensionOffer{name: ext.name(), params: params})
			break
		}
	}
	return accepted, nil
}

// configure runs client-side: for each extension the server accepted (in
// response order), find the matching registered extension by name and
// finalize its configuration with the server's chosen params.
func (r *extensionRegistry) configure(responses []extensionOffer) error {
	for _, resp := range responses {
		for i, ext := range r.extensions {
			if ext.name() != resp.name {
				continue
			}
			if err := ext.configure(resp.params); err != nil {
				return err
			}
			r.negotiated = append(r.negotiated, i)
			break
		}
	}
	return nil
}

// encode runs every negotiated extension's encode step over f, in
// negotiation order, so an extension that depends on an earlier one's
// output (there are none yet, but the ordering contract matters for
// correctness going forward) sees a consistent pipeline.
func (r *extensionRegistry) encode(f *frame) error {
	for _, idx := range r.negotiated {
		if err := r.extensions[idx].encode(f); err != nil {
			return err
		}
	}
	return nil
}

// decode runs every negotiated extension's decode step over f in REVERSE
// negotiation order, undoing the encode pipeline correctly (last encoded,
// first decoded) — grounded on
// original_source/src/extensions/mod.rs's ExtensionRegistry::decode.
func (r *extensionRegistry) decode(f *frame) error {
	for i := len(r.negotiated) - 1; i >= 0; i-- {
		if err := r.extensions[r.negotiated[i]].decode(f); err != nil {
			return err
		}
	}
	return nil
}

// responseHeader builds the Sec-WebSocket-Extensions response header value
// a server should send back, given the offers it accepted.
func responseHeader(accepted []extensionOffer) string {
	if len(accepted) == 0 {
		return ""
	}
	var parts []string
	for _, offer := range accepted {
		parts = append(parts, offer.String())
	}
	return strings.Join(parts, ", ")
}
