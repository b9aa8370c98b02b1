package websocket

// validateIncomingFrame enforces the structural rules a frame must satisfy
// before it is handed to the assembler: masking obligations tied to the
// peer's role, and RSV-bit ownership against whatever extensions were
// negotiated for this connection.
//
// New component: in the teacher these checks were inlined (partially) in
// readFrame and never considered negotiated extensions at all, since the
// teacher rejected any RSV bit outright. Grounded on spec.md Section 4.4
// and on original_source/src/connection/role.rs's must_mask/expects_masked.
func validateIncomingFrame(f *frame, role Role, acceptUnmasked bool, exts *extensionRegistry) error {
	if role.expectsMasked() && !f.masked && !acceptUnmasked {
		return ErrMaskRequired
	}
	if !role.expectsMasked() && f.masked {
		return ErrMaskUnexpected
	}

	if f.rsv1 || f.rsv2 || f.rsv3 {
		claimed := rsvBits{}
		if exts != nil {
			claimed = exts.negotiatedRSVBits()
		}
		if f.rsv1 && !claimed.rsv1 {
			return ErrExtensionNotNegotiated
		}
		if f.rsv2 && !claimed.rsv2 {
			return ErrReservedBits
		}
		if f.rsv3 && !claimed.rsv3 {
			return ErrReservedBits
		}
	}

	return nil
}

// validateOutgoingFrame is the write-side mirror: outgoing frames are
// generated by this package's own connection code, so the only thing worth
// double-checking before it hits the wire is that control frames still
// satisfy RFC 6455 Section 5.5 after any extension encoding step (which
// must never touch control frames in the first place).
func validateOutgoingFrame(f *frame) error {
	if isControlFrame(f.opcode) {
		if !f.fin {
			return ErrControlFragmented
		}
		if len(f.payload) > maxControlPayload {
			return ErrControlTooLarge
		}
	}
	return nil
}
