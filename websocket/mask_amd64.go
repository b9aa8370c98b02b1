//go:build amd64

package websocket

import "golang.org/x/sys/cpu"

// init selects the widest masking tier the running CPU advertises.
//
// Grounded on MiraiMindz-watt/shockwave/pkg/shockwave/websocket/mask_amd64.go's
// cpu.X86.HasAVX2-gated dispatcher pattern: probe a real feature flag, swap
// the package-level function variable once at startup. Unlike shockwave's
// stub, neither tier here is real AVX2/SSE2 assembly (see DESIGN.md) — both
// AVX2 and SSE2 map to the same pure-Go 64-bit-word chunked XOR loop, since
// authoring real assembly without a toolchain to verify it against would be
// unverifiable fabrication. The dispatch architecture is kept faithful even
// though the payload is not.
func init() {
	if cpu.X86.HasAVX2 || cpu.X86.HasSSE2 {
		maskBytes = maskBytesWide64
	}
}
