//go:build arm64

package websocket

import "golang.org/x/sys/cpu"

// init selects the widest masking tier the running CPU advertises.
//
// ARM64 always implements NEON, so this tier is unconditional on the
// architecture; an SVE-capable core additionally could run a wider lane
// width, but (as on amd64) no real vector assembly is authored here — see
// DESIGN.md. cpu.ARM64.HasASIMD is probed anyway to keep the dispatch
// structure genuine and ready for a real assembly tier to be dropped in
// later.
func init() {
	if cpu.ARM64.HasASIMD {
		maskBytes = maskBytesWide64
	}
}
