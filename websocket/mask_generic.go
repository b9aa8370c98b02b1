//go:build !amd64 && !arm64

package websocket

// On architectures without a dedicated dispatch file, maskBytes stays at
// its initial assignment in mask.go: maskBytesScalar. That function is
// portable and correct on every architecture Go targets.
