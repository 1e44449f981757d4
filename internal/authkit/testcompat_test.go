package authkit

import (
	"context"
	"testing"
)

// testContext mirrors testing.T.Context (Go 1.24+) for the Go 1.21 toolchain:
// the returned context is canceled when the test finishes.
func testContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
