package authkitpg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// testContext mirrors testing.T.Context (Go 1.24+) for the Go 1.21 toolchain:
// the returned context is canceled when the test finishes.
func testContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// cleanupContainer mirrors testcontainers.CleanupContainer (v0.34+), which is
// unavailable in the Go 1.21 compatible testcontainers release.
func cleanupContainer(t testing.TB, container testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		if container == nil {
			return
		}
		require.NoError(t, container.Terminate(context.Background()))
	})
}
