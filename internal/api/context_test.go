package api

import (
	"context"
	"testing"
)

// testCtx returns a context canceled when the test finishes (t.Context on Go 1.24+).
func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
