// Package groutine provides small helpers for named goroutines and goroutine
// identity, used by the per-adapter dispatch loop.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

// Go starts a goroutine labelled with name so it is identifiable in pprof
// dumps. A nil parentCtx falls back to context.Background().
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parentCtx, labels, fn)
}

// GetGID returns the numeric id of the calling goroutine, parsed from the
// stack header. Zero is returned when the header cannot be parsed.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
