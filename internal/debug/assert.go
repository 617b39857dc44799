package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth does not hold. msg is optional (at most one);
// many call sites are self-explanatory enough without it.
//
// NOTE(blukai): shape borrowed from go/types' assert; arrow's parquet has a
// build-tag scheme for compiling assertions out, should that ever matter:
// https://sourcegraph.com/github.com/apache/arrow/-/blob/go/parquet/internal/debug/assert_off.go
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		msg := fmt.Sprintf("assertion failed(%s)", msg)
		// name the assertion site; panic recovery buries it mid-stack
		// otherwise
		if _, file, line, ok := runtime.Caller(1); ok {
			msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
		}
		panic(msg)
	}
}
