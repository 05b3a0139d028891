// Package prop reads process-wide debug properties. Values are read
// once on first use and memoized for the life of the process.
package prop

import (
	"os"
	"strconv"
	"sync"
)

var (
	latchUnsignaledOnce sync.Once
	latchUnsignaled     bool
)

// LatchUnsignaled reports whether the SURFACEQ_LATCH_UNSIGNALED
// property is set to a nonzero integer, forcing head-fence checks to
// pass. Read once per process.
func LatchUnsignaled() bool {
	latchUnsignaledOnce.Do(func() {
		latchUnsignaled = Int("SURFACEQ_LATCH_UNSIGNALED", 0) != 0
	})
	return latchUnsignaled
}

// Int reads an integer property from the environment, returning def
// when unset or unparsable.
func Int(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
