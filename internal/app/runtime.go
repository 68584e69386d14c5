package app

import (
	"os"
	"sync/atomic"
)

const testModeEnv = "VERITY_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether VERITY_TEST_MODE=1. The binaries return before
// dialing Postgres, Redis or NATS when it is set. The value is read once and
// cached until RefreshTestMode.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads the environment and returns the new value.
func RefreshTestMode() bool {
	v := os.Getenv(testModeEnv) == "1"
	testMode.Store(&v)
	return v
}
