// Package testing puts the process in test mode when blank-imported, so
// packages that consult app.InTestMode never reach for live services.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var testDefaults = map[string]string{
	"VERITY_TEST_MODE": "1",
	"LOG_LEVEL":        "error",
	"REDIS_ADDR":       "127.0.0.1:0",
	"NATS_URL":         "nats://127.0.0.1:0",
}

var once sync.Once

func applyDefaults() {
	once.Do(func() {
		for key, value := range testDefaults {
			if key != "VERITY_TEST_MODE" && os.Getenv(key) != "" {
				continue
			}
			_ = os.Setenv(key, value)
		}
	})
}

func init() {
	applyDefaults()
}

func TestMain(m *stdtesting.M) {
	applyDefaults()
	os.Exit(m.Run())
}
