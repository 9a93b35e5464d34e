// Package testing switches binaries into test mode when imported for side
// effects from a test package.
package testing

import (
	"os"
	"sync"
)

const testModeEnv = "LEDGER_TEST_MODE"

var once sync.Once

// Enable sets the test mode flag. It runs on import and is safe to call again.
func Enable() {
	once.Do(func() {
		_ = os.Setenv(testModeEnv, "1")
	})
}

func init() {
	Enable()
}
