package elmer

/*
 * Shared helpers for the package tests.
 */

import (
	"io"

	"github.com/charmbracelet/log"
)

// testLogger returns a logger that swallows everything so test output
// stays readable.  Failures are reported through testing.T, not logs.
func testLogger() *log.Logger {
	return log.New(io.Discard)
}
