// Package debug provides gated diagnostic logging for hookwire.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("HOOKWIRE_DEBUG") != ""
	verboseMode = false
)

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
