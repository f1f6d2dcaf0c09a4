package config

import (
	"fmt"
	"io"
	"os"
)

var (
	exitStderr io.Writer = os.Stderr
	exitFunc             = os.Exit
)

// Exitf prints a fatal message to stderr and terminates the process with
// status 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(exitStderr, format+"\n", args...)
	exitFunc(1)
}
