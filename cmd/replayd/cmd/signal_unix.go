//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// saveSignals trigger a background export in the running daemon.
var saveSignals = []os.Signal{syscall.SIGUSR1}
