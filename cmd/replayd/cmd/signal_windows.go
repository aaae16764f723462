//go:build windows

package cmd

import "os"

var saveSignals []os.Signal
