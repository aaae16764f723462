// Package main is the entry point for replayd.
//
// replayd keeps the last few minutes of screen video and system audio
// encoded in memory and writes them to a clip file on demand.
package main

import (
	"os"

	"github.com/jmylchreest/replayd/cmd/replayd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
