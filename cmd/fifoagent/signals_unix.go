//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

var debugSignals = []os.Signal{unix.SIGUSR1}
