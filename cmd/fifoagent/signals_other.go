//go:build !unix

package main

import "os"

var debugSignals []os.Signal
