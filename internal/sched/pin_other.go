//go:build !linux

package sched

import (
	"errors"
	"runtime"
)

func pinThread(int) error {
	runtime.LockOSThread()
	return errors.New("cpu affinity is only supported on linux")
}
