//go:build linux

package hptimer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// monotonicNow время CLOCK_MONOTONIC в наносекундах
func monotonicNow() int64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano()
}

// waitUntil спит до абсолютного срока по CLOCK_MONOTONIC
func waitUntil(deadline int64) {
	ts := unix.NsecToTimespec(deadline)
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &ts, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}
