//go:build !linux

package hptimer

import (
	"runtime"
	"time"
)

// spinThreshold последний участок ожидания выполняется активно:
// разрешение time.Sleep на этих платформах около миллисекунды
const spinThreshold = 2 * time.Millisecond

var processStart = time.Now()

// monotonicNow монотонное время от старта процесса в наносекундах
func monotonicNow() int64 {
	return int64(time.Since(processStart))
}

func waitUntil(deadline int64) {
	if d := time.Duration(deadline-monotonicNow()) - spinThreshold; d > 0 {
		time.Sleep(d)
	}
	for monotonicNow() < deadline {
		runtime.Gosched()
	}
}
