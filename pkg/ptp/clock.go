package ptp

import "time"

// Clock источник "сырого" локального времени
type Clock interface {
	Now() Timestamp
}

// SystemClock монотонные часы, привязанные к эпохе Unix в момент создания.
// Прыжки системного времени после запуска не влияют на показания.
type SystemClock struct {
	base time.Time
}

// NewSystemClock создает системные часы
func NewSystemClock() *SystemClock {
	return &SystemClock{base: time.Now()}
}

// Now возвращает base + монотонно прошедшее время
func (c *SystemClock) Now() Timestamp {
	return TimestampFromTime(c.base).Add(TimestampFromNanos(int64(time.Since(c.base))))
}
