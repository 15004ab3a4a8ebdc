package ptp

import (
	"fmt"
	"time"
)

const nanosPerSecond = int64(time.Second)

// Timestamp время с фиксированной точкой (секунды + наносекунды).
// После любой арифметической операции Nanoseconds лежит в [0, 1e9),
// знак значения целиком переносится в Seconds.
type Timestamp struct {
	Seconds     int64
	Nanoseconds int64
}

// NewTimestamp создает нормализованную временную метку
func NewTimestamp(seconds, nanoseconds int64) Timestamp {
	seconds += nanoseconds / nanosPerSecond
	nanoseconds %= nanosPerSecond
	if nanoseconds < 0 {
		nanoseconds += nanosPerSecond
		seconds--
	}
	return Timestamp{Seconds: seconds, Nanoseconds: nanoseconds}
}

// TimestampFromNanos создает метку из плоского количества наносекунд
func TimestampFromNanos(nanos int64) Timestamp {
	return NewTimestamp(0, nanos)
}

// TimestampFromTime переводит time.Time в метку от эпохи Unix
func TimestampFromTime(t time.Time) Timestamp {
	return NewTimestamp(t.Unix(), int64(t.Nanosecond()))
}

// TotalNanos возвращает метку как плоское количество наносекунд
func (t Timestamp) TotalNanos() int64 {
	return t.Seconds*nanosPerSecond + t.Nanoseconds
}

// Add складывает две метки
func (t Timestamp) Add(o Timestamp) Timestamp {
	return NewTimestamp(t.Seconds+o.Seconds, t.Nanoseconds+o.Nanoseconds)
}

// Sub вычитает o из t
func (t Timestamp) Sub(o Timestamp) Timestamp {
	return NewTimestamp(t.Seconds-o.Seconds, t.Nanoseconds-o.Nanoseconds)
}

// Div делит метку на целое. Остаток секунд переносится в наносекунды,
// поэтому результат не теряет точность на больших значениях.
func (t Timestamp) Div(n int64) Timestamp {
	if n == 0 {
		panic("ptp: деление метки времени на ноль")
	}
	s := t.Seconds / n
	rem := t.Seconds % n
	return NewTimestamp(s, (rem*nanosPerSecond+t.Nanoseconds)/n)
}

// Neg возвращает метку с противоположным знаком
func (t Timestamp) Neg() Timestamp {
	return NewTimestamp(-t.Seconds, -t.Nanoseconds)
}

// Abs возвращает абсолютное значение
func (t Timestamp) Abs() Timestamp {
	if t.Seconds < 0 {
		return t.Neg()
	}
	return t
}

// Compare возвращает -1, 0 или 1
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Seconds < o.Seconds:
		return -1
	case t.Seconds > o.Seconds:
		return 1
	case t.Nanoseconds < o.Nanoseconds:
		return -1
	case t.Nanoseconds > o.Nanoseconds:
		return 1
	}
	return 0
}

// Before сообщает, что t раньше o
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// After сообщает, что t позже o
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// IsZero проверяет нулевое значение
func (t Timestamp) IsZero() bool { return t.Seconds == 0 && t.Nanoseconds == 0 }

// Duration переводит метку в time.Duration (для разностей и смещений)
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t.TotalNanos())
}

// Time переводит метку в time.Time от эпохи Unix
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, t.Nanoseconds)
}

func (t Timestamp) String() string {
	if t.Seconds < 0 {
		a := t.Neg()
		return fmt.Sprintf("-%d.%09d", a.Seconds, a.Nanoseconds)
	}
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanoseconds)
}
