package aes67

import (
	"fmt"
)

// ErrorCode типизированные коды ошибок менеджера каналов
type ErrorCode int

const (
	// Ошибки конфигурации
	ErrorCodeInvalidConfig ErrorCode = iota + 2000
	ErrorCodeUnsupportedSampleRate
	ErrorCodeUnsupportedBitDepth
	ErrorCodeUnsupportedPacketTime
	ErrorCodeUnsupportedChannels

	// Ошибки ресурсов
	ErrorCodeSSRCExhausted
	ErrorCodeMulticastExhausted

	// Ошибки состояния
	ErrorCodeManagerNotStarted
	ErrorCodeManagerAlreadyStarted
	ErrorCodeChannelNotFound
	ErrorCodeChannelStopped

	// Сетевые ошибки
	ErrorCodeTransportFailed
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeUnsupportedSampleRate:
		return "UnsupportedSampleRate"
	case ErrorCodeUnsupportedBitDepth:
		return "UnsupportedBitDepth"
	case ErrorCodeUnsupportedPacketTime:
		return "UnsupportedPacketTime"
	case ErrorCodeUnsupportedChannels:
		return "UnsupportedChannels"
	case ErrorCodeSSRCExhausted:
		return "SSRCExhausted"
	case ErrorCodeMulticastExhausted:
		return "MulticastExhausted"
	case ErrorCodeManagerNotStarted:
		return "ManagerNotStarted"
	case ErrorCodeManagerAlreadyStarted:
		return "ManagerAlreadyStarted"
	case ErrorCodeChannelNotFound:
		return "ChannelNotFound"
	case ErrorCodeChannelStopped:
		return "ChannelStopped"
	case ErrorCodeTransportFailed:
		return "TransportFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка менеджера каналов с кодом и SSRC потока
type Error struct {
	Code    ErrorCode
	Message string
	SSRC    uint32 // 0 если ошибка не относится к потоку
	Wrapped error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	if e.SSRC != 0 {
		return fmt.Sprintf("[aes67:%s] поток %08X: %s", e.Code, e.SSRC, msg)
	}
	return fmt.Sprintf("[aes67:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code ErrorCode, ssrc uint32, wrapped error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		SSRC:    ssrc,
		Wrapped: wrapped,
	}
}

// Сравнимые значения для errors.Is
var (
	ErrManagerNotStarted  = &Error{Code: ErrorCodeManagerNotStarted}
	ErrChannelNotFound    = &Error{Code: ErrorCodeChannelNotFound}
	ErrChannelStopped     = &Error{Code: ErrorCodeChannelStopped}
	ErrSSRCExhausted      = &Error{Code: ErrorCodeSSRCExhausted}
	ErrMulticastExhausted = &Error{Code: ErrorCodeMulticastExhausted}
)

// HasErrorCode проверяет код ошибки в цепочке
func HasErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
