package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/arzzra/aes67/pkg/mcast"
	"github.com/pion/rtp"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize = 1500 // Максимальный размер (MTU)

	ExpectedRTPVersion = 2

	// DefaultPort порт AES67 RTP потоков
	DefaultPort = 5004
)

// ErrTransportClosed транспорт закрыт
var ErrTransportClosed = errors.New("rtp: транспорт не активен")

// Transport определяет интерфейс отправки RTP пакетов
type Transport interface {
	// Send отправляет RTP пакет
	Send(packet *rtp.Packet) error

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// Close закрывает транспорт
	Close() error
}

// TransportConfig конфигурация multicast транспорта
type TransportConfig struct {
	LocalAddr string // IPv4 адрес интерфейса отправки
	Group     string // Multicast группа назначения
	Port      int    // Порт назначения (0 - DefaultPort)
	TTL       int
	Loopback  bool
}

// MulticastTransport отправляет RTP пакеты в multicast группу
type MulticastTransport struct {
	conn   *mcast.Conn
	config TransportConfig

	active bool
	mutex  sync.RWMutex
}

// NewMulticastTransport открывает сокет отправки на заданном интерфейсе
func NewMulticastTransport(ctx context.Context, config TransportConfig) (*MulticastTransport, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}

	conn, err := mcast.Dial(ctx, mcast.Config{
		Group:     config.Group,
		Port:      config.Port,
		LocalAddr: config.LocalAddr,
		TTL:       config.TTL,
		Loopback:  config.Loopback,
		DSCP:      mcast.DSCPAssuredForwarding41,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания RTP транспорта %s:%d: %w", config.Group, config.Port, err)
	}

	return &MulticastTransport{
		conn:   conn,
		config: config,
		active: true,
	}, nil
}

// Send отправляет RTP пакет в группу
func (t *MulticastTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active := t.active
	t.mutex.RUnlock()

	if !active {
		return ErrTransportClosed
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	if err := validatePacketSize(len(data)); err != nil {
		return fmt.Errorf("невалидный размер исходящего пакета: %w", err)
	}

	if err := t.conn.Send(data); err != nil {
		return classifySendError(t.conn.Group().String(), err)
	}
	return nil
}

// LocalAddr возвращает локальный адрес
func (t *MulticastTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Destination группа и порт назначения
func (t *MulticastTransport) Destination() *net.UDPAddr {
	return t.conn.Group()
}

// Close закрывает транспорт. Повторный вызов безопасен.
func (t *MulticastTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive проверяет активность транспорта
func (t *MulticastTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// validatePacketSize проверяет размер пакета
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	if header.Padding || header.Extension || len(header.CSRC) > 0 {
		return fmt.Errorf("AES67 пакет не должен содержать padding, расширений и CSRC")
	}
	return nil
}

// SendErrorKind причина неудачной отправки
type SendErrorKind int

const (
	SendErrorUnknown     SendErrorKind = iota
	SendErrorTimeout                   // Истек дедлайн записи
	SendErrorUnreachable               // Нет маршрута к группе или переполнен буфер интерфейса
	SendErrorClosed                    // Сокет закрыт
	SendErrorRejected                  // Ядро отклонило пакет (права, параметры)
)

func (k SendErrorKind) String() string {
	switch k {
	case SendErrorTimeout:
		return "timeout"
	case SendErrorUnreachable:
		return "unreachable"
	case SendErrorClosed:
		return "closed"
	case SendErrorRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SendError ошибка отправки в группу с причиной
type SendError struct {
	Kind  SendErrorKind
	Group string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("rtp: отправка в %s (%s): %v", e.Group, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable временная ли ошибка: следующий пакет может уйти успешно
func (e *SendError) Retryable() bool {
	return e.Kind == SendErrorTimeout || e.Kind == SendErrorUnreachable
}

// classifySendError определяет причину ошибки записи в сокет
func classifySendError(group string, err error) error {
	if err == nil {
		return nil
	}

	kind := SendErrorUnknown
	msg := err.Error()
	switch {
	case mcast.IsTimeout(err):
		kind = SendErrorTimeout
	case mcast.IsClosed(err):
		kind = SendErrorClosed
	case containsAny(msg, "network is unreachable", "host is unreachable", "no route to host", "no buffer space"):
		kind = SendErrorUnreachable
	case containsAny(msg, "invalid argument", "permission denied", "operation not supported"):
		kind = SendErrorRejected
	}
	return &SendError{Kind: kind, Group: group, Err: err}
}

// IsRetryable сообщает, что ошибка отправки временная
func IsRetryable(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Retryable()
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
