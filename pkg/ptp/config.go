package ptp

import (
	"fmt"
	"math"
	"net"
	"time"
)

const (
	EventPort   = 319
	GeneralPort = 320

	// DefaultAnnounceTimeout время жизни записи о часах без нового Announce
	DefaultAnnounceTimeout = 5 * time.Second
)

// multicastGroups группы PTP, индекс выбирается номером домена
var multicastGroups = [...]string{"224.0.1.129", "224.0.1.130", "224.0.1.131", "224.0.1.132"}

// Port сокет движка: event (319) или general (320)
type Port int

const (
	PortEvent Port = iota
	PortGeneral
)

// Number номер UDP порта
func (p Port) Number() int {
	if p == PortEvent {
		return EventPort
	}
	return GeneralPort
}

func (p Port) String() string {
	if p == PortEvent {
		return "event"
	}
	return "general"
}

// Config параметры движка синхронизации
type Config struct {
	Domain    uint8  // Домен, 0-3; выбирает multicast группу
	LocalAddr string // IPv4 адрес интерфейса ("" - по умолчанию)
	Identity  ClockID

	Priority1     uint8
	Priority2     uint8
	ClockClass    uint8
	ClockAccuracy uint8
	ClockVariance uint16

	AnnounceLogInterval int8          // log2 секунд между Announce
	SyncLogInterval     int8          // log2 секунд между Sync
	AnnounceTimeout     time.Duration // Без Announce дольше этого часы считаются пропавшими
	ResyncInterval      time.Duration // Минимальный интервал между раундами синхронизации (0 - интервал Sync)
	ReceiveTimeout      time.Duration // Таймаут чтения сокетов
	Loopback            bool          // Получать собственные multicast пакеты
}

// DefaultConfig настройки по умолчанию профиля AES67 media
func DefaultConfig() Config {
	return Config{
		Domain:              0,
		Priority1:           128,
		Priority2:           128,
		ClockClass:          248,
		ClockAccuracy:       0xFE,
		ClockVariance:       0xFFFF,
		AnnounceLogInterval: 1,
		SyncLogInterval:     -3,
		AnnounceTimeout:     DefaultAnnounceTimeout,
		ReceiveTimeout:      100 * time.Millisecond,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if int(c.Domain) >= len(multicastGroups) {
		return fmt.Errorf("ptp: домен %d вне диапазона 0-%d", c.Domain, len(multicastGroups)-1)
	}
	if c.AnnounceLogInterval < -3 || c.AnnounceLogInterval > 4 {
		return fmt.Errorf("ptp: announce log interval %d вне диапазона [-3, 4]", c.AnnounceLogInterval)
	}
	if c.SyncLogInterval < -7 || c.SyncLogInterval > 4 {
		return fmt.Errorf("ptp: sync log interval %d вне диапазона [-7, 4]", c.SyncLogInterval)
	}
	if c.AnnounceTimeout <= 0 {
		return fmt.Errorf("ptp: announce timeout должен быть положительным")
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("ptp: receive timeout должен быть положительным")
	}
	if c.LocalAddr != "" && net.ParseIP(c.LocalAddr) == nil {
		return fmt.Errorf("ptp: некорректный локальный адрес %q", c.LocalAddr)
	}
	return nil
}

// MulticastGroup адрес группы домена
func (c *Config) MulticastGroup() string {
	return multicastGroups[c.Domain]
}

// SyncInterval период Sync
func (c *Config) SyncInterval() time.Duration {
	return logIntervalDuration(c.SyncLogInterval)
}

// AnnounceInterval период Announce
func (c *Config) AnnounceInterval() time.Duration {
	return logIntervalDuration(c.AnnounceLogInterval)
}

func (c *Config) resyncInterval() time.Duration {
	if c.ResyncInterval > 0 {
		return c.ResyncInterval
	}
	return c.SyncInterval()
}

func logIntervalDuration(l int8) time.Duration {
	return time.Duration(float64(time.Second) * math.Pow(2, float64(l)))
}
