package aes67

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/arzzra/aes67/pkg/audio"
	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/arzzra/aes67/pkg/rtp"
	"github.com/arzzra/aes67/pkg/sap"
)

// Значения по умолчанию
const (
	DefaultMulticastBase         = "239.69.1.1"
	DefaultPacketTime            = time.Millisecond
	DefaultDiscoveryTimeout      = 20 * time.Second
	DefaultAnnounceInterval      = 10 * time.Second
	DefaultReceiveTimeout        = 100 * time.Millisecond
	DefaultMaxAllocationAttempts = 1000
	DefaultTTL                   = 32
)

// ManagerConfig конфигурация менеджера каналов
type ManagerConfig struct {
	// Сеть
	LocalAddresses []string // IPv4 адреса интерфейсов; на каждом поток отправляется отдельно
	MulticastBase  string   // Первый адрес при выделении multicast групп потоков
	RTPPort        int
	SAPGroup       string
	SAPPort        int
	TTL            int
	Loopback       bool // Получать собственные multicast пакеты (тесты на одной машине)

	// Формат потоков по умолчанию
	Format     audio.Format
	PacketTime time.Duration

	// Таймауты и интервалы
	DiscoveryTimeout time.Duration // Обнаруженная сессия без объявлений дольше этого считается пропавшей
	AnnounceInterval time.Duration // Период повторных SAP объявлений в секундах аудио
	ReceiveTimeout   time.Duration

	MaxAllocationAttempts int // Предел попыток выделения SSRC и multicast адреса

	PTP ptp.Config
}

// DefaultConfig конфигурация по умолчанию: L24/48000/2, пакет 1 мс, домен PTP 0
func DefaultConfig() *ManagerConfig {
	return &ManagerConfig{
		LocalAddresses: []string{},
		MulticastBase:  DefaultMulticastBase,
		RTPPort:        rtp.DefaultPort,
		SAPGroup:       sap.DefaultGroup,
		SAPPort:        sap.DefaultPort,
		TTL:            DefaultTTL,

		Format:     audio.Format{SampleRate: 48000, BitDepth: 24, Channels: 2},
		PacketTime: DefaultPacketTime,

		DiscoveryTimeout: DefaultDiscoveryTimeout,
		AnnounceInterval: DefaultAnnounceInterval,
		ReceiveTimeout:   DefaultReceiveTimeout,

		MaxAllocationAttempts: DefaultMaxAllocationAttempts,

		PTP: ptp.DefaultConfig(),
	}
}

// Validate проверяет конфигурацию
func (c *ManagerConfig) Validate() error {
	if len(c.LocalAddresses) == 0 {
		return newError(ErrorCodeInvalidConfig, 0, nil, "не задан ни один локальный адрес")
	}
	for _, addr := range c.LocalAddresses {
		if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
			return newError(ErrorCodeInvalidConfig, 0, nil, "некорректный локальный адрес %q", addr)
		}
	}
	if ip := net.ParseIP(c.MulticastBase).To4(); ip == nil || !ip.IsMulticast() {
		return newError(ErrorCodeInvalidConfig, 0, nil, "базовый адрес %q не является IPv4 multicast", c.MulticastBase)
	}
	if ip := net.ParseIP(c.SAPGroup).To4(); ip == nil || !ip.IsMulticast() {
		return newError(ErrorCodeInvalidConfig, 0, nil, "SAP группа %q не является IPv4 multicast", c.SAPGroup)
	}
	if c.RTPPort <= 0 || c.RTPPort > 65535 || c.SAPPort <= 0 || c.SAPPort > 65535 {
		return newError(ErrorCodeInvalidConfig, 0, nil, "некорректный порт RTP %d или SAP %d", c.RTPPort, c.SAPPort)
	}
	if err := validateFormat(c.Format, 0); err != nil {
		return err
	}
	if err := validatePacketTime(c.Format, c.PacketTime, 0); err != nil {
		return err
	}
	if c.DiscoveryTimeout <= 0 || c.AnnounceInterval <= 0 || c.ReceiveTimeout <= 0 {
		return newError(ErrorCodeInvalidConfig, 0, nil, "таймауты и интервалы должны быть положительными")
	}
	if c.MaxAllocationAttempts <= 0 {
		return newError(ErrorCodeInvalidConfig, 0, nil, "MaxAllocationAttempts должен быть больше 0")
	}
	if err := c.PTP.Validate(); err != nil {
		return newError(ErrorCodeInvalidConfig, 0, err, "некорректная конфигурация PTP")
	}
	return nil
}

// Copy создает глубокую копию конфигурации
func (c *ManagerConfig) Copy() *ManagerConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.LocalAddresses = slices.Clone(c.LocalAddresses)
	return &cp
}

// validateFormat переводит ошибки формата в типизированные коды
func validateFormat(f audio.Format, ssrc uint32) error {
	err := f.Validate()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, audio.ErrUnsupportedSampleRate):
		return newError(ErrorCodeUnsupportedSampleRate, ssrc, err, "формат %s не поддерживается", f)
	case errors.Is(err, audio.ErrUnsupportedBitDepth):
		return newError(ErrorCodeUnsupportedBitDepth, ssrc, err, "формат %s не поддерживается", f)
	case errors.Is(err, audio.ErrUnsupportedChannels):
		return newError(ErrorCodeUnsupportedChannels, ssrc, err, "формат %s не поддерживается", f)
	default:
		return newError(ErrorCodeInvalidConfig, ssrc, err, "формат %s не поддерживается", f)
	}
}

// validatePacketTime проверяет длительность пакета и то, что RTP пакет формата f помещается в MTU
func validatePacketTime(f audio.Format, packetTime time.Duration, ssrc uint32) error {
	if err := audio.ValidatePacketTime(packetTime); err != nil {
		return newError(ErrorCodeUnsupportedPacketTime, ssrc, err, "некорректная длительность пакета")
	}
	if size := rtp.MinRTPPacketSize + f.BytesPerPacket(packetTime); size > rtp.MaxRTPPacketSize {
		return newError(ErrorCodeUnsupportedPacketTime, ssrc, nil,
			"пакет %s за %s занимает %d байт, больше MTU %d", f, packetTime, size, rtp.MaxRTPPacketSize)
	}
	return nil
}

// DefaultLocalAddress первый IPv4 адрес активного не-loopback интерфейса с поддержкой multicast
func DefaultLocalAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("ошибка получения списка интерфейсов: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String(), nil
				}
			}
		}
	}
	return "", errors.New("не найден интерфейс с IPv4 адресом")
}
