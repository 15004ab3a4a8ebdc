package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/pion/rtp"
)

const (
	// DefaultPayloadType динамический payload type AES67
	DefaultPayloadType = 96

	// DefaultResyncInterval через сколько пакетов timestamp сверяется с PTP часами
	DefaultResyncInterval = 100
)

// ErrTimeNotEstablished PTP время еще не установлено, отправлять нельзя
var ErrTimeNotEstablished = errors.New("rtp: время PTP не установлено")

// TimeSource источник синхронизированного времени. *ptp.Engine удовлетворяет интерфейсу.
type TimeSource interface {
	Now() ptp.Timestamp
	IsTimeEstablished() bool
}

// PacketizerConfig параметры потока
type PacketizerConfig struct {
	SSRC             uint32
	PayloadType      uint8
	SampleRate       int
	SamplesPerPacket int
	ResyncInterval   int // 0 - DefaultResyncInterval
}

// PacketizerStats счетчики пакетизатора
type PacketizerStats struct {
	Packets uint64
	Resyncs uint64 // Сверок с PTP часами
	Jumps   uint64 // Сверок, закончившихся скачком timestamp
}

// Packetizer строит RTP пакеты одного потока
type Packetizer struct {
	mu     sync.Mutex
	clock  TimeSource
	config PacketizerConfig

	sequence    uint16
	timestamp   uint32
	seeded      bool
	sinceResync int
	stats       PacketizerStats
}

// NewPacketizer создает пакетизатор со случайным начальным номером последовательности
func NewPacketizer(config PacketizerConfig, clock TimeSource) (*Packetizer, error) {
	if clock == nil {
		return nil, fmt.Errorf("rtp: источник времени не задан")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("rtp: некорректная частота дискретизации %d", config.SampleRate)
	}
	if config.SamplesPerPacket <= 0 {
		return nil, fmt.Errorf("rtp: некорректное число сэмплов в пакете %d", config.SamplesPerPacket)
	}
	if config.PayloadType > 127 {
		return nil, fmt.Errorf("rtp: невалидный payload type %d", config.PayloadType)
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = DefaultResyncInterval
	}

	return &Packetizer{
		clock:    clock,
		config:   config,
		sequence: generateRandomUint16(),
	}, nil
}

// Build формирует следующий пакет с payload без изменений.
// До установления PTP времени возвращает ErrTimeNotEstablished и не меняет состояние.
func (p *Packetizer) Build(payload []byte) (*rtp.Packet, error) {
	if !p.clock.IsTimeEstablished() {
		return nil, ErrTimeNotEstablished
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.advance()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			PayloadType:    p.config.PayloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.config.SSRC,
		},
		Payload: payload,
	}
	p.sequence++
	p.stats.Packets++
	return packet, nil
}

// advance выставляет timestamp для очередного пакета
func (p *Packetizer) advance() {
	if !p.seeded {
		p.timestamp = TimestampToRTP(p.clock.Now(), p.config.SampleRate)
		p.seeded = true
		p.sinceResync = 0
		return
	}

	spp := uint32(p.config.SamplesPerPacket)
	expected := p.timestamp + spp

	p.sinceResync++
	if p.sinceResync < p.config.ResyncInterval {
		p.timestamp = expected
		return
	}

	p.sinceResync = 0
	p.stats.Resyncs++
	actual := TimestampToRTP(p.clock.Now(), p.config.SampleRate)
	if drift := int32(actual - expected); drift > int32(spp) || drift < -int32(spp) {
		p.timestamp = actual
		p.stats.Jumps++
		return
	}
	p.timestamp = expected
}

// Reset сбрасывает привязку к часам: следующий пакет заново возьмет timestamp из PTP времени.
// Номер последовательности продолжается.
func (p *Packetizer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeded = false
}

// SSRC идентификатор потока
func (p *Packetizer) SSRC() uint32 { return p.config.SSRC }

// SamplesPerPacket сэмплов на канал в пакете
func (p *Packetizer) SamplesPerPacket() int { return p.config.SamplesPerPacket }

// Stats снимок счетчиков
func (p *Packetizer) Stats() PacketizerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// TimestampToRTP переводит PTP время в RTP timestamp: floor(t * rate / 1e9) mod 2^32.
// Секунды и наносекунды умножаются отдельно, поэтому переполнения нет при любом времени.
func TimestampToRTP(t ptp.Timestamp, sampleRate int) uint32 {
	rate := uint64(sampleRate)
	whole := uint64(t.Seconds) * rate
	frac := uint64(t.Nanoseconds) * rate / 1_000_000_000
	return uint32(whole + frac)
}

// NanosToRTPTimestamp то же для плоского числа наносекунд
func NanosToRTPTimestamp(nanos int64, sampleRate int) uint32 {
	return TimestampToRTP(ptp.TimestampFromNanos(nanos), sampleRate)
}

// GenerateSSRC генерирует случайный SSRC согласно RFC 3550 Appendix A.6
func GenerateSSRC() (uint32, error) {
	var ssrc uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &ssrc)
	if err != nil {
		return 0, err
	}
	return ssrc, nil
}

// generateRandomUint16 генерирует случайное 16-битное число
func generateRandomUint16() uint16 {
	var val uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}
