package audio

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

var (
	// SupportedSampleRates частоты дискретизации AES67 потоков
	SupportedSampleRates = []int{44100, 48000, 88200, 96000, 176400, 192000}
	// SupportedBitDepths разрядности (L16, L24, L32)
	SupportedBitDepths = []int{16, 24, 32}
	// SupportedPacketTimes длительности пакета
	SupportedPacketTimes = []time.Duration{
		125 * time.Microsecond,
		250 * time.Microsecond,
		333 * time.Microsecond,
		time.Millisecond,
		4 * time.Millisecond,
	}
)

// MaxChannels максимум каналов в потоке
const MaxChannels = 64

var (
	ErrUnsupportedSampleRate = errors.New("audio: неподдерживаемая частота дискретизации")
	ErrUnsupportedBitDepth   = errors.New("audio: неподдерживаемая разрядность")
	ErrUnsupportedPacketTime = errors.New("audio: неподдерживаемая длительность пакета")
	ErrUnsupportedChannels   = errors.New("audio: неподдерживаемое число каналов")
)

// Format формат линейного PCM
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// Validate проверяет, что формат допустим для AES67 потока
func (f Format) Validate() error {
	if !slices.Contains(SupportedSampleRates, f.SampleRate) {
		return fmt.Errorf("%w: %d", ErrUnsupportedSampleRate, f.SampleRate)
	}
	if !slices.Contains(SupportedBitDepths, f.BitDepth) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, f.BitDepth)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d", ErrUnsupportedChannels, f.Channels)
	}
	return nil
}

// validateInput проверяет формат источника: частота любая положительная
func (f Format) validateInput() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedSampleRate, f.SampleRate)
	}
	if !slices.Contains(SupportedBitDepths, f.BitDepth) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, f.BitDepth)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d", ErrUnsupportedChannels, f.Channels)
	}
	return nil
}

// BytesPerSample байт на один сэмпл одного канала
func (f Format) BytesPerSample() int { return f.BitDepth / 8 }

// FrameSize байт на один сэмпл всех каналов
func (f Format) FrameSize() int { return f.BytesPerSample() * f.Channels }

// Encoding имя кодировки в SDP: L16, L24, L32
func (f Format) Encoding() string { return fmt.Sprintf("L%d", f.BitDepth) }

// BytesPerSecond поток байт в секунду
func (f Format) BytesPerSecond() int { return f.FrameSize() * f.SampleRate }

func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Encoding(), f.SampleRate, f.Channels)
}

// ValidatePacketTime проверяет длительность пакета
func ValidatePacketTime(d time.Duration) error {
	if !slices.Contains(SupportedPacketTimes, d) {
		return fmt.Errorf("%w: %s", ErrUnsupportedPacketTime, d)
	}
	return nil
}

// SamplesPerPacket сэмплов на канал в пакете, округление до ближайшего (333 мкс при 48 кГц дают 16)
func SamplesPerPacket(sampleRate int, packetTime time.Duration) int {
	return int(math.Round(float64(sampleRate) * packetTime.Seconds()))
}

// BytesPerPacket размер payload одного пакета
func (f Format) BytesPerPacket(packetTime time.Duration) int {
	return SamplesPerPacket(f.SampleRate, packetTime) * f.FrameSize()
}
