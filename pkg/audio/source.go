package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// Source источник PCM little-endian
type Source interface {
	io.Reader
	Format() Format
}

// MP3Source декодирует MP3 файл в 16-битный стерео PCM
type MP3Source struct {
	mu      sync.Mutex
	file    *os.File
	decoder *mp3.Decoder
	loop    bool
}

// NewMP3Source открывает MP3 файл. При loop источник начинает файл заново вместо io.EOF.
func NewMP3Source(path string, loop bool) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия MP3 файла: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка декодирования MP3: %w", err)
	}

	slog.Debug("audio.NewMP3Source", slog.String("path", path), slog.Int("sampleRate", decoder.SampleRate()))
	return &MP3Source{file: f, decoder: decoder, loop: loop}, nil
}

// Format go-mp3 всегда выдает 16 бит, 2 канала
func (s *MP3Source) Format() Format {
	return Format{SampleRate: s.decoder.SampleRate(), BitDepth: 16, Channels: 2}
}

// Read читает декодированный PCM
func (s *MP3Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.decoder.Read(p)
	if errors.Is(err, io.EOF) && s.loop {
		if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
			return n, fmt.Errorf("ошибка перемотки MP3 файла: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return n, fmt.Errorf("ошибка повторного открытия декодера: %w", decErr)
		}
		s.decoder = decoder
		return n, nil
	}
	return n, err
}

// Close закрывает файл
func (s *MP3Source) Close() error {
	return s.file.Close()
}

// ToneSource синусоидальный сигнал во всех каналах
type ToneSource struct {
	format    Format
	frequency float64
	amplitude float64 // 0..1
	phase     float64
}

// NewToneSource создает генератор тона
func NewToneSource(format Format, frequency, amplitude float64) (*ToneSource, error) {
	if err := format.validateInput(); err != nil {
		return nil, err
	}
	if frequency <= 0 || frequency >= float64(format.SampleRate)/2 {
		return nil, fmt.Errorf("audio: частота тона %.1f Гц вне диапазона", frequency)
	}
	return &ToneSource{
		format:    format,
		frequency: frequency,
		amplitude: math.Max(0, math.Min(amplitude, 1)),
	}, nil
}

// Format формат генерируемого PCM
func (t *ToneSource) Format() Format { return t.format }

// Read заполняет p целыми кадрами. Источник бесконечен.
func (t *ToneSource) Read(p []byte) (int, error) {
	frameSize := t.format.FrameSize()
	frames := len(p) / frameSize
	step := 2 * math.Pi * t.frequency / float64(t.format.SampleRate)

	samples := make([]int32, frames*t.format.Channels)
	for f := 0; f < frames; f++ {
		v := int32(t.amplitude * math.Sin(t.phase) * math.MaxInt32)
		for c := 0; c < t.format.Channels; c++ {
			samples[f*t.format.Channels+c] = v
		}
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return copy(p, encodeLE(samples, t.format.BitDepth)), nil
}

// encodeLE пишет сэмплы в PCM little-endian
func encodeLE(samples []int32, bitDepth int) []byte {
	be := encodeBE(samples, bitDepth)
	size := bitDepth / 8
	for i := 0; i+size <= len(be); i += size {
		for l, r := i, i+size-1; l < r; l, r = l+1, r-1 {
			be[l], be[r] = be[r], be[l]
		}
	}
	return be
}

// Pump читает источник блоками по chunk и пишет их в dst с темпом реального времени,
// чтобы очередь приемника не росла. Завершается по ctx или концу источника (возвращает nil).
func Pump(ctx context.Context, src Source, dst io.Writer, chunk time.Duration) error {
	format := src.Format()
	frames := int(math.Round(float64(format.SampleRate) * chunk.Seconds()))
	if frames <= 0 {
		return fmt.Errorf("audio: слишком короткий блок %s", chunk)
	}
	buf := make([]byte, frames*format.FrameSize())

	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("audio: ошибка записи в приемник: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio: ошибка чтения источника: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
