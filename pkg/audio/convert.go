package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Converter приводит PCM little-endian формата источника к big-endian формату потока.
// Сэмплы внутри хранятся как int32, выровненные по старшему биту.
type Converter struct {
	mu        sync.Mutex
	input     Format
	output    Format
	resampler *Resampler
	pending   []byte // неполный кадр с прошлого вызова
}

// NewConverter создает преобразователь
func NewConverter(input, output Format) (*Converter, error) {
	if err := input.validateInput(); err != nil {
		return nil, fmt.Errorf("входной формат: %w", err)
	}
	if err := output.Validate(); err != nil {
		return nil, fmt.Errorf("выходной формат: %w", err)
	}
	return &Converter{
		input:     input,
		output:    output,
		resampler: NewResampler(input.SampleRate, output.SampleRate, output.Channels),
	}, nil
}

// Input формат источника
func (c *Converter) Input() Format { return c.input }

// Output формат потока
func (c *Converter) Output() Format { return c.output }

// Convert преобразует блок. Неполный кадр в конце сохраняется до следующего вызова.
func (c *Converter) Convert(src []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		src = append(c.pending, src...)
		c.pending = nil
	}

	frameSize := c.input.FrameSize()
	frames := len(src) / frameSize
	if rest := src[frames*frameSize:]; len(rest) > 0 {
		c.pending = append([]byte(nil), rest...)
	}
	if frames == 0 {
		return nil
	}

	samples := c.mapChannels(decodeLE(src[:frames*frameSize], c.input.BitDepth), frames)
	samples = c.resampler.Process(samples)
	return encodeBE(samples, c.output.BitDepth)
}

// mapChannels раскладывает каналы: выходной канал k берется из входного k mod N.
// Моно дублируется во все каналы, лишние входные каналы отбрасываются.
func (c *Converter) mapChannels(samples []int32, frames int) []int32 {
	in, out := c.input.Channels, c.output.Channels
	if in == out {
		return samples
	}
	mapped := make([]int32, frames*out)
	for f := 0; f < frames; f++ {
		for k := 0; k < out; k++ {
			mapped[f*out+k] = samples[f*in+k%in]
		}
	}
	return mapped
}

// decodeLE читает PCM little-endian в int32, выровненные по старшему биту
func decodeLE(b []byte, bitDepth int) []int32 {
	size := bitDepth / 8
	samples := make([]int32, len(b)/size)
	for i := range samples {
		p := b[i*size:]
		switch bitDepth {
		case 16:
			samples[i] = int32(binary.LittleEndian.Uint16(p)) << 16
		case 24:
			samples[i] = int32(uint32(p[0])<<8 | uint32(p[1])<<16 | uint32(p[2])<<24)
		case 32:
			samples[i] = int32(binary.LittleEndian.Uint32(p))
		}
	}
	return samples
}

// encodeBE пишет сэмплы в PCM big-endian заданной разрядности
func encodeBE(samples []int32, bitDepth int) []byte {
	size := bitDepth / 8
	out := make([]byte, len(samples)*size)
	for i, s := range samples {
		p := out[i*size:]
		switch bitDepth {
		case 16:
			binary.BigEndian.PutUint16(p, uint16(s>>16))
		case 24:
			p[0] = byte(s >> 24)
			p[1] = byte(s >> 16)
			p[2] = byte(s >> 8)
		case 32:
			binary.BigEndian.PutUint32(p, uint32(s))
		}
	}
	return out
}
