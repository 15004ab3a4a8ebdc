package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr error
	}{
		{"48k L24 stereo", Format{48000, 24, 2}, nil},
		{"192k L32 8ch", Format{192000, 32, 8}, nil},
		{"44.1k L16 mono", Format{44100, 16, 1}, nil},
		{"22k", Format{22050, 16, 2}, ErrUnsupportedSampleRate},
		{"8 bit", Format{48000, 8, 2}, ErrUnsupportedBitDepth},
		{"no channels", Format{48000, 24, 0}, ErrUnsupportedChannels},
		{"too many channels", Format{48000, 24, MaxChannels + 1}, ErrUnsupportedChannels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPacketSizes(t *testing.T) {
	tests := []struct {
		rate       int
		packetTime time.Duration
		samples    int
	}{
		{48000, time.Millisecond, 48},
		{48000, 125 * time.Microsecond, 6},
		{48000, 250 * time.Microsecond, 12},
		{48000, 333 * time.Microsecond, 16},
		{48000, 4 * time.Millisecond, 192},
		{96000, time.Millisecond, 96},
		{44100, time.Millisecond, 44},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.samples, SamplesPerPacket(tt.rate, tt.packetTime), "%d/%s", tt.rate, tt.packetTime)
	}

	f := Format{SampleRate: 48000, BitDepth: 24, Channels: 2}
	assert.Equal(t, 288, f.BytesPerPacket(time.Millisecond))
	assert.Equal(t, "L24", f.Encoding())
	assert.Equal(t, "L24/48000/2", f.String())
	assert.Equal(t, 6, f.FrameSize())
}

func TestValidatePacketTime(t *testing.T) {
	for _, d := range SupportedPacketTimes {
		assert.NoError(t, ValidatePacketTime(d))
	}
	assert.ErrorIs(t, ValidatePacketTime(2*time.Millisecond), ErrUnsupportedPacketTime)
}
