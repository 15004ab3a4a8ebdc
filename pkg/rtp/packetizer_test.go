package rtp

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	mu          sync.Mutex
	now         ptp.Timestamp
	established bool
}

func (f *fakeTime) Now() ptp.Timestamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) IsTimeEstablished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established
}

func (f *fakeTime) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(ptp.TimestampFromNanos(int64(d)))
}

func newTestPacketizer(t *testing.T, clock *fakeTime, resync int) *Packetizer {
	t.Helper()
	p, err := NewPacketizer(PacketizerConfig{
		SSRC:             0x11223344,
		PayloadType:      DefaultPayloadType,
		SampleRate:       48000,
		SamplesPerPacket: 48,
		ResyncInterval:   resync,
	}, clock)
	require.NoError(t, err)
	return p
}

func TestNanosToRTPTimestamp(t *testing.T) {
	tests := []struct {
		nanos int64
		rate  int
	}{
		{0, 48000},
		{1_000_000_000, 48000},
		{1_500_000_000, 44100},
		{1_700_000_000_123_456_789, 48000},
		{1_700_000_000_999_999_999, 192000},
		{89_478_485_333_333, 48000},
	}

	for _, tt := range tests {
		want := new(big.Int).Mul(big.NewInt(tt.nanos), big.NewInt(int64(tt.rate)))
		want.Div(want, big.NewInt(1_000_000_000))
		want.Mod(want, new(big.Int).Lsh(big.NewInt(1), 32))

		assert.Equal(t, uint32(want.Uint64()), NanosToRTPTimestamp(tt.nanos, tt.rate), "nanos=%d rate=%d", tt.nanos, tt.rate)
	}
}

func TestBuildRequiresEstablishedTime(t *testing.T) {
	clock := &fakeTime{now: ptp.NewTimestamp(1, 0)}
	p := newTestPacketizer(t, clock, 0)
	first := p.sequence

	_, err := p.Build([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTimeNotEstablished)
	assert.Equal(t, uint64(0), p.Stats().Packets)

	clock.established = true
	packet, err := p.Build([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, first, packet.SequenceNumber)
	assert.Equal(t, uint32(48000), packet.Timestamp)
	assert.Equal(t, uint32(0x11223344), packet.SSRC)
	assert.Equal(t, uint8(DefaultPayloadType), packet.PayloadType)
	assert.False(t, packet.Marker)
	assert.Equal(t, []byte{1, 2, 3}, packet.Payload)
}

func TestPacketLayout(t *testing.T) {
	clock := &fakeTime{now: ptp.NewTimestamp(1, 0), established: true}
	p := newTestPacketizer(t, clock, 0)
	p.sequence = 0x0102

	packet, err := p.Build([]byte{0xAA, 0xBB})
	require.NoError(t, err)
	raw, err := packet.Marshal()
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x80, 0x60, // V=2, PT=96
		0x01, 0x02, // sequence
		0x00, 0x00, 0xBB, 0x80, // timestamp 48000
		0x11, 0x22, 0x33, 0x44, // SSRC
		0xAA, 0xBB,
	}, raw)
}

func TestTimestampsIncreaseBetweenResyncs(t *testing.T) {
	clock := &fakeTime{now: ptp.NewTimestamp(1_700_000_000, 0), established: true}
	p := newTestPacketizer(t, clock, 1000)

	prev, err := p.Build(nil)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		clock.advance(time.Millisecond)
		next, err := p.Build(nil)
		require.NoError(t, err)
		assert.Equal(t, prev.Timestamp+48, next.Timestamp)
		assert.Equal(t, prev.SequenceNumber+1, next.SequenceNumber)
		prev = next
	}
}

func TestSequenceAndTimestampWrap(t *testing.T) {
	// 89478.485333 с при 48 кГц дают timestamp у самой границы 2^32
	clock := &fakeTime{now: ptp.NewTimestamp(89478, 485_333_333), established: true}
	p := newTestPacketizer(t, clock, 1000)
	p.sequence = 0xFFFF

	first, err := p.Build(nil)
	require.NoError(t, err)
	second, err := p.Build(nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xFFFF), first.SequenceNumber)
	assert.Equal(t, uint16(0), second.SequenceNumber)
	assert.Equal(t, first.Timestamp+48, second.Timestamp)
	assert.Less(t, second.Timestamp, first.Timestamp)
}

func TestResyncKeepsSmallDrift(t *testing.T) {
	clock := &fakeTime{now: ptp.NewTimestamp(100, 0), established: true}
	p := newTestPacketizer(t, clock, 100)

	first, err := p.Build(nil)
	require.NoError(t, err)

	var last uint32
	for i := 1; i <= 100; i++ {
		// часы идут чуть быстрее: за 100 пакетов набегает меньше одного пакета
		clock.advance(time.Millisecond + 5*time.Microsecond)
		packet, err := p.Build(nil)
		require.NoError(t, err)
		last = packet.Timestamp
	}

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Resyncs)
	assert.Equal(t, uint64(0), stats.Jumps)
	assert.Equal(t, first.Timestamp+100*48, last)
}

func TestResyncSnapsLargeDrift(t *testing.T) {
	clock := &fakeTime{now: ptp.NewTimestamp(100, 0), established: true}
	p := newTestPacketizer(t, clock, 100)

	_, err := p.Build(nil)
	require.NoError(t, err)

	// часы не идут: к сверке расхождение 100 пакетов
	var last uint32
	for i := 1; i <= 100; i++ {
		packet, err := p.Build(nil)
		require.NoError(t, err)
		last = packet.Timestamp
	}

	assert.Equal(t, uint64(1), p.Stats().Jumps)
	assert.Equal(t, TimestampToRTP(clock.Now(), 48000), last)
}

func TestResetReseeds(t *testing.T) {
	clock := &fakeTime{now: ptp.NewTimestamp(10, 0), established: true}
	p := newTestPacketizer(t, clock, 0)

	first, err := p.Build(nil)
	require.NoError(t, err)

	clock.advance(time.Second)
	p.Reset()
	packet, err := p.Build(nil)
	require.NoError(t, err)

	assert.Equal(t, first.SequenceNumber+1, packet.SequenceNumber)
	assert.Equal(t, uint32(11*48000), packet.Timestamp)
}

func TestNewPacketizerValidation(t *testing.T) {
	clock := &fakeTime{}
	_, err := NewPacketizer(PacketizerConfig{SampleRate: 0, SamplesPerPacket: 48}, clock)
	assert.Error(t, err)
	_, err = NewPacketizer(PacketizerConfig{SampleRate: 48000, SamplesPerPacket: 0}, clock)
	assert.Error(t, err)
	_, err = NewPacketizer(PacketizerConfig{SampleRate: 48000, SamplesPerPacket: 48, PayloadType: 200}, clock)
	assert.Error(t, err)
	_, err = NewPacketizer(PacketizerConfig{SampleRate: 48000, SamplesPerPacket: 48}, nil)
	assert.Error(t, err)
}

func TestGenerateSSRC(t *testing.T) {
	a, err := GenerateSSRC()
	require.NoError(t, err)
	b, err := GenerateSSRC()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
