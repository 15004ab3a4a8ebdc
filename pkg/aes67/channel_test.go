package aes67

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/aes67/pkg/audio"
	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/arzzra/aes67/pkg/rtp"
	"github.com/arzzra/aes67/pkg/sap"
)

var (
	stereo24    = audio.Format{SampleRate: 48000, BitDepth: 24, Channels: 2}
	otherMaster = ptp.ClockID{0x00, 0x1d, 0xc1, 0xff, 0xfe, 0x65, 0x43, 0x21}
)

type sapRecord struct {
	local string
	typ   sap.MessageType
	desc  *sap.Description
}

type channelFixture struct {
	channel    *Channel
	clock      *fakeClock
	transports map[string]*fakeTransport

	mu  sync.Mutex
	sap []sapRecord
}

func (f *channelFixture) SAP() []sapRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sapRecord(nil), f.sap...)
}

func newChannelFixture(t *testing.T, input audio.Format, interval time.Duration, locals ...string) *channelFixture {
	t.Helper()
	return newStreamFixture(t, input, stereo24, time.Millisecond, interval, locals...)
}

func newStreamFixture(t *testing.T, input, output audio.Format, packetTime, interval time.Duration, locals ...string) *channelFixture {
	t.Helper()
	if len(locals) == 0 {
		locals = []string{"192.0.2.10"}
	}

	f := &channelFixture{
		clock:      newFakeClock(true),
		transports: make(map[string]*fakeTransport),
	}
	transports := make(map[string]rtp.Transport)
	for _, local := range locals {
		tr := &fakeTransport{local: local}
		f.transports[local] = tr
		transports[local] = tr
	}

	ch, err := newChannel(channelParams{
		ssrc:       0x11223344,
		name:       "test",
		input:      input,
		output:     output,
		packetTime: packetTime,
		multicast:  "239.69.1.1",
		port:       rtp.DefaultPort,
		version:    1,
		transports: transports,
		order:      locals,
		clock:      f.clock,
		announce: func(local string, msg []byte) error {
			typ, d, err := sap.Decode(msg)
			if err != nil {
				return err
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sap = append(f.sap, sapRecord{local: local, typ: typ, desc: d})
			return nil
		},
		metrics:  NewMetrics(nil),
		logger:   slog.Default(),
		interval: interval,
	})
	require.NoError(t, err)
	f.channel = ch
	return f
}

func (f *channelFixture) sent() int {
	return len(f.transports["192.0.2.10"].Sent())
}

func TestChannelWriteSlicesIntoPackets(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)
	ch := f.channel

	require.Equal(t, 288, ch.BytesPerPacket())

	n, err := ch.Write(make([]byte, 300))
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, 1, ch.QueueLen())

	_, err = ch.Write(make([]byte, 276))
	require.NoError(t, err)
	assert.Equal(t, 2, ch.QueueLen())

	_, err = ch.Write(make([]byte, 10*288))
	require.NoError(t, err)
	assert.Equal(t, 12, ch.QueueLen())
}

func TestChannelConvertsInput(t *testing.T) {
	mono16 := audio.Format{SampleRate: 48000, BitDepth: 16, Channels: 1}
	f := newChannelFixture(t, mono16, time.Second)

	// 48 кадров 16 бит моно = 1 мс
	pcm := make([]byte, 96)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i], pcm[i+1] = 0x34, 0x12
	}
	_, err := f.channel.Write(pcm)
	require.NoError(t, err)
	require.Equal(t, 1, f.channel.QueueLen())

	f.channel.SendRTP()
	sent := f.transports["192.0.2.10"].Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Payload, 288)
	assert.Equal(t, []byte{0x12, 0x34, 0x00, 0x12, 0x34, 0x00}, sent[0].Payload[:6])
}

func TestChannelWithholdsUntilTimeEstablished(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)
	f.clock.Establish(false)

	_, err := f.channel.Write(make([]byte, 2*288))
	require.NoError(t, err)

	for iter := 0; iter < 5; iter++ {
		f.channel.SendRTP()
		f.clock.Advance(time.Millisecond)
	}
	assert.Zero(t, f.sent())
	assert.Equal(t, 2, f.channel.QueueLen())

	f.clock.Establish(true)
	f.channel.SendRTP()
	assert.Equal(t, 1, f.sent())
}

func TestChannelPacing(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)
	_, err := f.channel.Write(make([]byte, 3*288))
	require.NoError(t, err)

	f.channel.SendRTP()
	f.channel.SendRTP()
	assert.Equal(t, 1, f.sent(), "второй пакет раньше дедлайна")

	f.clock.Advance(900 * time.Microsecond)
	f.channel.SendRTP()
	assert.Equal(t, 1, f.sent())

	f.clock.Advance(100 * time.Microsecond)
	f.channel.SendRTP()
	assert.Equal(t, 2, f.sent())

	f.clock.Advance(time.Millisecond)
	f.channel.SendRTP()

	packets := f.transports["192.0.2.10"].Sent()
	require.Len(t, packets, 3)
	for i := 1; i < len(packets); i++ {
		assert.Equal(t, packets[i-1].SequenceNumber+1, packets[i].SequenceNumber)
		assert.Equal(t, packets[i-1].Timestamp+48, packets[i].Timestamp)
		assert.Equal(t, uint32(0x11223344), packets[i].SSRC)
		assert.Equal(t, uint8(96), packets[i].PayloadType)
	}
}

func TestChannelPacingFollowsSampleClock(t *testing.T) {
	const packets = 2000

	tests := []struct {
		name       string
		rate       int
		packetTime time.Duration
		spp        uint32
	}{
		{"48k 1ms", 48000, time.Millisecond, 48},
		{"44.1k 1ms", 44100, time.Millisecond, 44},
		{"44.1k 125us", 44100, 125 * time.Microsecond, 6},
		{"48k 333us", 48000, 333 * time.Microsecond, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format := audio.Format{SampleRate: tt.rate, BitDepth: 24, Channels: 2}
			f := newStreamFixture(t, format, format, tt.packetTime, time.Second)
			ch := f.channel
			require.Equal(t, int(tt.spp)*6, ch.BytesPerPacket())

			_, err := ch.Write(make([]byte, packets*ch.BytesPerPacket()))
			require.NoError(t, err)

			tick := tt.packetTime / 10
			start := f.clock.Now()
			for i := 0; ch.QueueLen() > 0 && i < 20*packets; i++ {
				ch.SendRTP()
				f.clock.Advance(tick)
			}
			elapsed := f.clock.Now().Sub(start).Duration()

			sent := f.transports["192.0.2.10"].Sent()
			require.Len(t, sent, packets)
			for i := 1; i < len(sent); i++ {
				require.Equal(t, sent[i-1].SequenceNumber+1, sent[i].SequenceNumber, "пакет %d", i)
				require.Equal(t, sent[i-1].Timestamp+tt.spp, sent[i].Timestamp, "пакет %d", i)
			}
			assert.Zero(t, ch.Stats().Jumps)

			// Темп отправки совпадает с длительностью отправленных сэмплов
			audioTime := time.Duration(packets-1) * time.Duration(tt.spp) * time.Second / time.Duration(tt.rate)
			assert.InDelta(t, float64(audioTime), float64(elapsed), float64(2*tick))
		})
	}
}

func TestChannelSendsOnEveryInterface(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second, "192.0.2.10", "198.51.100.10")
	_, err := f.channel.Write(make([]byte, 288))
	require.NoError(t, err)

	f.channel.SendRTP()
	for local, tr := range f.transports {
		assert.Len(t, tr.Sent(), 1, local)
	}
}

func TestChannelUnderrunReanchors(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)
	_, err := f.channel.Write(make([]byte, 288))
	require.NoError(t, err)
	f.channel.SendRTP()
	require.Equal(t, 1, f.sent())

	f.clock.Advance(5 * time.Millisecond)
	f.channel.SendRTP()
	assert.Equal(t, 1, f.sent())

	_, err = f.channel.Write(make([]byte, 288))
	require.NoError(t, err)
	f.channel.SendRTP()
	require.Equal(t, 2, f.sent())

	packets := f.transports["192.0.2.10"].Sent()
	// После паузы timestamp снова берется из PTP времени
	assert.Equal(t, packets[0].Timestamp+5*48, packets[1].Timestamp)
}

func TestChannelReanchorsAfterLongLag(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)
	_, err := f.channel.Write(make([]byte, 20*288))
	require.NoError(t, err)

	f.channel.SendRTP()
	f.clock.Advance(50 * time.Millisecond)
	f.channel.SendRTP()
	f.channel.SendRTP()
	assert.Equal(t, 2, f.sent(), "после переноса дедлайна не отправляем пачкой")

	f.clock.Advance(time.Millisecond)
	f.channel.SendRTP()
	assert.Equal(t, 3, f.sent())
}

func TestChannelPeriodicAnnouncement(t *testing.T) {
	f := newChannelFixture(t, stereo24, 3*time.Millisecond)
	_, err := f.channel.Write(make([]byte, 7*288))
	require.NoError(t, err)

	for iter := 0; iter < 7; iter++ {
		f.channel.SendRTP()
		f.clock.Advance(time.Millisecond)
	}
	require.Equal(t, 7, f.sent())

	records := f.SAP()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, sap.Announcement, r.typ)
		assert.Equal(t, uint32(0x11223344), r.desc.SessionID)
	}
}

func TestChannelRename(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)

	require.NoError(t, f.channel.Rename("studio B"))
	assert.Equal(t, "studio B", f.channel.Name())

	records := f.SAP()
	require.Len(t, records, 1)
	assert.Equal(t, "studio B", records[0].desc.Name)
	assert.Equal(t, uint64(2), records[0].desc.SessionVersion)
}

func TestChannelGrandmasterChangeBumpsVersion(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second)

	require.NoError(t, f.channel.Announce())
	f.clock.SetMaster(otherMaster)
	require.NoError(t, f.channel.Announce())

	records := f.SAP()
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].desc.SessionVersion)
	assert.Equal(t, uint64(2), records[1].desc.SessionVersion)
	assert.Equal(t, otherMaster.String(), records[1].desc.PTPMasterID)
}

func TestChannelStop(t *testing.T) {
	f := newChannelFixture(t, stereo24, time.Second, "192.0.2.10", "198.51.100.10")
	_, err := f.channel.Write(make([]byte, 288))
	require.NoError(t, err)

	require.NoError(t, f.channel.stop())

	records := f.SAP()
	require.Len(t, records, 2)
	locals := []string{records[0].local, records[1].local}
	assert.ElementsMatch(t, []string{"192.0.2.10", "198.51.100.10"}, locals)
	for _, r := range records {
		assert.Equal(t, sap.Deletion, r.typ)
	}
	for _, tr := range f.transports {
		assert.True(t, tr.Closed())
	}

	_, err = f.channel.Write(make([]byte, 288))
	assert.True(t, errors.Is(err, ErrChannelStopped))
	assert.True(t, errors.Is(f.channel.Rename("x"), ErrChannelStopped))

	f.channel.SendRTP()
	assert.Zero(t, f.sent())

	require.NoError(t, f.channel.stop())
	assert.Len(t, f.SAP(), 2)
}
