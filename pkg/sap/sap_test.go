package sap

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescription() *Description {
	return &Description{
		SessionID:        0xDEADBEEF,
		SessionVersion:   3,
		Name:             "Studio A",
		Info:             "2 channels: L, R",
		LocalAddress:     "192.168.1.10",
		MulticastAddress: "239.69.1.7",
		MulticastPort:    5004,
		PTPMasterID:      "00-1D-C1-FF-FE-12-34-56",
		PTPDomain:        0,
		PacketTime:       time.Millisecond,
		SamplesPerPacket: 48,
		Encoding:         "L24",
		SampleRate:       48000,
		Channels:         2,
		PayloadType:      DefaultPayloadType,
	}
}

func TestMarshalSDPLayout(t *testing.T) {
	body, err := testDescription().MarshalSDP()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(string(body), "\r\n", "\n")), "\n")
	expected := []string{
		"v=0",
		"o=- 3735928559 3 IN IP4 192.168.1.10",
		"s=Studio A",
		"c=IN IP4 239.69.1.7/32",
		"t=0 0",
		"m=audio 5004 RTP/AVP 96",
		"i=2 channels: L, R",
		"a=clock-domain:PTPv2 0",
		"a=rtpmap:96 L24/48000/2",
		"a=sync-time:0",
		"a=framecount:48",
		"a=ptime:1",
		"a=mediaclk:direct=0",
		"a=ts-refclk:ptp=IEEE1588-2008:00-1D-C1-FF-FE-12-34-56",
		"a=recvonly",
	}
	assert.Equal(t, expected, lines)
}

func TestSDPRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		packetTime time.Duration
		ptime      string
	}{
		{"1ms", time.Millisecond, "1"},
		{"125us", 125 * time.Microsecond, "0.125"},
		{"333us", 333 * time.Microsecond, "0.333"},
		{"4ms", 4 * time.Millisecond, "4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescription()
			d.PacketTime = tt.packetTime
			assert.Equal(t, tt.ptime, FormatPacketTime(tt.packetTime))

			body, err := d.MarshalSDP()
			require.NoError(t, err)

			got, err := ParseSDP(body)
			require.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}
}

func TestSAPRoundTrip(t *testing.T) {
	d := testDescription()

	for _, mt := range []MessageType{Announcement, Deletion} {
		t.Run(mt.String(), func(t *testing.T) {
			raw, err := Encode(mt, d)
			require.NoError(t, err)

			if mt == Deletion {
				assert.Equal(t, byte(0x24), raw[0])
			} else {
				assert.Equal(t, byte(0x20), raw[0])
			}
			assert.Equal(t, byte(0), raw[1])
			assert.Equal(t, net.ParseIP("192.168.1.10").To4(), net.IP(raw[4:8]))
			assert.Equal(t, "application/sdp\x00", string(raw[8:24]))

			gotType, got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, mt, gotType)
			assert.Equal(t, d.SessionID, got.SessionID)
			assert.Equal(t, d.SampleRate, got.SampleRate)
			assert.Equal(t, d.Channels, got.Channels)
			assert.Equal(t, d.Encoding, got.Encoding)
			assert.Equal(t, d.MulticastAddress, got.MulticastAddress)
			assert.Equal(t, d.PacketTime, got.PacketTime)
		})
	}
}

func TestParsePacketWithoutContentType(t *testing.T) {
	body, err := testDescription().MarshalSDP()
	require.NoError(t, err)

	p := &Packet{Origin: net.IPv4(10, 0, 0, 1), Payload: body}
	raw, err := p.MarshalBinary()
	require.NoError(t, err)

	got, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, ContentType, got.ContentType)
	assert.Equal(t, body, got.Payload)
}

func TestParsePacketErrors(t *testing.T) {
	_, err := ParsePacket([]byte{0x20, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = ParsePacket([]byte{0x40, 0, 0, 0, 1, 2, 3, 4, 'v', '=', '0'})
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = ParsePacket([]byte{0x21, 0, 0, 0, 1, 2, 3, 4, 'v', '=', '0'})
	assert.ErrorIs(t, err, ErrUnsupportedPayload)

	_, err = ParsePacket([]byte{0x20, 0, 0, 0, 1, 2, 3, 4, 'x', 'y'})
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestParseThirdPartySDP(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1311738121 1311738121 IN IP4 192.168.1.20\r\n" +
		"s=Stage Box 1\r\n" +
		"c=IN IP4 239.1.2.3/32\r\n" +
		"t=0 0\r\n" +
		"a=clock-domain:PTPv2 0\r\n" +
		"m=audio 5004 RTP/AVP 97\r\n" +
		"c=IN IP4 239.1.2.4/32\r\n" +
		"a=rtpmap:97 L16/48000/8\r\n" +
		"a=ptime:0.250\r\n" +
		"a=ts-refclk:ptp=IEEE1588-2008:00-1D-C1-FF-FE-AA-BB-CC:2\r\n" +
		"a=mediaclk:direct=0\r\n"

	d, err := ParseSDP([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, uint32(1311738121), d.SessionID)
	assert.Equal(t, "239.1.2.4", d.MulticastAddress)
	assert.Equal(t, uint8(97), d.PayloadType)
	assert.Equal(t, "L16", d.Encoding)
	assert.Equal(t, 8, d.Channels)
	assert.Equal(t, 250*time.Microsecond, d.PacketTime)
	assert.Equal(t, "00-1D-C1-FF-FE-AA-BB-CC", d.PTPMasterID)
	assert.Equal(t, uint8(2), d.PTPDomain)
}

func TestParseSDPRejectsNonAudio(t *testing.T) {
	raw := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=video\r\nt=0 0\r\nm=video 5004 RTP/AVP 96\r\n"
	_, err := ParseSDP([]byte(raw))
	assert.ErrorIs(t, err, ErrInvalidDescription)
}

func TestContentHash(t *testing.T) {
	a := testDescription()
	b := testDescription()
	b.Name = "Renamed"
	b.SessionVersion++
	assert.Equal(t, ContentHash(a), ContentHash(b))

	b.MulticastAddress = "239.69.1.8"
	assert.NotEqual(t, ContentHash(a), ContentHash(b))

	body, err := a.MarshalSDP()
	require.NoError(t, err)
	assert.Equal(t, MessageHash(body), MessageHash(append([]byte(nil), body...)))
}
