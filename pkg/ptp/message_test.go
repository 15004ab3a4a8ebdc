package ptp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClock = ClockID{0x00, 0x1D, 0xC1, 0xFF, 0xFE, 0x12, 0x34, 0x56}

func TestMarshalLengths(t *testing.T) {
	tests := []struct {
		msgType MessageType
		length  int
		control byte
	}{
		{MessageSync, TimedLength, 0x00},
		{MessageDelayReq, TimedLength, 0x01},
		{MessageFollowUp, TimedLength, 0x02},
		{MessageDelayResp, DelayRespLength, 0x03},
		{MessageAnnounce, AnnounceLength, 0x05},
	}

	for _, tt := range tests {
		t.Run(tt.msgType.String(), func(t *testing.T) {
			m := &Message{Header: Header{Type: tt.msgType, Domain: 2, SequenceID: 7}}
			b, err := m.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, b, tt.length)

			assert.Equal(t, byte(tt.msgType), b[0])
			assert.Equal(t, byte(Version), b[1])
			assert.Equal(t, byte(0), b[2])
			assert.Equal(t, byte(tt.length), b[3])
			assert.Equal(t, byte(2), b[4])
			assert.Equal(t, tt.control, b[32])
		})
	}
}

func TestSyncRoundTrip(t *testing.T) {
	m := &Message{
		Header: Header{
			Type:               MessageSync,
			Domain:             0,
			Flags:              FlagTwoStep,
			Source:             PortIdentity{ClockID: testClock, PortNumber: 1},
			SequenceID:         0xBEEF,
			LogMessageInterval: -3,
		},
		Timestamp: NewTimestamp(0x0102_0304_0506, 999_999_999),
	}

	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00}, b[6:8])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, b[34:40])

	got, err := ParseMessage(b)
	require.NoError(t, err)
	assert.True(t, got.TwoStep())
	assert.Equal(t, m.Source, got.Source)
	assert.Equal(t, uint16(0xBEEF), got.SequenceID)
	assert.Equal(t, int8(-3), got.LogMessageInterval)
	assert.Equal(t, m.Timestamp, got.Timestamp)
}

func TestDelayRespRequestingPort(t *testing.T) {
	requester := PortIdentity{ClockID: ClockID{1, 2, 3, 4, 5, 6, 7, 8}, PortNumber: 1}
	m := &Message{
		Header:         Header{Type: MessageDelayResp, Source: PortIdentity{ClockID: testClock, PortNumber: 1}},
		Timestamp:      NewTimestamp(100, 5),
		RequestingPort: requester,
	}

	b, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, requester, got.RequestingPort)
	assert.Equal(t, NewTimestamp(100, 5), got.Timestamp)
}

func TestAnnounceBody(t *testing.T) {
	gm := ClockID{9, 9, 9, 9, 9, 9, 9, 9}
	m := &Message{
		Header: Header{Type: MessageAnnounce, Source: PortIdentity{ClockID: testClock, PortNumber: 1}},
		Announce: AnnounceBody{
			CurrentUTCOffset:        37,
			Priority1:               100,
			ClockClass:              6,
			ClockAccuracy:           0x21,
			OffsetScaledLogVariance: 0x4E5D,
			Priority2:               200,
			GrandmasterIdentity:     gm,
			StepsRemoved:            1,
			TimeSource:              0x20,
		},
	}

	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, byte(100), b[47])
	assert.Equal(t, byte(6), b[48])
	assert.Equal(t, byte(200), b[52])

	got, err := ParseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m.Announce, got.Announce)

	id := IdentityFromAnnounce(got)
	assert.Equal(t, testClock, id.ID)
	assert.Equal(t, uint8(100), id.Priority1)
	assert.Equal(t, uint16(0x4E5D), id.ClockVariance)
}

func TestParseMessageErrors(t *testing.T) {
	sync, err := (&Message{Header: Header{Type: MessageSync}}).MarshalBinary()
	require.NoError(t, err)

	_, err = ParseMessage(sync[:20])
	assert.ErrorIs(t, err, ErrMessageTooShort)

	_, err = ParseMessage(sync[:HeaderLength+4])
	assert.ErrorIs(t, err, ErrMessageTooShort)

	bad := append([]byte(nil), sync...)
	bad[1] = 1
	_, err = ParseMessage(bad)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	unknown := append([]byte(nil), sync...)
	unknown[0] = 0x0C // Signaling
	_, err = ParseMessage(unknown)
	assert.ErrorIs(t, err, ErrUnsupportedMessage)

	_, err = (&Message{Header: Header{Type: 0x0D}}).MarshalBinary()
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}
