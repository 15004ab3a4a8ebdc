package ptp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType тип PTP сообщения (младший полубайт первого байта)
type MessageType uint8

const (
	MessageSync      MessageType = 0x00
	MessageDelayReq  MessageType = 0x01
	MessageFollowUp  MessageType = 0x08
	MessageDelayResp MessageType = 0x09
	MessageAnnounce  MessageType = 0x0B
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "Sync"
	case MessageDelayReq:
		return "Delay_Req"
	case MessageFollowUp:
		return "Follow_Up"
	case MessageDelayResp:
		return "Delay_Resp"
	case MessageAnnounce:
		return "Announce"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// IsEvent сообщает, передается ли сообщение через event порт (319)
func (t MessageType) IsEvent() bool {
	return t == MessageSync || t == MessageDelayReq
}

const (
	// Version версия протокола в заголовке
	Version = 2

	// FlagTwoStep флаг двухшаговых часов в поле flags
	FlagTwoStep uint16 = 0x0200

	HeaderLength    = 34
	TimedLength     = 44 // Sync, Delay_Req, Follow_Up
	DelayRespLength = 54
	AnnounceLength  = 64
)

// значения control field для совместимости с PTPv1
const (
	controlSync      = 0x00
	controlDelayReq  = 0x01
	controlFollowUp  = 0x02
	controlDelayResp = 0x03
	controlOther     = 0x05
)

var (
	ErrMessageTooShort    = errors.New("ptp: сообщение короче минимального размера")
	ErrUnsupportedMessage = errors.New("ptp: неподдерживаемый тип сообщения")
	ErrUnsupportedVersion = errors.New("ptp: неподдерживаемая версия протокола")
)

// PortIdentity идентификатор порта: часы + номер порта
type PortIdentity struct {
	ClockID    ClockID
	PortNumber uint16
}

// Header общий заголовок PTP сообщения
type Header struct {
	Type               MessageType
	Version            uint8
	Length             uint16
	Domain             uint8
	Flags              uint16
	Correction         int64
	Source             PortIdentity
	SequenceID         uint16
	Control            uint8
	LogMessageInterval int8
}

// TwoStep сообщает, установлен ли флаг двухшаговых часов
func (h Header) TwoStep() bool { return h.Flags&FlagTwoStep != 0 }

// AnnounceBody поля качества часов из Announce
type AnnounceBody struct {
	CurrentUTCOffset        int16
	Priority1               uint8
	ClockClass              uint8
	ClockAccuracy           uint8
	OffsetScaledLogVariance uint16
	Priority2               uint8
	GrandmasterIdentity     ClockID
	StepsRemoved            uint16
	TimeSource              uint8
}

// Message декодированное PTP сообщение.
// Timestamp содержит originTimestamp для Sync/Delay_Req/Announce,
// preciseOriginTimestamp для Follow_Up и receiveTimestamp для Delay_Resp.
type Message struct {
	Header
	Timestamp      Timestamp
	RequestingPort PortIdentity // только Delay_Resp
	Announce       AnnounceBody // только Announce
}

// MarshalBinary кодирует сообщение в сетевой формат (big-endian)
func (m *Message) MarshalBinary() ([]byte, error) {
	var length int
	var control uint8
	switch m.Type {
	case MessageSync:
		length, control = TimedLength, controlSync
	case MessageDelayReq:
		length, control = TimedLength, controlDelayReq
	case MessageFollowUp:
		length, control = TimedLength, controlFollowUp
	case MessageDelayResp:
		length, control = DelayRespLength, controlDelayResp
	case MessageAnnounce:
		length, control = AnnounceLength, controlOther
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessage, m.Type)
	}

	b := make([]byte, length)
	b[0] = byte(m.Type) & 0x0F
	b[1] = Version
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	b[4] = m.Domain
	binary.BigEndian.PutUint16(b[6:8], m.Flags)
	binary.BigEndian.PutUint64(b[8:16], uint64(m.Correction))
	copy(b[20:28], m.Source.ClockID[:])
	binary.BigEndian.PutUint16(b[28:30], m.Source.PortNumber)
	binary.BigEndian.PutUint16(b[30:32], m.SequenceID)
	b[32] = control
	b[33] = byte(m.LogMessageInterval)
	putTimestamp(b[34:44], m.Timestamp)

	switch m.Type {
	case MessageDelayResp:
		copy(b[44:52], m.RequestingPort.ClockID[:])
		binary.BigEndian.PutUint16(b[52:54], m.RequestingPort.PortNumber)
	case MessageAnnounce:
		a := m.Announce
		binary.BigEndian.PutUint16(b[44:46], uint16(a.CurrentUTCOffset))
		b[47] = a.Priority1
		b[48] = a.ClockClass
		b[49] = a.ClockAccuracy
		binary.BigEndian.PutUint16(b[50:52], a.OffsetScaledLogVariance)
		b[52] = a.Priority2
		copy(b[53:61], a.GrandmasterIdentity[:])
		binary.BigEndian.PutUint16(b[61:63], a.StepsRemoved)
		b[63] = a.TimeSource
	}
	return b, nil
}

// ParseMessage декодирует PTP сообщение.
// Сообщения короче заголовка или тела своего типа отбрасываются с ErrMessageTooShort.
func ParseMessage(b []byte) (*Message, error) {
	if len(b) < HeaderLength {
		return nil, ErrMessageTooShort
	}
	m := &Message{}
	m.Type = MessageType(b[0] & 0x0F)
	m.Version = b[1] & 0x0F
	if m.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	m.Length = binary.BigEndian.Uint16(b[2:4])
	m.Domain = b[4]
	m.Flags = binary.BigEndian.Uint16(b[6:8])
	m.Correction = int64(binary.BigEndian.Uint64(b[8:16]))
	copy(m.Source.ClockID[:], b[20:28])
	m.Source.PortNumber = binary.BigEndian.Uint16(b[28:30])
	m.SequenceID = binary.BigEndian.Uint16(b[30:32])
	m.Control = b[32]
	m.LogMessageInterval = int8(b[33])

	var need int
	switch m.Type {
	case MessageSync, MessageDelayReq, MessageFollowUp:
		need = TimedLength
	case MessageDelayResp:
		need = DelayRespLength
	case MessageAnnounce:
		need = AnnounceLength
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessage, m.Type)
	}
	if len(b) < need {
		return nil, ErrMessageTooShort
	}

	m.Timestamp = readTimestamp(b[34:44])

	switch m.Type {
	case MessageDelayResp:
		copy(m.RequestingPort.ClockID[:], b[44:52])
		m.RequestingPort.PortNumber = binary.BigEndian.Uint16(b[52:54])
	case MessageAnnounce:
		a := &m.Announce
		a.CurrentUTCOffset = int16(binary.BigEndian.Uint16(b[44:46]))
		a.Priority1 = b[47]
		a.ClockClass = b[48]
		a.ClockAccuracy = b[49]
		a.OffsetScaledLogVariance = binary.BigEndian.Uint16(b[50:52])
		a.Priority2 = b[52]
		copy(a.GrandmasterIdentity[:], b[53:61])
		a.StepsRemoved = binary.BigEndian.Uint16(b[61:63])
		a.TimeSource = b[63]
	}
	return m, nil
}

// putTimestamp пишет 10-байтовую метку: 48 бит секунд + 32 бита наносекунд
func putTimestamp(b []byte, t Timestamp) {
	s := uint64(t.Seconds)
	b[0] = byte(s >> 40)
	b[1] = byte(s >> 32)
	binary.BigEndian.PutUint32(b[2:6], uint32(s))
	binary.BigEndian.PutUint32(b[6:10], uint32(t.Nanoseconds))
}

func readTimestamp(b []byte) Timestamp {
	s := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(binary.BigEndian.Uint32(b[2:6]))
	return NewTimestamp(int64(s), int64(binary.BigEndian.Uint32(b[6:10])))
}
