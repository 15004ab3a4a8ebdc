package sap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	// DefaultGroup группа SAP объявлений AES67 (administratively scoped)
	DefaultGroup = "239.255.255.255"
	// DefaultPort порт SAP
	DefaultPort = 9875

	// ContentType тип содержимого объявления
	ContentType = "application/sdp"

	headerLength = 8

	flagVersion1   = 0x20 // V=1
	flagIPv6       = 0x10 // A
	flagDeletion   = 0x04 // T
	flagEncrypted  = 0x02 // E
	flagCompressed = 0x01 // C
)

var (
	// ErrInvalidPacket пакет не является SAP сообщением версии 1
	ErrInvalidPacket = errors.New("sap: некорректный SAP пакет")
	// ErrUnsupportedPayload сжатые и зашифрованные объявления не поддерживаются
	ErrUnsupportedPayload = errors.New("sap: сжатое или зашифрованное содержимое не поддерживается")
)

// MessageType тип SAP сообщения
type MessageType int

const (
	Announcement MessageType = iota
	Deletion
)

func (t MessageType) String() string {
	if t == Deletion {
		return "deletion"
	}
	return "announcement"
}

// Packet SAP сообщение
type Packet struct {
	Type        MessageType
	MessageHash uint16
	Origin      net.IP
	ContentType string
	Payload     []byte
}

// NewAnnouncement создает SAP пакет для SDP описания. Хэш сообщения берется из содержимого,
// поэтому повторные объявления неизмененной сессии имеют одинаковый заголовок.
func NewAnnouncement(t MessageType, origin net.IP, sdpBody []byte) *Packet {
	return &Packet{
		Type:        t,
		MessageHash: MessageHash(sdpBody),
		Origin:      origin,
		ContentType: ContentType,
		Payload:     sdpBody,
	}
}

// MarshalBinary кодирует SAP пакет
func (p *Packet) MarshalBinary() ([]byte, error) {
	origin := p.Origin.To4()
	if origin == nil {
		origin = net.IPv4zero.To4()
	}

	var buf bytes.Buffer
	buf.Grow(headerLength + len(p.ContentType) + 1 + len(p.Payload))

	flags := byte(flagVersion1)
	if p.Type == Deletion {
		flags |= flagDeletion
	}
	var hash [2]byte
	binary.BigEndian.PutUint16(hash[:], p.MessageHash)

	buf.WriteByte(flags)
	buf.WriteByte(0) // длина аутентификации
	buf.Write(hash[:])
	buf.Write(origin)
	if p.ContentType != "" {
		buf.WriteString(p.ContentType)
		buf.WriteByte(0)
	}
	buf.Write(p.Payload)
	return buf.Bytes(), nil
}

// ParsePacket разбирает SAP пакет. Тип сообщения определяется битом T заголовка.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < headerLength {
		return nil, ErrInvalidPacket
	}
	flags := b[0]
	if flags>>5 != 1 {
		return nil, fmt.Errorf("%w: версия %d", ErrInvalidPacket, flags>>5)
	}
	if flags&(flagEncrypted|flagCompressed) != 0 {
		return nil, ErrUnsupportedPayload
	}

	p := &Packet{MessageHash: binary.BigEndian.Uint16(b[2:4])}
	if flags&flagDeletion != 0 {
		p.Type = Deletion
	}

	offset := 4
	originLen := net.IPv4len
	if flags&flagIPv6 != 0 {
		originLen = net.IPv6len
	}
	if len(b) < offset+originLen {
		return nil, ErrInvalidPacket
	}
	p.Origin = net.IP(append([]byte(nil), b[offset:offset+originLen]...))
	offset += originLen

	offset += int(b[1]) * 4 // данные аутентификации пропускаются
	if len(b) < offset {
		return nil, ErrInvalidPacket
	}

	rest := b[offset:]
	// тип содержимого необязателен: без него тело начинается сразу с "v=0"
	if !bytes.HasPrefix(rest, []byte("v=0")) {
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return nil, fmt.Errorf("%w: нет типа содержимого", ErrInvalidPacket)
		}
		p.ContentType = string(rest[:i])
		rest = rest[i+1:]
	} else {
		p.ContentType = ContentType
	}
	p.Payload = append([]byte(nil), rest...)
	return p, nil
}

// Encode кодирует описание в готовое SAP сообщение
func Encode(t MessageType, d *Description) ([]byte, error) {
	body, err := d.MarshalSDP()
	if err != nil {
		return nil, err
	}
	origin := net.ParseIP(d.LocalAddress)
	return NewAnnouncement(t, origin, body).MarshalBinary()
}

// Decode разбирает SAP сообщение с SDP содержимым
func Decode(b []byte) (MessageType, *Description, error) {
	p, err := ParsePacket(b)
	if err != nil {
		return Announcement, nil, err
	}
	if p.ContentType != ContentType {
		return p.Type, nil, fmt.Errorf("%w: тип содержимого %q", ErrInvalidPacket, p.ContentType)
	}
	d, err := ParseSDP(p.Payload)
	if err != nil {
		return p.Type, nil, err
	}
	return p.Type, d, nil
}
