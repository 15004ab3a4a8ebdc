package sap

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	// DefaultPayloadType динамический payload type AES67 потоков
	DefaultPayloadType = 96

	// MulticastTTL TTL в строке c=
	MulticastTTL = 32

	ptpClockPrefix = "ptp=IEEE1588-2008:"
)

// ErrInvalidDescription SDP не описывает AES67 аудио поток
var ErrInvalidDescription = errors.New("sap: некорректное описание сессии")

// Description параметры одной AES67 сессии на одном локальном интерфейсе
type Description struct {
	SessionID      uint32 // Совпадает с SSRC потока
	SessionVersion uint64
	Name           string
	Info           string

	LocalAddress     string // Адрес интерфейса-источника (o=)
	MulticastAddress string // Группа назначения RTP (c=)
	MulticastPort    int

	PTPMasterID string // XX-XX-XX-XX-XX-XX-XX-XX
	PTPDomain   uint8

	PacketTime       time.Duration
	SamplesPerPacket int
	Encoding         string // L16, L24, L32
	SampleRate       int
	Channels         int
	PayloadType      uint8
}

// Validate проверяет обязательные поля
func (d *Description) Validate() error {
	switch {
	case d.MulticastAddress == "":
		return fmt.Errorf("%w: не задан multicast адрес", ErrInvalidDescription)
	case d.MulticastPort <= 0 || d.MulticastPort > math.MaxUint16:
		return fmt.Errorf("%w: некорректный порт %d", ErrInvalidDescription, d.MulticastPort)
	case d.Encoding == "":
		return fmt.Errorf("%w: не задана кодировка", ErrInvalidDescription)
	case d.SampleRate <= 0 || d.Channels <= 0:
		return fmt.Errorf("%w: некорректный формат %d/%d", ErrInvalidDescription, d.SampleRate, d.Channels)
	}
	return nil
}

// SessionDescription строит pion/sdp описание сессии
func (d *Description) SessionDescription() (*sdp.SessionDescription, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	ttl := MulticastTTL
	pt := strconv.Itoa(int(d.PayloadType))
	local := d.LocalAddress
	if local == "" {
		local = "0.0.0.0"
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: d.MulticastPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		Attributes: []sdp.Attribute{
			{Key: "clock-domain", Value: fmt.Sprintf("PTPv2 %d", d.PTPDomain)},
			{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d/%d", pt, d.Encoding, d.SampleRate, d.Channels)},
			{Key: "sync-time", Value: "0"},
			{Key: "framecount", Value: strconv.Itoa(d.SamplesPerPacket)},
			{Key: "ptime", Value: FormatPacketTime(d.PacketTime)},
			{Key: "mediaclk", Value: "direct=0"},
			{Key: "ts-refclk", Value: ptpClockPrefix + d.PTPMasterID},
			{Key: "recvonly"},
		},
	}
	if d.Info != "" {
		info := sdp.Information(d.Info)
		media.MediaTitle = &info
	}

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(d.SessionID),
			SessionVersion: d.SessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: local,
		},
		SessionName: sdp.SessionName(d.Name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: d.MulticastAddress, TTL: &ttl},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}, nil
}

// MarshalSDP кодирует описание в текст SDP
func (d *Description) MarshalSDP() ([]byte, error) {
	sd, err := d.SessionDescription()
	if err != nil {
		return nil, err
	}
	return sd.Marshal()
}

// ParseSDP разбирает текст SDP в Description.
// Берется первое аудио медиа описание; c= ищется сначала в нем, затем на уровне сессии.
func ParseSDP(raw []byte) (*Description, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("sap: ошибка разбора SDP: %w", err)
	}
	return FromSessionDescription(&sd)
}

// FromSessionDescription извлекает параметры AES67 потока из pion/sdp описания
func FromSessionDescription(sd *sdp.SessionDescription) (*Description, error) {
	var media *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			media = m
			break
		}
	}
	if media == nil {
		return nil, fmt.Errorf("%w: нет аудио потока", ErrInvalidDescription)
	}

	d := &Description{
		SessionID:      uint32(sd.Origin.SessionID),
		SessionVersion: sd.Origin.SessionVersion,
		Name:           string(sd.SessionName),
		LocalAddress:   sd.Origin.UnicastAddress,
		MulticastPort:  media.MediaName.Port.Value,
	}
	if media.MediaTitle != nil {
		d.Info = string(*media.MediaTitle)
	}

	conn := media.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn != nil && conn.Address != nil {
		d.MulticastAddress = hostPart(conn.Address.Address)
	}

	if len(media.MediaName.Formats) > 0 {
		if pt, err := strconv.Atoi(media.MediaName.Formats[0]); err == nil {
			d.PayloadType = uint8(pt)
		}
	}

	// атрибуты уровня сессии встречаются у сторонних устройств, атрибуты медиа их перекрывают
	for _, attr := range sd.Attributes {
		parseAttribute(d, attr)
	}
	for _, attr := range media.Attributes {
		parseAttribute(d, attr)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseAttribute(d *Description, attr sdp.Attribute) {
	switch attr.Key {
	case "rtpmap":
		parseRtpmap(d, attr.Value)
	case "ptime":
		if ms, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			d.PacketTime = time.Duration(math.Round(ms*1000)) * time.Microsecond
		}
	case "framecount":
		if n, err := strconv.Atoi(attr.Value); err == nil {
			d.SamplesPerPacket = n
		}
	case "clock-domain":
		fields := strings.Fields(attr.Value)
		if len(fields) == 2 {
			if domain, err := strconv.Atoi(fields[1]); err == nil {
				d.PTPDomain = uint8(domain)
			}
		}
	case "ts-refclk":
		if rest, ok := strings.CutPrefix(attr.Value, ptpClockPrefix); ok {
			// допускается форма <gmid>:<domain> (RFC 7273)
			id, domain, found := strings.Cut(rest, ":")
			d.PTPMasterID = id
			if found {
				if n, err := strconv.Atoi(domain); err == nil {
					d.PTPDomain = uint8(n)
				}
			}
		}
	}
}

// parseRtpmap разбирает "<pt> <encoding>/<rate>[/<channels>]"
func parseRtpmap(d *Description, value string) {
	ptStr, codec, ok := strings.Cut(value, " ")
	if !ok {
		return
	}
	if pt, err := strconv.Atoi(ptStr); err != nil || uint8(pt) != d.PayloadType {
		return
	}
	// встречается форма "L24/48000 2"
	parts := strings.Split(strings.Replace(codec, " ", "/", 1), "/")
	d.Encoding = parts[0]
	if len(parts) > 1 {
		d.SampleRate, _ = strconv.Atoi(parts[1])
	}
	d.Channels = 1
	if len(parts) > 2 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			d.Channels = ch
		}
	}
}

// FormatPacketTime форматирует длительность пакета в миллисекундах для a=ptime (0.125, 1, 4)
func FormatPacketTime(d time.Duration) string {
	ms := float64(d.Microseconds()) / 1000
	return strconv.FormatFloat(ms, 'f', -1, 64)
}

func hostPart(addr string) string {
	host, _, _ := strings.Cut(addr, "/")
	return host
}
