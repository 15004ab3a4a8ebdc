package ptp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// ClockID 8-байтовый идентификатор часов (EUI-64)
type ClockID [8]byte

// String форматирует идентификатор в виде XX-XX-XX-XX-XX-XX-XX-XX, как в SDP ts-refclk
func (id ClockID) String() string {
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, "-")
}

// IsZero проверяет пустой идентификатор
func (id ClockID) IsZero() bool { return id == ClockID{} }

// ParseClockID разбирает идентификатор в формате XX-XX-XX-XX-XX-XX-XX-XX
func ParseClockID(s string) (ClockID, error) {
	var id ClockID
	raw, err := hex.DecodeString(strings.NewReplacer("-", "", ":", "").Replace(s))
	if err != nil {
		return id, fmt.Errorf("ptp: некорректный clock identity %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("ptp: clock identity %q должен содержать 8 байт", s)
	}
	copy(id[:], raw)
	return id, nil
}

// ClockIDFromMAC строит EUI-64 из 48-битного MAC: вставляет FF-FE в середину
func ClockIDFromMAC(mac net.HardwareAddr) (ClockID, bool) {
	var id ClockID
	if len(mac) != 6 {
		return id, false
	}
	copy(id[0:3], mac[0:3])
	id[3], id[4] = 0xFF, 0xFE
	copy(id[5:8], mac[3:6])
	return id, true
}

// RandomClockID случайный идентификатор для хостов без пригодного MAC
func RandomClockID() ClockID {
	var id ClockID
	_, _ = rand.Read(id[:])
	return id
}

// DefaultClockID берет MAC первого активного не-loopback интерфейса,
// иначе возвращает случайный идентификатор.
func DefaultClockID() ClockID {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagUp == 0 {
				continue
			}
			if id, ok := ClockIDFromMAC(ifi.HardwareAddr); ok {
				return id
			}
		}
	}
	return RandomClockID()
}

// ClockIdentity ключ сравнения в алгоритме BMC
type ClockIdentity struct {
	ID            ClockID
	Priority1     uint8
	Priority2     uint8
	ClockClass    uint8
	ClockAccuracy uint8
	ClockVariance uint16
	StepsRemoved  uint16
}

// IdentityFromAnnounce собирает ClockIdentity отправителя Announce
func IdentityFromAnnounce(m *Message) ClockIdentity {
	return ClockIdentity{
		ID:            m.Source.ClockID,
		Priority1:     m.Announce.Priority1,
		Priority2:     m.Announce.Priority2,
		ClockClass:    m.Announce.ClockClass,
		ClockAccuracy: m.Announce.ClockAccuracy,
		ClockVariance: m.Announce.OffsetScaledLogVariance,
		StepsRemoved:  m.Announce.StepsRemoved,
	}
}

// Compare сравнивает часы по порядку priority1, clockClass, priority2,
// clockAccuracy, clockVariance, stepsRemoved, clockIdentity.
// Меньшее значение лучше: результат < 0 означает, что a лучше b.
func Compare(a, b ClockIdentity) int {
	if a.Priority1 != b.Priority1 {
		return cmpInt(int(a.Priority1), int(b.Priority1))
	}
	if a.ClockClass != b.ClockClass {
		return cmpInt(int(a.ClockClass), int(b.ClockClass))
	}
	if a.Priority2 != b.Priority2 {
		return cmpInt(int(a.Priority2), int(b.Priority2))
	}
	if a.ClockAccuracy != b.ClockAccuracy {
		return cmpInt(int(a.ClockAccuracy), int(b.ClockAccuracy))
	}
	if a.ClockVariance != b.ClockVariance {
		return cmpInt(int(a.ClockVariance), int(b.ClockVariance))
	}
	if a.StepsRemoved != b.StepsRemoved {
		return cmpInt(int(a.StepsRemoved), int(b.StepsRemoved))
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// Better сообщает, что a выигрывает у b
func (a ClockIdentity) Better(b ClockIdentity) bool { return Compare(a, b) < 0 }

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}
