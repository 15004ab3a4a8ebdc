package sap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// MessageHash 16-битный идентификатор версии объявления для SAP заголовка
func MessageHash(body []byte) uint16 {
	h := xxhash.Sum64(body)
	return uint16(h ^ h>>16 ^ h>>32 ^ h>>48)
}

// ContentHash хэш параметров потока без sessionVersion и имени.
// Переименование сессии не меняет хэш.
func ContentHash(d *Description) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(d.MulticastAddress)
	_, _ = h.WriteString(d.Encoding)
	_, _ = h.WriteString(d.PTPMasterID)

	var b [16]byte
	binary.BigEndian.PutUint32(b[0:], uint32(d.MulticastPort))
	binary.BigEndian.PutUint32(b[4:], uint32(d.SampleRate))
	binary.BigEndian.PutUint32(b[8:], uint32(d.Channels))
	binary.BigEndian.PutUint32(b[12:], uint32(d.SamplesPerPacket))
	_, _ = h.Write(b[:])
	return h.Sum64()
}
