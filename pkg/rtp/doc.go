// Package rtp формирует и отправляет RTP пакеты AES67 потоков.
//
// Packetizer ведет номер последовательности и RTP timestamp одного потока.
// Timestamp выводится из PTP времени: при первом пакете он привязывается к
// скорректированным часам, затем растет на samplesPerPacket за пакет, а каждые
// ResyncInterval пакетов сверяется с часами. Расхождение больше одного пакета
// исправляется скачком, меньшее сглаживается обычным приращением.
//
// Пакеты не формируются, пока время не установлено (ErrTimeNotEstablished):
// поток без синхронизации молчит и возобновляется сам.
//
// # Формат пакета
//
//	0                   1                   2                   3
//	V=2|P|X| CC=0 |M| PT=96     |       sequence number         |
//	                         timestamp                          |
//	                           SSRC                             |
//	                     PCM payload (big-endian)               ...
//
// Заголовок и сериализация реализованы через github.com/pion/rtp.
//
// # Транспорт
//
// MulticastTransport отправляет пакеты в multicast группу через pkg/mcast с
// DSCP AF41 и проверяет заголовок и размер каждого исходящего пакета.
package rtp
