// Package sap кодирует и разбирает объявления AES67 сессий: SAP заголовок
// (RFC 2974) и SDP описание потока (RFC 4566, RFC 7273).
//
// Пакет не выполняет ввод-вывод. Отправкой и приемом объявлений занимается
// менеджер каналов, здесь только кодеки.
//
// # Формат
//
// Объявление состоит из 8-байтового SAP заголовка, типа содержимого
// "application/sdp\0" и текстового SDP:
//
//	v=0
//	o=- <sessId> <sessVersion> IN IP4 <addr>
//	s=<name>
//	c=IN IP4 <multicastAddr>/32
//	t=0 0
//	m=audio <port> RTP/AVP 96
//	i=<info>
//	a=clock-domain:PTPv2 <domain>
//	a=rtpmap:96 L24/48000/2
//	...
//
// SDP строится и разбирается через github.com/pion/sdp/v3.
package sap
