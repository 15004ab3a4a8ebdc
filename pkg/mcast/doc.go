// Package mcast содержит UDP сокеты для IPv4 multicast, общие для PTP, SAP и RTP.
//
// Сокеты приема привязываются к порту группы с SO_REUSEADDR/SO_REUSEPORT,
// чтобы несколько процессов на одном хосте могли слушать 319/320/9875,
// и присоединяются к группе на выбранном интерфейсе. Сокеты отправки
// привязываются к адресу интерфейса и задают multicast интерфейс, TTL,
// loopback и DSCP маркировку.
//
// Платформенные настройки сокета лежат в sockopt_*.go.
package mcast
