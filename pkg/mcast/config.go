package mcast

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout таймаут чтения, после которого циклы приема выполняют обслуживание
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DefaultTTL TTL multicast пакетов
	DefaultTTL = 32

	// SocketBufferSize размер SO_RCVBUF/SO_SNDBUF
	SocketBufferSize = 256 * 1024

	// DSCP значения по AES67 (RFC 4594)
	DSCPExpeditedForwarding = 46 // PTP event сообщения
	DSCPAssuredForwarding41 = 34 // RTP аудио
	DSCPBestEffort          = 0
)

// Config параметры multicast сокета
type Config struct {
	Group          string        // Адрес группы, например "224.0.1.129"
	Port           int           // Порт группы
	LocalAddr      string        // IPv4 адрес локального интерфейса ("" - интерфейс по умолчанию)
	TTL            int           // TTL исходящих пакетов
	Loopback       bool          // Доставлять свои пакеты на локальный хост
	DSCP           int           // DSCP маркировка (0 - не задавать)
	BufferSize     int           // Размер буфера чтения
	ReceiveTimeout time.Duration // Таймаут Receive
}

// ApplyDefaults заполняет незаданные поля
func (c *Config) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	ip := net.ParseIP(c.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("mcast: %q не является IPv4 multicast адресом", c.Group)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("mcast: порт %d вне диапазона", c.Port)
	}
	if c.LocalAddr != "" && net.ParseIP(c.LocalAddr) == nil {
		return fmt.Errorf("mcast: некорректный локальный адрес %q", c.LocalAddr)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("mcast: DSCP должен быть в диапазоне 0-63")
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("mcast: TTL должен быть в диапазоне 0-255")
	}
	return nil
}

// GroupAddr адрес назначения группы
func (c *Config) GroupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Group).To4(), Port: c.Port}
}
