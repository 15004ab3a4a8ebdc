package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// ErrClosed возвращается операциями над закрытым сокетом
var ErrClosed = errors.New("mcast: сокет закрыт")

// Conn multicast UDP сокет
type Conn struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	ifi    *net.Interface
	group  *net.UDPAddr
	joined bool
	config Config

	closeOnce sync.Once
	closeErr  error
	mutex     sync.RWMutex
	closed    bool
}

// Listen открывает сокет приема, привязанный к порту группы, и присоединяется к группе
func Listen(ctx context.Context, config Config) (*Conn, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: controlFunc(config, true)}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(config.Port)))
	if err != nil {
		return nil, fmt.Errorf("mcast: ошибка привязки к порту %d: %w", config.Port, err)
	}

	c, err := newConn(pc.(*net.UDPConn), config)
	if err != nil {
		return nil, err
	}

	if err := c.pconn.JoinGroup(c.ifi, c.group); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("mcast: ошибка присоединения к группе %s: %w", c.group, err)
	}
	c.joined = true
	return c, nil
}

// Dial открывает сокет отправки, привязанный к адресу интерфейса.
// Ответы на этот сокет (unicast) также можно читать через ReadFrom.
func Dial(ctx context.Context, config Config) (*Conn, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	host := config.LocalAddr
	if host == "" {
		host = "0.0.0.0"
	}
	lc := net.ListenConfig{Control: controlFunc(config, false)}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("mcast: ошибка создания сокета отправки на %s: %w", host, err)
	}
	return newConn(pc.(*net.UDPConn), config)
}

func newConn(udp *net.UDPConn, config Config) (*Conn, error) {
	ifi, err := InterfaceByAddr(config.LocalAddr)
	if err != nil {
		udp.Close()
		return nil, err
	}

	c := &Conn{
		conn:   udp,
		pconn:  ipv4.NewPacketConn(udp),
		ifi:    ifi,
		group:  config.GroupAddr(),
		config: config,
	}

	if ifi != nil {
		if err := c.pconn.SetMulticastInterface(ifi); err != nil {
			udp.Close()
			return nil, fmt.Errorf("mcast: ошибка выбора интерфейса %s: %w", ifi.Name, err)
		}
	}
	if err := c.pconn.SetMulticastTTL(config.TTL); err != nil {
		udp.Close()
		return nil, fmt.Errorf("mcast: ошибка установки TTL: %w", err)
	}
	if err := c.pconn.SetMulticastLoopback(config.Loopback); err != nil {
		udp.Close()
		return nil, fmt.Errorf("mcast: ошибка установки loopback: %w", err)
	}
	return c, nil
}

// controlFunc применяет платформенные опции сокета до bind
func controlFunc(config Config, listener bool) func(network, address string, rc syscall.RawConn) error {
	return func(_, _ string, rc syscall.RawConn) error {
		var sockErr error
		err := rc.Control(func(fd uintptr) {
			if listener {
				if sockErr = setReuse(fd); sockErr != nil {
					return
				}
			}
			// буферы и DSCP не критичны: контейнеры часто запрещают их менять
			_ = setBuffers(fd, SocketBufferSize)
			if config.DSCP > 0 {
				_ = setDSCP(fd, config.DSCP)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// InterfaceByAddr ищет интерфейс, которому назначен IPv4 адрес.
// Пустой адрес или 0.0.0.0 означают интерфейс по умолчанию (nil).
func InterfaceByAddr(addr string) (*net.Interface, error) {
	if addr == "" {
		return nil, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("mcast: некорректный адрес %q", addr)
	}
	if ip.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("mcast: ошибка получения списка интерфейсов: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("mcast: не найден интерфейс с адресом %s", addr)
}

// ReadFrom читает датаграмму без изменения дедлайна
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	if c.isClosed() {
		return 0, nil, ErrClosed
	}
	n, addr, err := c.conn.ReadFrom(b)
	if err != nil && c.isClosed() {
		return 0, nil, ErrClosed
	}
	return n, addr, err
}

// Receive читает датаграмму с таймаутом из конфигурации
func (c *Conn) Receive(b []byte) (int, net.Addr, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.config.ReceiveTimeout)); err != nil {
		return 0, nil, err
	}
	return c.ReadFrom(b)
}

// WriteTo отправляет датаграмму на адрес
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	return c.conn.WriteTo(b, addr)
}

// Send отправляет датаграмму в группу
func (c *Conn) Send(b []byte) error {
	_, err := c.WriteTo(b, c.group)
	return err
}

// SetReadDeadline устанавливает дедлайн чтения
func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.conn.SetReadDeadline(t)
}

// LocalAddr локальный адрес сокета
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Group адрес группы
func (c *Conn) Group() *net.UDPAddr { return c.group }

// BufferSize размер буфера чтения из конфигурации
func (c *Conn) BufferSize() int { return c.config.BufferSize }

// Close покидает группу и закрывает сокет. Безопасен для повторного вызова
// и прерывает ReadFrom, заблокированный в другой горутине.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		c.mutex.Unlock()
		if c.joined {
			_ = c.pconn.LeaveGroup(c.ifi, c.group)
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.closed
}

// IsTimeout сообщает, что ошибка вызвана истечением дедлайна чтения
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed сообщает, что сокет закрыт
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed)
}
