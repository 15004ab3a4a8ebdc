package aes67

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/aes67/pkg/audio"
	"github.com/arzzra/aes67/pkg/hptimer"
	"github.com/arzzra/aes67/pkg/mcast"
	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/arzzra/aes67/pkg/rtp"
	"github.com/arzzra/aes67/pkg/sap"
)

// PacketConn сокет SAP. *mcast.Conn удовлетворяет интерфейсу.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// SAPConnFactory открывает SAP сокет на локальном интерфейсе
type SAPConnFactory func(ctx context.Context, localAddr string) (PacketConn, error)

// TransportFactory открывает RTP транспорт потока
type TransportFactory func(ctx context.Context, config rtp.TransportConfig) (rtp.Transport, error)

// Option настройка менеджера
type Option func(*Manager)

// WithClock использует готовый источник PTP времени; собственный движок PTP не создается
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics задает метрики менеджера
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithPTPMetrics задает метрики создаваемого движка PTP
func WithPTPMetrics(metrics *ptp.Metrics) Option {
	return func(m *Manager) { m.ptpMetrics = metrics }
}

// WithSAPConnFactory подменяет открытие SAP сокетов
func WithSAPConnFactory(f SAPConnFactory) Option {
	return func(m *Manager) { m.sapFactory = f }
}

// WithTransportFactory подменяет открытие RTP транспортов
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.transportFactory = f }
}

// Manager владеет общим таймером, обнаружением сессий, выделением SSRC
// и multicast адресов и жизненным циклом каналов.
type Manager struct {
	config *ManagerConfig
	logger *slog.Logger

	metrics          *Metrics
	ptpMetrics       *ptp.Metrics
	sapFactory       SAPConnFactory
	transportFactory TransportFactory

	clock  Clock
	engine *ptp.Engine // nil если время задано через WithClock

	discovery *discoveryTable
	sapGroup  *net.UDPAddr

	sweepMu   sync.Mutex
	lastSweep time.Time

	// connMu отдельно от mu: SAP сообщения отправляются из потока таймера,
	// пока StopChannel под mu ждет завершения тика
	connMu   sync.RWMutex
	sapConns map[string]PacketConn

	mu       sync.Mutex
	channels map[uint32]*Channel
	handlers map[uint32]hptimer.HandlerID
	timer    *hptimer.Timer

	eventMu  sync.RWMutex
	onEvent  func(SessionEvent)
	runMutex sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager создает менеджер. Конфигурация копируется.
func NewManager(config *ManagerConfig, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.Copy()

	m := &Manager{
		config:    config,
		discovery: newDiscoveryTable(config.DiscoveryTimeout),
		sapGroup:  &net.UDPAddr{IP: net.ParseIP(config.SAPGroup), Port: config.SAPPort},
		sapConns:  make(map[string]PacketConn),
		channels:  make(map[uint32]*Channel),
		handlers:  make(map[uint32]hptimer.HandlerID),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default().With(slog.String("component", "aes67"))
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.sapFactory == nil {
		m.sapFactory = m.listenSAP
	}
	if m.transportFactory == nil {
		m.transportFactory = func(ctx context.Context, cfg rtp.TransportConfig) (rtp.Transport, error) {
			t, err := rtp.NewMulticastTransport(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}

	if m.clock == nil {
		ptpConfig := config.PTP
		if ptpConfig.LocalAddr == "" {
			ptpConfig.LocalAddr = config.LocalAddresses[0]
		}
		engineOpts := []ptp.EngineOption{
			ptp.WithLogger(m.logger.With(slog.String("component", "ptp"))),
		}
		if m.ptpMetrics != nil {
			engineOpts = append(engineOpts, ptp.WithMetrics(m.ptpMetrics))
		}
		engine, err := ptp.NewEngine(ptpConfig, engineOpts...)
		if err != nil {
			return nil, newError(ErrorCodeInvalidConfig, 0, err, "ошибка создания движка PTP")
		}
		m.engine = engine
		m.clock = engine
	}

	return m, nil
}

func (m *Manager) listenSAP(ctx context.Context, localAddr string) (PacketConn, error) {
	conn, err := mcast.Listen(ctx, mcast.Config{
		Group:          m.config.SAPGroup,
		Port:           m.config.SAPPort,
		LocalAddr:      localAddr,
		TTL:            m.config.TTL,
		Loopback:       m.config.Loopback,
		ReceiveTimeout: m.config.ReceiveTimeout,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config копия конфигурации
func (m *Manager) Config() *ManagerConfig { return m.config.Copy() }

// Clock источник PTP времени каналов
func (m *Manager) Clock() Clock { return m.clock }

// PTP движок синхронизации; nil если время задано через WithClock
func (m *Manager) PTP() *ptp.Engine { return m.engine }

// OnSessionEvent задает обработчик уведомлений об удаленных сессиях.
// Вызывается из потока приема SAP.
func (m *Manager) OnSessionEvent(fn func(SessionEvent)) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onEvent = fn
}

// Start открывает SAP сокеты на всех локальных адресах и запускает PTP
func (m *Manager) Start(ctx context.Context) error {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if m.running {
		return newError(ErrorCodeManagerAlreadyStarted, 0, nil, "менеджер уже запущен")
	}

	g, gctx := errgroup.WithContext(ctx)
	var connMu sync.Mutex
	conns := make(map[string]PacketConn, len(m.config.LocalAddresses))
	for _, addr := range m.config.LocalAddresses {
		addr := addr
		g.Go(func() error {
			conn, err := m.sapFactory(gctx, addr)
			if err != nil {
				return fmt.Errorf("SAP сокет на %s: %w", addr, err)
			}
			connMu.Lock()
			conns[addr] = conn
			connMu.Unlock()
			return nil
		})
	}
	if m.engine != nil {
		g.Go(func() error {
			return m.engine.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			conn.Close()
		}
		if m.engine != nil {
			m.engine.Stop()
		}
		return newError(ErrorCodeTransportFailed, 0, err, "ошибка запуска менеджера")
	}

	m.connMu.Lock()
	m.sapConns = conns
	m.connMu.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	for addr, conn := range conns {
		m.wg.Add(1)
		go m.receiveLoop(m.ctx, addr, conn)
	}

	m.logger.Info("менеджер AES67 запущен",
		slog.Any("local", m.config.LocalAddresses),
		slog.String("sap", m.sapGroup.String()))
	return nil
}

// Stop останавливает все каналы, таймер, прием SAP и PTP
func (m *Manager) Stop() error {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if !m.running {
		return nil
	}

	var errs []error
	m.mu.Lock()
	ssrcs := make([]uint32, 0, len(m.channels))
	for ssrc := range m.channels {
		ssrcs = append(ssrcs, ssrc)
	}
	m.mu.Unlock()
	for _, ssrc := range ssrcs {
		if err := m.StopChannel(ssrc); err != nil {
			errs = append(errs, err)
		}
	}

	m.cancel()
	m.connMu.Lock()
	for addr, conn := range m.sapConns {
		if err := conn.Close(); err != nil && !mcast.IsClosed(err) {
			errs = append(errs, fmt.Errorf("SAP сокет %s: %w", addr, err))
		}
	}
	m.sapConns = make(map[string]PacketConn)
	m.connMu.Unlock()
	m.wg.Wait()

	if m.engine != nil {
		if err := m.engine.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	m.running = false
	m.logger.Info("менеджер AES67 остановлен")
	return errors.Join(errs...)
}

// Running запущен ли менеджер
func (m *Manager) Running() bool {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()
	return m.running
}

// NewChannel создает канал, подписывает его на общий таймер и сразу объявляет сессию
func (m *Manager) NewChannel(cfg ChannelConfig) (*Channel, error) {
	if !m.Running() {
		return nil, newError(ErrorCodeManagerNotStarted, 0, nil, "менеджер не запущен")
	}

	output := cfg.Output
	if output == (audio.Format{}) {
		output = m.config.Format
	}
	if err := validateFormat(output, 0); err != nil {
		return nil, err
	}
	input := cfg.Input
	if input == (audio.Format{}) {
		input = output
	}
	packetTime := cfg.PacketTime
	if packetTime == 0 {
		packetTime = m.config.PacketTime
	}
	if err := validatePacketTime(output, packetTime, 0); err != nil {
		return nil, err
	}
	// Общий таймер тикает с периодом m.config.PacketTime/10, более короткие пакеты он не обслужит
	if packetTime < m.config.PacketTime {
		return nil, newError(ErrorCodeUnsupportedPacketTime, 0, nil,
			"длительность пакета %s меньше %s, заданной для менеджера", packetTime, m.config.PacketTime)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ssrc, err := m.allocateSSRCLocked()
	if err != nil {
		return nil, err
	}
	group, err := m.allocateMulticastLocked()
	if err != nil {
		return nil, err
	}

	transports := make(map[string]rtp.Transport, len(m.config.LocalAddresses))
	closeAll := func() {
		for _, t := range transports {
			t.Close()
		}
	}
	for _, local := range m.config.LocalAddresses {
		t, err := m.transportFactory(m.ctx, rtp.TransportConfig{
			LocalAddr: local,
			Group:     group,
			Port:      m.config.RTPPort,
			TTL:       m.config.TTL,
			Loopback:  m.config.Loopback,
		})
		if err != nil {
			closeAll()
			return nil, newError(ErrorCodeTransportFailed, ssrc, err, "ошибка открытия RTP транспорта на %s", local)
		}
		transports[local] = t
	}

	ch, err := newChannel(channelParams{
		ssrc:       ssrc,
		name:       cfg.Name,
		info:       cfg.Info,
		input:      input,
		output:     output,
		packetTime: packetTime,
		multicast:  group,
		port:       m.config.RTPPort,
		version:    uint64(time.Now().Unix()),
		transports: transports,
		order:      m.config.LocalAddresses,
		clock:      m.clock,
		announce:   m.sendSAP,
		metrics:    m.metrics,
		logger:     m.logger,
		interval:   m.config.AnnounceInterval,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	if m.timer == nil {
		timer := hptimer.New()
		if err := timer.SetPeriod(m.config.PacketTime / 10); err != nil {
			closeAll()
			return nil, newError(ErrorCodeInvalidConfig, ssrc, err, "ошибка настройки таймера")
		}
		if err := timer.Start(); err != nil {
			closeAll()
			return nil, newError(ErrorCodeInvalidConfig, ssrc, err, "ошибка запуска таймера")
		}
		m.timer = timer
	}

	m.channels[ssrc] = ch
	m.handlers[ssrc] = m.timer.Subscribe(ch.SendRTP)
	m.metrics.channels.Set(float64(len(m.channels)))

	if err := ch.Announce(); err != nil {
		m.logger.Warn("ошибка первого SAP объявления", slog.Any("error", err))
	}

	m.logger.Info("канал создан",
		slog.String("ssrc", fmt.Sprintf("%08X", ssrc)),
		slog.String("name", cfg.Name),
		slog.String("group", group),
		slog.String("format", output.String()),
		slog.Duration("ptime", packetTime))
	return ch, nil
}

// StopChannel отписывает канал от таймера, отправляет SAP удаление и закрывает сокеты.
// Таймер останавливается вместе с последним каналом.
func (m *Manager) StopChannel(ssrc uint32) error {
	m.mu.Lock()
	ch, ok := m.channels[ssrc]
	if !ok {
		m.mu.Unlock()
		return newError(ErrorCodeChannelNotFound, ssrc, nil, "канал не найден")
	}
	delete(m.channels, ssrc)
	if id, ok := m.handlers[ssrc]; ok && m.timer != nil {
		m.timer.Unsubscribe(id)
	}
	delete(m.handlers, ssrc)

	var timer *hptimer.Timer
	if len(m.channels) == 0 {
		timer, m.timer = m.timer, nil
	}
	m.metrics.channels.Set(float64(len(m.channels)))
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	return ch.stop()
}

// Channel возвращает канал по SSRC
func (m *Manager) Channel(ssrc uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[ssrc]
	return ch, ok
}

// Channels активные каналы в порядке SSRC
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *Channel) int {
		switch {
		case a.ssrc < b.ssrc:
			return -1
		case a.ssrc > b.ssrc:
			return 1
		}
		return 0
	})
	return out
}

// DiscoveredSessions живые сессии, обнаруженные в сети
func (m *Manager) DiscoveredSessions() []sap.Description {
	return m.discovery.list()
}

// AllocateSSRC случайный SSRC, не занятый ни локальным каналом, ни обнаруженной сессией
func (m *Manager) AllocateSSRC() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateSSRCLocked()
}

func (m *Manager) allocateSSRCLocked() (uint32, error) {
	for iter := 0; iter < m.config.MaxAllocationAttempts; iter++ {
		ssrc, err := rtp.GenerateSSRC()
		if err != nil {
			return 0, newError(ErrorCodeSSRCExhausted, 0, err, "ошибка генерации SSRC")
		}
		if ssrc == 0 {
			continue
		}
		if _, ok := m.channels[ssrc]; ok {
			continue
		}
		if m.discovery.usesSSRC(ssrc) {
			continue
		}
		return ssrc, nil
	}
	return 0, newError(ErrorCodeSSRCExhausted, 0, nil, "не удалось выделить SSRC за %d попыток", m.config.MaxAllocationAttempts)
}

// AllocateMulticastAddress первый свободный адрес, начиная с MulticastBase
func (m *Manager) AllocateMulticastAddress() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateMulticastLocked()
}

func (m *Manager) allocateMulticastLocked() (string, error) {
	used := m.discovery.multicastAddresses()
	for _, ch := range m.channels {
		used[ch.MulticastAddress()] = struct{}{}
	}

	addr := net.ParseIP(m.config.MulticastBase).To4()
	for iter := 0; iter < m.config.MaxAllocationAttempts; iter++ {
		if !addr.IsMulticast() {
			break
		}
		candidate := addr.String()
		if _, ok := used[candidate]; !ok {
			return candidate, nil
		}
		addr = nextMulticastAddress(addr)
	}
	return "", newError(ErrorCodeMulticastExhausted, 0, nil, "не найден свободный multicast адрес от %s", m.config.MulticastBase)
}

// nextMulticastAddress увеличивает последний октет с переносом в третий и второй
func nextMulticastAddress(ip net.IP) net.IP {
	next := make(net.IP, net.IPv4len)
	copy(next, ip.To4())
	for i := 3; i >= 1; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// sendSAP отправляет SAP сообщение через сокет интерфейса
func (m *Manager) sendSAP(localAddr string, msg []byte) error {
	m.connMu.RLock()
	conn, ok := m.sapConns[localAddr]
	m.connMu.RUnlock()
	if !ok {
		return newError(ErrorCodeManagerNotStarted, 0, nil, "нет SAP сокета на %s", localAddr)
	}
	_, err := conn.WriteTo(msg, m.sapGroup)
	return err
}

func (m *Manager) receiveLoop(ctx context.Context, localAddr string, conn PacketConn) {
	defer m.wg.Done()

	buf := make([]byte, mcast.DefaultBufferSize)
	logger := m.logger.With(slog.String("local", localAddr))
	logger.Debug("aes67.receiveLoop Started")

	for {
		if ctx.Err() != nil {
			logger.Debug("aes67.receiveLoop Stopped")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.config.ReceiveTimeout))
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			switch {
			case ctx.Err() != nil || mcast.IsClosed(err):
				logger.Debug("aes67.receiveLoop Stopped")
				return
			case mcast.IsTimeout(err):
				m.sweep()
			default:
				logger.Warn("ошибка чтения SAP сокета", slog.Any("error", err))
			}
			continue
		}
		m.receive(buf[:n], src)
	}
}

// receive обрабатывает датаграмму. При плотном потоке объявлений таймаут чтения
// не наступает, поэтому просроченные сессии проверяются и здесь.
func (m *Manager) receive(data []byte, src net.Addr) {
	m.handleSAP(data, src)

	m.sweepMu.Lock()
	due := m.discovery.now().Sub(m.lastSweep) >= m.config.ReceiveTimeout
	m.sweepMu.Unlock()
	if due {
		m.sweep()
	}
}

// handleSAP обновляет таблицу обнаружения по одному SAP сообщению
func (m *Manager) handleSAP(data []byte, src net.Addr) {
	packet, err := sap.ParsePacket(data)
	if err != nil {
		m.metrics.sapErrors.Inc()
		m.logger.Debug("некорректное SAP сообщение", slog.Any("error", err))
		return
	}
	if packet.ContentType != sap.ContentType {
		return
	}
	desc, err := sap.ParseSDP(packet.Payload)
	if err != nil {
		m.metrics.sapErrors.Inc()
		m.logger.Debug("некорректное SDP", slog.Any("error", err))
		return
	}

	origin := ""
	if packet.Origin != nil && !packet.Origin.IsUnspecified() {
		origin = packet.Origin.String()
	} else if udp, ok := src.(*net.UDPAddr); ok {
		origin = udp.IP.String()
	}

	if m.isOwnSession(desc.SessionID, origin) {
		return
	}

	key := sessionKey{ssrc: desc.SessionID, origin: origin}
	switch packet.Type {
	case sap.Deletion:
		removed, ok := m.discovery.remove(key)
		if !ok {
			return
		}
		m.logger.Info("сессия удалена",
			slog.String("name", removed.Name),
			slog.String("origin", origin))
		m.emit(SessionEvent{Type: SessionOffline, Session: removed, Origin: origin})
	default:
		changed := m.discovery.upsert(key, *desc)
		m.emit(SessionEvent{Type: SessionOnline, Session: *desc, Origin: origin, Changed: changed})
	}
	m.metrics.discovered.Set(float64(m.discovery.len()))
}

func (m *Manager) isOwnSession(ssrc uint32, origin string) bool {
	if !slices.Contains(m.config.LocalAddresses, origin) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[ssrc]
	return ok
}

// sweep удаляет просроченные сессии и уведомляет о каждой один раз
func (m *Manager) sweep() {
	m.sweepMu.Lock()
	m.lastSweep = m.discovery.now()
	m.sweepMu.Unlock()

	expired := m.discovery.sweep()
	for _, ev := range expired {
		m.logger.Info("сессия пропала по таймауту",
			slog.String("name", ev.Session.Name),
			slog.String("origin", ev.Origin))
		m.emit(ev)
	}
	if len(expired) > 0 {
		m.metrics.discovered.Set(float64(m.discovery.len()))
	}
}

func (m *Manager) emit(ev SessionEvent) {
	m.eventMu.RLock()
	fn := m.onEvent
	m.eventMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}
