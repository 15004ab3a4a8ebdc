package ptp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/aes67/pkg/mcast"
)

// PacketConn сокет, через который движок принимает и отправляет сообщения.
// *mcast.Conn удовлетворяет интерфейсу; тесты подставляют сокеты в памяти.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Status снимок состояния синхронизации
type Status struct {
	State       PortState
	IsMaster    bool
	IsSynced    bool
	Offset      Timestamp
	Delay       Timestamp
	MasterID    ClockID // Часы, от которых принимаем Sync (свои, если мы master)
	Grandmaster ClockID // Grandmaster из Announce текущего master
	LastSync    Timestamp
}

type peer struct {
	identity    ClockIdentity
	grandmaster ClockID
	lastSeen    Timestamp
}

// Engine движок синхронизации PTP для одного домена.
//
// Два цикла приема (event и general) и два периодических отправителя роли master
// изменяют общее состояние только под mu; RTP пакетизатор читает его через Now.
type Engine struct {
	config  Config
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
	state   *portFSM

	conns [2]PacketConn
	dest  [2]net.Addr

	mu             sync.Mutex
	self           ClockIdentity
	peers          map[ClockID]*peer
	master         ClockID
	hasMaster      bool
	t1, t2, t3, t4 Timestamp
	syncSeq        uint16
	waitFollowUp   bool
	reqSeq         uint16
	waitResp       bool
	offset         Timestamp
	delay          Timestamp
	synced         bool
	lastSync       Timestamp // по сырым часам
	listenSince    Timestamp // по сырым часам
	txSyncSeq      uint16
	txAnnounceSeq  uint16

	runMutex sync.Mutex
	running  bool
	ownConns bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EngineOption настраивает Engine
type EngineOption func(*Engine)

// WithClock подменяет источник сырого времени
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics задает метрики
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithConns задает готовые сокеты event и general вместо multicast
func WithConns(event, general PacketConn) EngineOption {
	return func(e *Engine) {
		e.conns[PortEvent] = event
		e.conns[PortGeneral] = general
	}
}

// NewEngine создает движок синхронизации
func NewEngine(config Config, opts ...EngineOption) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Identity.IsZero() {
		config.Identity = DefaultClockID()
	}

	e := &Engine{
		config: config,
		clock:  NewSystemClock(),
		logger: slog.Default(),
		peers:  make(map[ClockID]*peer),
		self: ClockIdentity{
			ID:            config.Identity,
			Priority1:     config.Priority1,
			Priority2:     config.Priority2,
			ClockClass:    config.ClockClass,
			ClockAccuracy: config.ClockAccuracy,
			ClockVariance: config.ClockVariance,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.logger = e.logger.With(slog.String("component", "ptp"), slog.Int("domain", int(config.Domain)))

	group := net.ParseIP(config.MulticastGroup()).To4()
	e.dest[PortEvent] = &net.UDPAddr{IP: group, Port: EventPort}
	e.dest[PortGeneral] = &net.UDPAddr{IP: group, Port: GeneralPort}

	e.state = newPortFSM(e.onStateChange)
	return e, nil
}

// Start открывает сокеты (если не заданы WithConns) и запускает циклы
func (e *Engine) Start(ctx context.Context) error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if e.running {
		return errors.New("ptp: движок уже запущен")
	}

	if e.conns[PortEvent] == nil || e.conns[PortGeneral] == nil {
		if err := e.openConns(ctx); err != nil {
			return err
		}
		e.ownConns = true
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.mu.Lock()
	e.state.fire(eventListen)
	e.listenSince = e.clock.Now()
	e.mu.Unlock()

	e.wg.Add(4)
	go e.receiveLoop(ctx, PortEvent)
	go e.receiveLoop(ctx, PortGeneral)
	go e.announceLoop(ctx)
	go e.syncLoop(ctx)

	e.logger.Info("PTP движок запущен",
		slog.String("identity", e.self.ID.String()),
		slog.String("group", e.config.MulticastGroup()))
	return nil
}

func (e *Engine) openConns(ctx context.Context) error {
	for _, port := range []Port{PortEvent, PortGeneral} {
		dscp := mcast.DSCPBestEffort
		if port == PortEvent {
			dscp = mcast.DSCPExpeditedForwarding
		}
		conn, err := mcast.Listen(ctx, mcast.Config{
			Group:          e.config.MulticastGroup(),
			Port:           port.Number(),
			LocalAddr:      e.config.LocalAddr,
			Loopback:       e.config.Loopback,
			DSCP:           dscp,
			ReceiveTimeout: e.config.ReceiveTimeout,
		})
		if err != nil {
			for _, c := range e.conns {
				if c != nil {
					c.Close()
				}
			}
			e.conns = [2]PacketConn{}
			return fmt.Errorf("ptp: ошибка открытия %s сокета: %w", port, err)
		}
		e.conns[port] = conn
	}
	return nil
}

// Stop останавливает циклы и закрывает сокеты. Повторный вызов безопасен.
func (e *Engine) Stop() error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	e.cancel()

	var errs []error
	for _, c := range e.conns {
		if c != nil {
			if err := c.Close(); err != nil && !mcast.IsClosed(err) {
				errs = append(errs, err)
			}
		}
	}
	e.wg.Wait()
	if e.ownConns {
		e.conns = [2]PacketConn{}
		e.ownConns = false
	}

	e.mu.Lock()
	e.state.fire(eventReset)
	e.synced = false
	e.hasMaster = false
	e.mu.Unlock()

	e.logger.Info("PTP движок остановлен")
	return errors.Join(errs...)
}

// Now возвращает скорректированное время: сырые часы минус смещение
func (e *Engine) Now() Timestamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowLocked()
}

func (e *Engine) nowLocked() Timestamp {
	return e.clock.Now().Sub(e.offset)
}

// IsTimeEstablished сообщает, что время установлено: завершен раунд синхронизации
// либо локальные часы сами являются master
func (e *Engine) IsTimeEstablished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// IsMaster сообщает, что локальные часы являются master домена
func (e *Engine) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.current() == StateMaster
}

// Offset текущее смещение локальных часов от master
func (e *Engine) Offset() Timestamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Delay последняя измеренная задержка пути
func (e *Engine) Delay() Timestamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delay
}

// Identity собственный идентификатор часов
func (e *Engine) Identity() ClockID { return e.self.ID }

// Domain номер домена
func (e *Engine) Domain() uint8 { return e.config.Domain }

// Status возвращает снимок состояния
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:    e.state.current(),
		IsSynced: e.synced,
		Offset:   e.offset,
		Delay:    e.delay,
		LastSync: e.lastSync,
	}
	st.IsMaster = st.State == StateMaster
	switch {
	case st.IsMaster:
		st.MasterID = e.self.ID
		st.Grandmaster = e.self.ID
	case e.hasMaster:
		st.MasterID = e.master
		if p, ok := e.peers[e.master]; ok {
			st.Grandmaster = p.grandmaster
		}
	}
	return st
}

// GrandmasterID идентификатор grandmaster для атрибута ts-refclk
func (e *Engine) GrandmasterID() ClockID {
	return e.Status().Grandmaster
}

func (e *Engine) receiveLoop(ctx context.Context, port Port) {
	defer e.wg.Done()

	conn := e.conns[port]
	buf := make([]byte, mcast.DefaultBufferSize)
	e.logger.Debug("ptp.receiveLoop Started", slog.String("port", port.String()))

	for {
		if ctx.Err() != nil {
			e.logger.Debug("ptp.receiveLoop Stopped", slog.String("port", port.String()))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(e.config.ReceiveTimeout))
		n, _, err := conn.ReadFrom(buf)
		recv := e.Now()
		if err != nil {
			switch {
			case ctx.Err() != nil || mcast.IsClosed(err):
				e.logger.Debug("ptp.receiveLoop Stopped", slog.String("port", port.String()))
				return
			case mcast.IsTimeout(err):
				if port == PortGeneral {
					e.housekeeping()
				}
			default:
				e.logger.Warn("ошибка чтения PTP сокета", slog.String("port", port.String()), slog.Any("error", err))
			}
			continue
		}
		e.handlePacket(port, buf[:n], recv)
	}
}

func (e *Engine) announceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.AnnounceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.housekeeping()
			e.mu.Lock()
			if e.state.current() == StateMaster {
				e.sendAnnounceLocked()
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.state.current() == StateMaster {
				e.sendSyncLocked()
			}
			e.mu.Unlock()
		}
	}
}

// housekeeping удаляет пропавшие часы и пересчитывает BMC
func (e *Engine) housekeeping() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.evictStaleLocked(now)
	e.runBMCLocked(now)
}

// handlePacket разбирает датаграмму и передает ее обработчику типа.
// recv - скорректированное время приема.
func (e *Engine) handlePacket(port Port, data []byte, recv Timestamp) {
	msg, err := ParseMessage(data)
	if err != nil {
		e.metrics.dropped("malformed")
		return
	}
	if msg.Domain != e.config.Domain {
		e.metrics.dropped("domain")
		return
	}
	if msg.Source.ClockID == e.self.ID {
		return
	}
	e.metrics.received(msg.Type)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Type {
	case MessageAnnounce:
		e.handleAnnounceLocked(msg)
	case MessageSync:
		e.handleSyncLocked(msg, recv)
	case MessageFollowUp:
		e.handleFollowUpLocked(msg)
	case MessageDelayReq:
		e.handleDelayReqLocked(msg, recv)
	case MessageDelayResp:
		e.handleDelayRespLocked(msg)
	}
}

func (e *Engine) handleAnnounceLocked(msg *Message) {
	now := e.clock.Now()
	id := IdentityFromAnnounce(msg)
	p, ok := e.peers[id.ID]
	if !ok {
		p = &peer{}
		e.peers[id.ID] = p
		e.logger.Debug("обнаружены PTP часы", slog.String("clock", id.ID.String()))
	}
	p.identity = id
	p.grandmaster = msg.Announce.GrandmasterIdentity
	p.lastSeen = now

	e.evictStaleLocked(now)
	e.runBMCLocked(now)
}

func (e *Engine) evictStaleLocked(now Timestamp) {
	timeout := TimestampFromNanos(int64(e.config.AnnounceTimeout))
	for id, p := range e.peers {
		if now.Sub(p.lastSeen).After(timeout) {
			delete(e.peers, id)
			e.logger.Info("PTP часы пропали", slog.String("clock", id.String()))
			if e.hasMaster && e.master == id {
				e.hasMaster = false
				e.synced = false
			}
		}
	}
}

func (e *Engine) bestPeerLocked() (ClockIdentity, bool) {
	var best ClockIdentity
	found := false
	for _, p := range e.peers {
		if !found || p.identity.Better(best) {
			best = p.identity
			found = true
		}
	}
	return best, found
}

func (e *Engine) runBMCLocked(now Timestamp) {
	best, ok := e.bestPeerLocked()
	if !ok {
		if e.state.current() == StateListening {
			waited := now.Sub(e.listenSince)
			if waited.Before(TimestampFromNanos(int64(e.config.AnnounceTimeout))) {
				return
			}
		}
		e.becomeMasterLocked()
		return
	}
	if best.Better(e.self) {
		e.becomeSlaveLocked(best)
		return
	}
	e.becomeMasterLocked()
}

func (e *Engine) becomeMasterLocked() {
	if e.state.current() == StateMaster || e.state.current() == StateInitializing {
		return
	}
	e.state.fire(eventBecomeMaster)
	e.offset = Timestamp{}
	e.delay = Timestamp{}
	e.hasMaster = false
	e.waitFollowUp = false
	e.waitResp = false
	e.synced = true
	e.lastSync = e.clock.Now()
}

func (e *Engine) becomeSlaveLocked(best ClockIdentity) {
	if e.state.current() == StateInitializing {
		return
	}
	if !e.hasMaster || e.master != best.ID {
		e.master = best.ID
		e.hasMaster = true
		e.synced = false
		e.waitFollowUp = false
		e.waitResp = false
		e.lastSync = Timestamp{}
		e.logger.Info("выбран PTP master", slog.String("master", best.ID.String()))
	}
	e.state.fire(eventBecomeSlave)
}

func (e *Engine) fromMasterLocked(msg *Message) bool {
	return e.state.current() == StateSlave && e.hasMaster && msg.Source.ClockID == e.master
}

func (e *Engine) handleSyncLocked(msg *Message, recv Timestamp) {
	if !e.fromMasterLocked(msg) {
		e.metrics.dropped("not_master")
		return
	}
	if e.synced {
		since := e.clock.Now().Sub(e.lastSync)
		if since.Before(TimestampFromNanos(int64(e.config.resyncInterval()))) {
			e.metrics.dropped("rate_limited")
			return
		}
	}

	// Delay_Resp прошлого раунда с новым t2 не сочетается
	e.waitResp = false
	e.t2 = recv
	if msg.TwoStep() {
		e.syncSeq = msg.SequenceID
		e.waitFollowUp = true
		return
	}
	e.waitFollowUp = false
	e.t1 = msg.Timestamp
	e.sendDelayReqLocked()
}

func (e *Engine) handleFollowUpLocked(msg *Message) {
	if !e.fromMasterLocked(msg) || !e.waitFollowUp || msg.SequenceID != e.syncSeq {
		e.metrics.dropped("sequence")
		return
	}
	e.waitFollowUp = false
	e.t1 = msg.Timestamp
	e.sendDelayReqLocked()
}

func (e *Engine) handleDelayReqLocked(msg *Message, recv Timestamp) {
	if e.state.current() != StateMaster {
		return
	}
	resp := &Message{
		Header:         e.headerLocked(MessageDelayResp, msg.SequenceID),
		Timestamp:      recv,
		RequestingPort: msg.Source,
	}
	resp.LogMessageInterval = e.config.SyncLogInterval
	e.sendLocked(PortGeneral, resp)
}

func (e *Engine) handleDelayRespLocked(msg *Message) {
	if !e.fromMasterLocked(msg) || !e.waitResp || msg.SequenceID != e.reqSeq ||
		msg.RequestingPort != e.selfPort() {
		e.metrics.dropped("sequence")
		return
	}
	e.waitResp = false
	e.t4 = msg.Timestamp

	offset, delay := ComputeOffsetDelay(e.t1, e.t2, e.t3, e.t4)
	e.offset = e.offset.Add(offset)
	e.delay = delay
	e.lastSync = e.clock.Now()
	if !e.synced {
		e.logger.Info("время синхронизировано с PTP master",
			slog.String("master", e.master.String()),
			slog.String("offset", e.offset.String()),
			slog.String("delay", delay.String()))
	}
	e.synced = true
	e.metrics.observeSync(e.offset, delay)
}

// ComputeOffsetDelay вычисляет смещение и задержку по четырем меткам обмена:
// delay = ((t4 - t3) + (t2 - t1)) / 2, offset = ((t2 - t1) - (t4 - t3)) / 2.
// Положительное смещение означает, что локальные часы спешат относительно master.
func ComputeOffsetDelay(t1, t2, t3, t4 Timestamp) (offset, delay Timestamp) {
	ms := t2.Sub(t1)
	sm := t4.Sub(t3)
	delay = sm.Add(ms).Div(2)
	offset = ms.Sub(sm).Div(2)
	return offset, delay
}

func (e *Engine) selfPort() PortIdentity {
	return PortIdentity{ClockID: e.self.ID, PortNumber: 1}
}

func (e *Engine) headerLocked(t MessageType, seq uint16) Header {
	return Header{
		Type:       t,
		Version:    Version,
		Domain:     e.config.Domain,
		Source:     e.selfPort(),
		SequenceID: seq,
	}
}

func (e *Engine) sendDelayReqLocked() {
	e.reqSeq++
	req := &Message{
		Header:    e.headerLocked(MessageDelayReq, e.reqSeq),
		Timestamp: e.nowLocked(),
	}
	req.LogMessageInterval = 0x7F
	if !e.sendLocked(PortEvent, req) {
		e.waitResp = false
		return
	}
	e.t3 = e.nowLocked()
	e.waitResp = true
}

func (e *Engine) sendSyncLocked() {
	e.txSyncSeq++
	msg := &Message{Header: e.headerLocked(MessageSync, e.txSyncSeq)}
	msg.Flags = FlagTwoStep
	msg.LogMessageInterval = e.config.SyncLogInterval
	if !e.sendLocked(PortEvent, msg) {
		return
	}
	t1 := e.nowLocked()

	followUp := &Message{
		Header:    e.headerLocked(MessageFollowUp, e.txSyncSeq),
		Timestamp: t1,
	}
	followUp.LogMessageInterval = e.config.SyncLogInterval
	e.sendLocked(PortGeneral, followUp)
}

func (e *Engine) sendAnnounceLocked() {
	e.txAnnounceSeq++
	ann := &Message{
		Header:    e.headerLocked(MessageAnnounce, e.txAnnounceSeq),
		Timestamp: e.nowLocked(),
		Announce: AnnounceBody{
			CurrentUTCOffset:        37,
			Priority1:               e.self.Priority1,
			ClockClass:              e.self.ClockClass,
			ClockAccuracy:           e.self.ClockAccuracy,
			OffsetScaledLogVariance: e.self.ClockVariance,
			Priority2:               e.self.Priority2,
			GrandmasterIdentity:     e.self.ID,
			StepsRemoved:            0,
			TimeSource:              0xA0, // internal oscillator
		},
	}
	ann.LogMessageInterval = e.config.AnnounceLogInterval
	e.sendLocked(PortGeneral, ann)
}

func (e *Engine) sendLocked(port Port, msg *Message) bool {
	conn := e.conns[port]
	if conn == nil {
		return false
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		e.logger.Error("ошибка кодирования PTP сообщения", slog.Any("error", err))
		return false
	}
	if _, err := conn.WriteTo(data, e.dest[port]); err != nil {
		e.logger.Warn("ошибка отправки PTP сообщения",
			slog.String("type", msg.Type.String()), slog.Any("error", err))
		return false
	}
	return true
}

func (e *Engine) onStateChange(from, to PortState) {
	e.logger.Info("состояние PTP порта изменено", slog.String("from", string(from)), slog.String("to", string(to)))
	e.metrics.setMaster(to == StateMaster)
}
