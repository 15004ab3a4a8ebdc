package aes67

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/aes67/pkg/audio"
	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/arzzra/aes67/pkg/rtp"
	"github.com/arzzra/aes67/pkg/sap"
)

// maxLagPackets отставание от расписания в пакетах, после которого дедлайн отправки переносится на текущее время
const maxLagPackets = 10

// Clock источник PTP времени для каналов. *ptp.Engine удовлетворяет интерфейсу.
type Clock interface {
	Now() ptp.Timestamp
	IsTimeEstablished() bool
	GrandmasterID() ptp.ClockID
	Domain() uint8
}

// ChannelConfig параметры создаваемого канала
type ChannelConfig struct {
	Name string
	Info string

	// Input формат PCM, который передается в Write (little-endian, чередование каналов).
	// Нулевое значение означает совпадение с Output.
	Input audio.Format

	// Output формат потока в сети. Нулевое значение берется из ManagerConfig.
	Output audio.Format

	// PacketTime длительность пакета. 0 берется из ManagerConfig.
	PacketTime time.Duration
}

// announceFunc отправляет готовое SAP сообщение с указанного локального интерфейса
type announceFunc func(localAddr string, msg []byte) error

type channelSession struct {
	desc      sap.Description
	transport rtp.Transport
}

// Channel исходящий AES67 поток: один SSRC, одна multicast группа,
// по одному SDP и сокету на каждый локальный интерфейс.
//
// Write вызывается потоком-производителем, SendRTP потоком общего таймера.
type Channel struct {
	ssrc           uint32
	format         audio.Format
	packetTime     time.Duration
	bytesPerPacket int
	announceEvery  uint64

	clock    Clock
	announce announceFunc
	metrics  *Metrics
	logger   *slog.Logger

	stopped atomic.Bool

	writeMu   sync.Mutex
	converter *audio.Converter
	pending   []byte

	queueMu sync.Mutex
	queue   [][]byte

	mu            sync.Mutex
	packetizer    *rtp.Packetizer
	sessions      []*channelSession
	nextSend      ptp.Timestamp
	stepNanos     int64 // длительность spp сэмплов, целая часть
	stepRem       int64 // остаток spp*1e9 mod sampleRate
	stepFrac      int64 // накопленный остаток в единицах 1/sampleRate нс
	anchored      bool
	underrun      bool
	sinceAnnounce uint64
}

type channelParams struct {
	ssrc       uint32
	name       string
	info       string
	input      audio.Format
	output     audio.Format
	packetTime time.Duration
	multicast  string
	port       int
	version    uint64
	transports map[string]rtp.Transport // локальный адрес -> транспорт
	order      []string
	clock      Clock
	announce   announceFunc
	metrics    *Metrics
	logger     *slog.Logger
	interval   time.Duration // период SAP объявлений
}

func newChannel(p channelParams) (*Channel, error) {
	converter, err := audio.NewConverter(p.input, p.output)
	if err != nil {
		return nil, newError(ErrorCodeInvalidConfig, p.ssrc, err, "невозможно преобразование %s -> %s", p.input, p.output)
	}

	spp := audio.SamplesPerPacket(p.output.SampleRate, p.packetTime)
	packetizer, err := rtp.NewPacketizer(rtp.PacketizerConfig{
		SSRC:             p.ssrc,
		PayloadType:      rtp.DefaultPayloadType,
		SampleRate:       p.output.SampleRate,
		SamplesPerPacket: spp,
	}, p.clock)
	if err != nil {
		return nil, newError(ErrorCodeInvalidConfig, p.ssrc, err, "ошибка создания пакетизатора")
	}

	announceEvery := uint64(p.interval / p.packetTime)
	if announceEvery == 0 {
		announceEvery = 1
	}

	// Дедлайн идет по длительности сэмплов, а не по packetTime: при дробном числе сэмплов
	// в пакете иначе расходятся PTP время и RTP timestamp
	total := int64(spp) * int64(time.Second)
	rate := int64(p.output.SampleRate)

	c := &Channel{
		ssrc:           p.ssrc,
		format:         p.output,
		packetTime:     p.packetTime,
		bytesPerPacket: p.output.BytesPerPacket(p.packetTime),
		stepNanos:      total / rate,
		stepRem:        total % rate,
		announceEvery:  announceEvery,
		clock:          p.clock,
		announce:       p.announce,
		metrics:        p.metrics,
		logger:         p.logger.With(slog.String("ssrc", fmt.Sprintf("%08X", p.ssrc))),
		converter:      converter,
		packetizer:     packetizer,
	}

	master := p.clock.GrandmasterID().String()
	for _, local := range p.order {
		c.sessions = append(c.sessions, &channelSession{
			desc: sap.Description{
				SessionID:        p.ssrc,
				SessionVersion:   p.version,
				Name:             p.name,
				Info:             p.info,
				LocalAddress:     local,
				MulticastAddress: p.multicast,
				MulticastPort:    p.port,
				PTPMasterID:      master,
				PTPDomain:        p.clock.Domain(),
				PacketTime:       p.packetTime,
				SamplesPerPacket: spp,
				Encoding:         p.output.Encoding(),
				SampleRate:       p.output.SampleRate,
				Channels:         p.output.Channels,
				PayloadType:      rtp.DefaultPayloadType,
			},
			transport: p.transports[local],
		})
	}
	return c, nil
}

// SSRC идентификатор потока, он же id SAP сессии
func (c *Channel) SSRC() uint32 { return c.ssrc }

// Format формат потока в сети
func (c *Channel) Format() audio.Format { return c.format }

// PacketTime длительность одного пакета
func (c *Channel) PacketTime() time.Duration { return c.packetTime }

// BytesPerPacket размер payload одного RTP пакета
func (c *Channel) BytesPerPacket() int { return c.bytesPerPacket }

// Name текущее имя сессии
func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return ""
	}
	return c.sessions[0].desc.Name
}

// Descriptions копии SDP описаний по всем интерфейсам
func (c *Channel) Descriptions() []sap.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sap.Description, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.desc)
	}
	return out
}

// MulticastAddress группа назначения потока
func (c *Channel) MulticastAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return ""
	}
	return c.sessions[0].desc.MulticastAddress
}

// Stats счетчики пакетизатора
func (c *Channel) Stats() rtp.PacketizerStats {
	return c.packetizer.Stats()
}

// Write принимает PCM во входном формате, конвертирует и режет на пакеты.
// Очередь не ограничена: при перепроизводстве данные накапливаются.
func (c *Channel) Write(p []byte) (int, error) {
	if c.stopped.Load() {
		return 0, newError(ErrorCodeChannelStopped, c.ssrc, nil, "канал остановлен")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pending = append(c.pending, c.converter.Convert(p)...)

	var chunks [][]byte
	for len(c.pending) >= c.bytesPerPacket {
		chunk := make([]byte, c.bytesPerPacket)
		copy(chunk, c.pending)
		chunks = append(chunks, chunk)
		c.pending = c.pending[c.bytesPerPacket:]
	}
	if len(chunks) > 0 {
		// Сдвигаем остаток в начало, чтобы буфер не рос бесконечно
		c.pending = append(c.pending[:0:0], c.pending...)

		c.queueMu.Lock()
		c.queue = append(c.queue, chunks...)
		c.queueMu.Unlock()
	}
	return len(p), nil
}

// QueueLen число пакетов в очереди на отправку
func (c *Channel) QueueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

func (c *Channel) pop() ([]byte, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	chunk := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return chunk, true
}

// SendRTP обработчик тика общего таймера: отправляет не больше одного пакета,
// когда наступил дедлайн очередного пакета по PTP времени.
func (c *Channel) SendRTP() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.Load() {
		return
	}

	if !c.clock.IsTimeEstablished() {
		if c.QueueLen() > 0 {
			c.metrics.packetsWithheld.Inc()
		}
		c.anchored = false
		return
	}

	now := c.clock.Now()

	if !c.anchored {
		if c.QueueLen() == 0 {
			return
		}
		c.anchorLocked(now)
	}

	if now.Before(c.nextSend) {
		return
	}
	if lag := now.Sub(c.nextSend).Duration(); lag > maxLagPackets*time.Duration(c.stepNanos) {
		c.logger.Debug("отставание от расписания, дедлайн перенесен", slog.Duration("lag", lag))
		c.anchorLocked(now)
	}

	chunk, ok := c.pop()
	if !ok {
		if !c.underrun {
			c.underrun = true
			c.metrics.underruns.Inc()
			c.logger.Debug("очередь пакетов пуста")
		}
		c.anchored = false
		return
	}
	if c.underrun {
		c.underrun = false
		c.packetizer.Reset()
	}

	packet, err := c.packetizer.Build(chunk)
	if err != nil {
		c.metrics.packetsWithheld.Inc()
		return
	}

	for _, s := range c.sessions {
		if err := s.transport.Send(packet); err != nil {
			c.metrics.sendErrors.Inc()
			level := slog.LevelWarn
			if rtp.IsRetryable(err) {
				level = slog.LevelDebug
			}
			c.logger.Log(context.Background(), level, "ошибка отправки RTP",
				slog.String("local", s.desc.LocalAddress),
				slog.Any("error", err))
		}
	}
	c.metrics.packetsSent.Inc()
	c.advanceDeadlineLocked()

	c.sinceAnnounce++
	if c.sinceAnnounce >= c.announceEvery {
		c.sinceAnnounce = 0
		c.refreshMasterLocked()
		c.sendSAPLocked(sap.Announcement)
	}
}

func (c *Channel) anchorLocked(now ptp.Timestamp) {
	c.nextSend = now
	c.stepFrac = 0
	c.anchored = true
}

// advanceDeadlineLocked сдвигает дедлайн ровно на spp/sampleRate секунд
func (c *Channel) advanceDeadlineLocked() {
	step := c.stepNanos
	c.stepFrac += c.stepRem
	if rate := int64(c.format.SampleRate); c.stepFrac >= rate {
		c.stepFrac -= rate
		step++
	}
	c.nextSend = c.nextSend.Add(ptp.TimestampFromNanos(step))
}

// Announce немедленно отправляет SAP объявление на всех интерфейсах
func (c *Channel) Announce() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return newError(ErrorCodeChannelStopped, c.ssrc, nil, "канал остановлен")
	}
	c.refreshMasterLocked()
	return c.sendSAPLocked(sap.Announcement)
}

// Rename меняет имя сессии, увеличивает версию и объявляет изменение
func (c *Channel) Rename(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return newError(ErrorCodeChannelStopped, c.ssrc, nil, "канал остановлен")
	}
	for _, s := range c.sessions {
		s.desc.Name = name
		s.desc.SessionVersion++
	}
	c.logger.Info("сессия переименована", slog.String("name", name))
	return c.sendSAPLocked(sap.Announcement)
}

// refreshMasterLocked обновляет ts-refclk после смены grandmaster
func (c *Channel) refreshMasterLocked() {
	master := c.clock.GrandmasterID().String()
	for _, s := range c.sessions {
		if s.desc.PTPMasterID != master {
			s.desc.PTPMasterID = master
			s.desc.SessionVersion++
		}
	}
}

func (c *Channel) sendSAPLocked(t sap.MessageType) error {
	var errs []error
	for _, s := range c.sessions {
		msg, err := sap.Encode(t, &s.desc)
		if err == nil {
			err = c.announce(s.desc.LocalAddress, msg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.desc.LocalAddress, err))
			c.logger.Warn("ошибка отправки SAP",
				slog.String("type", t.String()),
				slog.String("local", s.desc.LocalAddress),
				slog.Any("error", err))
			continue
		}
		c.metrics.announcements.WithLabelValues(t.String()).Inc()
	}
	return errors.Join(errs...)
}

// stop отправляет SAP удаление на каждом интерфейсе и закрывает сокеты. Повторный вызов ничего не делает.
func (c *Channel) stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if err := c.sendSAPLocked(sap.Deletion); err != nil {
		errs = append(errs, err)
	}
	for _, s := range c.sessions {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.queueMu.Lock()
	c.queue = nil
	c.queueMu.Unlock()

	c.logger.Info("канал остановлен")
	return errors.Join(errs...)
}
