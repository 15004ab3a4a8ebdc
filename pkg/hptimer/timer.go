package hptimer

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const maxLagPeriods = 10

var (
	// ErrRunning период нельзя менять у запущенного таймера
	ErrRunning = errors.New("hptimer: таймер запущен")
	// ErrNoPeriod период не задан
	ErrNoPeriod = errors.New("hptimer: период не задан")
)

// HandlerID идентификатор подписки
type HandlerID uint64

type handler struct {
	id HandlerID
	fn func()
}

// Timer периодический таймер с реестром обработчиков
type Timer struct {
	mu       sync.Mutex
	period   time.Duration
	handlers []handler
	nextID   HandlerID
	running  bool
	stopping atomic.Bool
	done     chan struct{}
	ticks    atomic.Uint64
	logger   *slog.Logger
}

// New создает остановленный таймер без периода
func New() *Timer {
	return &Timer{
		logger: slog.Default().With(slog.String("component", "hptimer")),
	}
}

// SetPeriod задает период. Допустим только до Start.
func (t *Timer) SetPeriod(period time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrRunning
	}
	if period <= 0 {
		return ErrNoPeriod
	}
	t.period = period
	return nil
}

// Period текущий период
func (t *Timer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

// Subscribe добавляет обработчик тика
func (t *Timer) Subscribe(fn func()) HandlerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	t.handlers = append(t.handlers, handler{id: t.nextID, fn: fn})
	return t.nextID
}

// Unsubscribe удаляет обработчик. Возвращает false, если подписки нет.
func (t *Timer) Unsubscribe(id HandlerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, h := range t.handlers {
		if h.id == id {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len количество подписчиков
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

// Ticks количество выполненных тиков с момента создания
func (t *Timer) Ticks() uint64 {
	return t.ticks.Load()
}

// Running сообщает, запущен ли таймер
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start запускает цикл таймера
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrRunning
	}
	if t.period <= 0 {
		return ErrNoPeriod
	}
	t.running = true
	t.stopping.Store(false)
	t.done = make(chan struct{})

	go t.loop(t.period, t.done)
	t.logger.Debug("hptimer Started", slog.Duration("period", t.period))
	return nil
}

// Stop останавливает таймер и ждет завершения текущего тика.
// Нельзя вызывать из обработчика.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.stopping.Store(true)
	done := t.done
	t.mu.Unlock()

	<-done

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.logger.Debug("hptimer Stopped")
}

func (t *Timer) loop(period time.Duration, done chan struct{}) {
	defer close(done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	step := int64(period)
	deadline := monotonicNow() + step

	for {
		waitUntil(deadline)
		if t.stopping.Load() {
			return
		}

		t.fire()

		now := monotonicNow()
		next := nextDeadline(deadline, now, step)
		if next != deadline+step {
			t.logger.Warn("таймер отстал, сроки привязаны заново", slog.Duration("lag", time.Duration(now-deadline)))
		}
		deadline = next
	}
}

func (t *Timer) fire() {
	t.mu.Lock()
	handlers := make([]handler, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()

	t.ticks.Add(1)
	for _, h := range handlers {
		h.fn()
	}
}

// nextDeadline срок следующего тика; при отставании больше maxLagPeriods периодов
// срок отсчитывается от now
func nextDeadline(prev, now, step int64) int64 {
	next := prev + step
	if now-next > maxLagPeriods*step {
		return now + step
	}
	return next
}
