package hptimer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPeriod(t *testing.T) {
	timer := New()
	assert.ErrorIs(t, timer.Start(), ErrNoPeriod)
	assert.ErrorIs(t, timer.SetPeriod(0), ErrNoPeriod)

	require.NoError(t, timer.SetPeriod(time.Millisecond))
	require.NoError(t, timer.Start())
	defer timer.Stop()

	assert.ErrorIs(t, timer.SetPeriod(2*time.Millisecond), ErrRunning)
	assert.ErrorIs(t, timer.Start(), ErrRunning)
	assert.Equal(t, time.Millisecond, timer.Period())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	timer := New()
	a := timer.Subscribe(func() {})
	b := timer.Subscribe(func() {})
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, timer.Len())

	assert.True(t, timer.Unsubscribe(a))
	assert.False(t, timer.Unsubscribe(a))
	assert.Equal(t, 1, timer.Len())
}

func TestTimerFiresHandlers(t *testing.T) {
	timer := New()
	require.NoError(t, timer.SetPeriod(500*time.Microsecond))

	var first, second atomic.Int64
	timer.Subscribe(func() { first.Add(1) })
	id := timer.Subscribe(func() { second.Add(1) })

	require.NoError(t, timer.Start())
	require.Eventually(t, func() bool { return second.Load() >= 10 }, time.Second, time.Millisecond)

	timer.Unsubscribe(id)
	stopped := second.Load()
	require.Eventually(t, func() bool { return first.Load() >= stopped+10 }, time.Second, time.Millisecond)

	timer.Stop()
	assert.False(t, timer.Running())
	assert.LessOrEqual(t, second.Load(), stopped+1)

	ticks := timer.Ticks()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, ticks, timer.Ticks())
}

func TestTimerRestart(t *testing.T) {
	timer := New()
	require.NoError(t, timer.SetPeriod(time.Millisecond))
	require.NoError(t, timer.Start())
	timer.Stop()
	timer.Stop()

	require.NoError(t, timer.SetPeriod(2*time.Millisecond))
	require.NoError(t, timer.Start())
	timer.Stop()
}

func TestTimerDoesNotDrift(t *testing.T) {
	timer := New()
	period := time.Millisecond
	require.NoError(t, timer.SetPeriod(period))

	var count atomic.Int64
	timer.Subscribe(func() {
		count.Add(1)
		// обработчик занимает часть периода: срок следующего тика от этого не сдвигается
		time.Sleep(200 * time.Microsecond)
	})

	start := time.Now()
	require.NoError(t, timer.Start())
	time.Sleep(200 * time.Millisecond)
	timer.Stop()
	elapsed := time.Since(start)

	expected := float64(elapsed / period)
	assert.InDelta(t, expected, float64(count.Load()), expected*0.25)
}

func TestNextDeadline(t *testing.T) {
	step := int64(time.Millisecond)

	assert.Equal(t, 2*step, nextDeadline(step, step+step/2, step))
	// небольшое отставание догоняется без пропуска сроков
	assert.Equal(t, 2*step, nextDeadline(step, 5*step, step))
	// сильное отставание привязывается к текущему времени
	assert.Equal(t, 21*step, nextDeadline(step, 20*step, step))
}
