package conversation

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_ArmFires(t *testing.T) {
	s := NewScheduler()
	fired := make(chan struct{})

	s.Arm("conv-1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Дедлайн не сработал")
	}

	if s.Pending() != 0 {
		t.Errorf("Pending() = %d после срабатывания, ожидается 0", s.Pending())
	}
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	s := NewScheduler()
	var fired atomic.Bool

	s.Arm("conv-1", 30*time.Millisecond, func() { fired.Store(true) })
	s.Cancel("conv-1")

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Error("Отменённый дедлайн сработал")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d после отмены, ожидается 0", s.Pending())
	}
}

func TestScheduler_RearmReplaces(t *testing.T) {
	s := NewScheduler()
	var firstFired atomic.Bool
	second := make(chan struct{})

	s.Arm("conv-1", 20*time.Millisecond, func() { firstFired.Store(true) })
	s.Arm("conv-1", 40*time.Millisecond, func() { close(second) })

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("Заменяющий дедлайн не сработал")
	}
	if firstFired.Load() {
		t.Error("Заменённый дедлайн сработал")
	}
}

func TestScheduler_CancelIdempotent(t *testing.T) {
	s := NewScheduler()

	// Отмена несуществующего таймера — no-op
	s.Cancel("ghost")

	s.Arm("conv-1", time.Hour, func() {})
	s.Cancel("conv-1")
	s.Cancel("conv-1")

	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, ожидается 0", s.Pending())
	}
}

func TestScheduler_IndependentTimers(t *testing.T) {
	s := NewScheduler()
	fired := make(chan string, 2)

	s.Arm("a", 10*time.Millisecond, func() { fired <- "a" })
	s.Arm("b", time.Hour, func() { fired <- "b" })

	select {
	case id := <-fired:
		if id != "a" {
			t.Errorf("Сработал дедлайн %q, ожидается a", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Дедлайн a не сработал")
	}

	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, ожидается 1 (b ещё взведён)", s.Pending())
	}
	s.Cancel("b")
}
