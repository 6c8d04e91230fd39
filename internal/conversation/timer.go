// timer.go — общий планировщик дедлайнов бесед.
//
// Одна разделяемая структура вместо отдельного таймер-потока на беседу:
// таймеры ключуются по correlation id и отменяются при завершении беседы
// до истечения дедлайна. Гарантию «сработает ровно один переход» даёт
// не планировщик, а терминальный guard самой беседы — Cancel лишь
// предотвращает лишний вызов, если успевает.
package conversation

import (
	"sync"
	"time"
)

// Scheduler — планировщик дедлайнов, ключуемых по id беседы.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler создаёт пустой планировщик.
func NewScheduler() *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
	}
}

// Arm взводит дедлайн для беседы id. Повторный Arm с тем же id
// заменяет предыдущий таймер.
func (s *Scheduler) Arm(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[id]; ok {
		old.Stop()
	}

	s.timers[id] = time.AfterFunc(d, func() {
		// Убираем таймер из реестра до вызова fn: fn может
		// повторно обратиться к планировщику
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		fn()
	})
}

// Cancel отменяет дедлайн беседы id. Идемпотентна: отмена
// несуществующего или уже сработавшего таймера — no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending возвращает количество взведённых дедлайнов.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
