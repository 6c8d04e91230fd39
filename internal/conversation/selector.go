// selector.go — политики выбора исполнителей по ответам идентификации.
//
// Селектору передаются только положительные ответы (код класса успеха);
// негативные ответы исчерпывают outstanding-набор беседы, но в выбор
// не участвуют. Если к моменту опустошения outstanding кандидатов нет,
// беседа завершается ошибкой «нет подходящего исполнителя».
package conversation

import (
	"errors"
	"fmt"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// ErrNoEligible — ни один contributor не дал положительной идентификации.
var ErrNoEligible = errors.New("нет подходящего исполнителя")

// Selector — политика выбора исполнителей операции.
type Selector interface {
	// Consider учитывает положительный ответ идентификации.
	// Вызывается в порядке получения ответов.
	Consider(resp protocol.IdentifyResponse)
	// Choose возвращает выбранных исполнителей.
	// Возвращает ErrNoEligible, если кандидатов нет.
	Choose() ([]string, error)
}

// FastestSelector выбирает pillar с минимальной оценкой времени
// доставки. Сравнение строгое (<): при равных оценках побеждает
// первый полученный ответ.
type FastestSelector struct {
	bestID   string
	bestTime int64
	seen     bool
}

// NewFastestSelector создаёт селектор быстрейшего pillar-а.
func NewFastestSelector() *FastestSelector {
	return &FastestSelector{}
}

// Consider учитывает кандидата, если его оценка строго меньше текущего
// минимума. Первый кандидат принимается безусловно.
func (s *FastestSelector) Consider(resp protocol.IdentifyResponse) {
	if !s.seen || resp.TimeToDeliverMillis < s.bestTime {
		s.bestID = resp.PillarID
		s.bestTime = resp.TimeToDeliverMillis
		s.seen = true
	}
}

// Choose возвращает быстрейшего кандидата.
func (s *FastestSelector) Choose() ([]string, error) {
	if !s.seen {
		return nil, ErrNoEligible
	}
	return []string{s.bestID}, nil
}

// AllSelector выбирает всех положительно идентифицировавшихся
// pillar-ов в порядке получения ответов.
type AllSelector struct {
	ids []string
}

// NewAllSelector создаёт селектор всех кандидатов.
func NewAllSelector() *AllSelector {
	return &AllSelector{}
}

// Consider добавляет кандидата.
func (s *AllSelector) Consider(resp protocol.IdentifyResponse) {
	s.ids = append(s.ids, resp.PillarID)
}

// Choose возвращает всех кандидатов.
func (s *AllSelector) Choose() ([]string, error) {
	if len(s.ids) == 0 {
		return nil, ErrNoEligible
	}
	return s.ids, nil
}

// SpecificSelector выбирает заранее названный pillar, если тот
// идентифицировался положительно.
type SpecificSelector struct {
	want  string
	found bool
}

// NewSpecificSelector создаёт селектор конкретного pillar-а.
func NewSpecificSelector(pillarID string) *SpecificSelector {
	return &SpecificSelector{want: pillarID}
}

// Consider отмечает кандидата, если это искомый pillar.
func (s *SpecificSelector) Consider(resp protocol.IdentifyResponse) {
	if resp.PillarID == s.want {
		s.found = true
	}
}

// Choose возвращает искомый pillar или ошибку.
func (s *SpecificSelector) Choose() ([]string, error) {
	if !s.found {
		return nil, fmt.Errorf("%w: pillar %s не идентифицировался положительно", ErrNoEligible, s.want)
	}
	return []string{s.want}, nil
}
