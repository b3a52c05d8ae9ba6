// Пакет lockmgr — менеджер блокировок операций над идентификаторами.
//
// Монитор из одного мьютекса и условной переменной: взаимное исключение
// по идентификатору, лимит одновременных операций пользователя,
// контроль допуска по сумме активных и ожидающих операций и глобальная
// пауза. Работает в пределах одного процесса.
package lockmgr

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ezid_lock_active_operations",
		Help: "Количество операций, удерживающих блокировку идентификатора.",
	})
	lockWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ezid_lock_waiting_operations",
		Help: "Количество операций, ожидающих блокировку.",
	})
	lockDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezid_lock_admission_denied_total",
		Help: "Количество отказов в допуске по лимиту MAX_THREADS_PER_USER.",
	})
	lockPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ezid_lock_paused",
		Help: "1, если выдача блокировок приостановлена.",
	})
)

// Limits — лимиты допуска для одного пользователя.
type Limits struct {
	// MaxConcurrent — максимум одновременно выполняемых операций.
	MaxConcurrent int
	// MaxThreads — максимум выполняемых и ожидающих операций вместе.
	MaxThreads int
}

// LimitsFunc возвращает текущие лимиты. Вызывается при каждой проверке,
// поэтому лимиты можно менять на лету.
type LimitsFunc func() Limits

// Snapshot — состояние менеджера на момент вызова Status.
type Snapshot struct {
	Locked  []string       `json:"locked"`
	Active  map[string]int `json:"active"`
	Waiting map[string]int `json:"waiting"`
	Paused  bool           `json:"paused"`
}

// Manager — монитор блокировок.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	limits  LimitsFunc
	locked  map[string]struct{}
	active  map[string]int
	waiting map[string]int
	paused  bool
}

// New создаёт менеджер блокировок.
func New(limits LimitsFunc) *Manager {
	m := &Manager{
		limits:  limits,
		locked:  make(map[string]struct{}),
		active:  make(map[string]int),
		waiting: make(map[string]int),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Acquire блокирует идентификатор id для пользователя user.
// Ожидает, пока выставлена пауза, id заблокирован или у пользователя
// уже MaxConcurrent активных операций. Возвращает false без ожидания,
// если сумма активных и ожидающих операций пользователя уже достигла
// MaxThreads.
func (m *Manager) Acquire(id, user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		lim := m.limits()
		_, busy := m.locked[id]
		if !m.paused && !busy && m.active[user] < lim.MaxConcurrent {
			break
		}
		if m.active[user]+m.waiting[user] >= lim.MaxThreads {
			lockDenied.Inc()
			return false
		}
		m.waiting[user]++
		lockWaiting.Inc()
		m.cond.Wait()
		decrement(m.waiting, user)
		lockWaiting.Dec()
	}

	m.active[user]++
	m.locked[id] = struct{}{}
	lockActive.Inc()
	return true
}

// Release снимает блокировку, полученную через Acquire, и будит всех ожидающих.
func (m *Manager) Release(id, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.locked[id]; !ok {
		return
	}
	delete(m.locked, id)
	decrement(m.active, user)
	lockActive.Dec()
	m.cond.Broadcast()
}

// Status возвращает копию состояния менеджера.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Locked:  make([]string, 0, len(m.locked)),
		Active:  make(map[string]int, len(m.active)),
		Waiting: make(map[string]int, len(m.waiting)),
		Paused:  m.paused,
	}
	for id := range m.locked {
		s.Locked = append(s.Locked, id)
	}
	sort.Strings(s.Locked)
	for u, n := range m.active {
		s.Active[u] = n
	}
	for u, n := range m.waiting {
		s.Waiting[u] = n
	}
	return s
}

// Pause устанавливает или снимает глобальную паузу и возвращает
// предыдущее значение. Выполняющиеся операции доходят до конца.
func (m *Manager) Pause(paused bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.paused
	m.paused = paused
	if paused {
		lockPaused.Set(1)
	} else {
		lockPaused.Set(0)
		m.cond.Broadcast()
	}
	return prev
}

func decrement(counts map[string]int, key string) {
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}
