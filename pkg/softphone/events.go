package softphone

import (
	"sync"

	"github.com/arzzra/webphone/pkg/profile"
)

// EventKind вид события клиента
type EventKind string

const (
	// EventRegistrationChange изменение состояния регистрации
	EventRegistrationChange EventKind = "registration:change"
	// EventCallState изменение состояния вызова
	EventCallState EventKind = "call:state"
	// EventCallEnded вызов завершен (дополнительно к call:state{ended})
	EventCallEnded EventKind = "call:ended"
	// EventCallError ошибка вызова, сообщенная движком
	EventCallError EventKind = "call:error"
)

// Event типизированное событие клиента. Каждый вид события — отдельная
// структура, подписчик приводит Event к нужному типу.
type Event interface {
	Kind() EventKind
}

// RegistrationChange событие изменения состояния регистрации
type RegistrationChange struct {
	Status RegistrationStatus
	// Cause причина отказа, заполняется только для StatusError
	Cause   string
	Profile *profile.Profile
}

func (RegistrationChange) Kind() EventKind { return EventRegistrationChange }

// CallStateChange событие изменения состояния вызова
type CallStateChange struct {
	State          CallState
	Direction      Direction
	RemoteIdentity string
	Profile        *profile.Profile
}

func (CallStateChange) Kind() EventKind { return EventCallState }

// CallEnded событие завершения вызова
type CallEnded struct {
	Reason string
}

func (CallEnded) Kind() EventKind { return EventCallEnded }

// CallError событие ошибки вызова
type CallError struct {
	Message string
}

func (CallError) Kind() EventKind { return EventCallError }

// Handler обработчик событий одного вида
type Handler func(Event)

// Subscription идентифицирует один путь доставки (kind, handler).
// Используется для отписки.
type Subscription struct {
	kind EventKind
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Emitter типизированная шина событий клиента.
//
// Доставка синхронная, в порядке подписки, только подписчикам своего вида
// события. Буферизации нет: событие без подписчиков теряется. Отписка
// удаляет ровно один путь доставки и безопасна для уже отписанных и
// никогда не подписанных значений.
type Emitter struct {
	mu   sync.Mutex
	seq  uint64
	subs map[EventKind][]subscriber
}

// NewEmitter создает пустую шину событий
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[EventKind][]subscriber)}
}

// Subscribe регистрирует обработчик для вида события и возвращает токен
// подписки. Один и тот же обработчик можно подписать несколько раз —
// каждый вызов создает отдельный путь доставки со своим токеном.
func (e *Emitter) Subscribe(kind EventKind, fn Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.subs[kind] = append(e.subs[kind], subscriber{id: e.seq, fn: fn})
	return Subscription{kind: kind, id: e.seq}
}

// Unsubscribe удаляет путь доставки по токену. Повторная отписка и отписка
// неизвестного токена — безопасный no-op.
func (e *Emitter) Unsubscribe(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			e.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish синхронно доставляет событие всем текущим подписчикам его вида,
// в порядке подписки. Снимок списка подписчиков берется до доставки, так
// что обработчик может подписываться и отписываться изнутри.
func (e *Emitter) Publish(ev Event) {
	e.mu.Lock()
	list := e.subs[ev.Kind()]
	snapshot := make([]subscriber, len(list))
	copy(snapshot, list)
	e.mu.Unlock()

	for _, s := range snapshot {
		s.fn(ev)
	}
}
