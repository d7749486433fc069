// Package softphone реализует ядро браузерного софтфона: конечные автоматы
// регистрации и вызова, нормализацию целей набора и типизированную шину
// событий поверх нижележащего SIP движка.
//
// Клиент владеет ровно одним user agent и не более чем одной сессией
// вызова. Повторный Register всегда вытесняет предыдущую регистрацию,
// новая сессия вытесняет отслеживаемую. Каждый хэндл помечен номером
// поколения; колбэк вытесненного хэндла сверяет свое поколение с текущим
// и молча отбрасывается, поэтому поздние события старого агента не могут
// испортить состояние нового.
package softphone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/dialstring"
	"github.com/arzzra/webphone/pkg/profile"
)

// RegistrationStatus состояние регистрации клиента
type RegistrationStatus string

const (
	StatusIdle         RegistrationStatus = "idle"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusError        RegistrationStatus = "error"
)

// CallState состояние сессии вызова
type CallState string

const (
	CallStateIdle    CallState = "idle"
	CallStateCalling CallState = "calling"
	CallStateRinging CallState = "ringing"
	CallStateActive  CallState = "active"
	CallStateHeld    CallState = "held"
	CallStateEnded   CallState = "ended"
	CallStateError   CallState = "error"
)

// Direction направление вызова
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Client клиент SIP софтфона: машина состояний регистрации и вызова.
//
// Экземпляр создается явно и передается потребителям по ссылке — никаких
// глобальных синглтонов, в тестах можно держать несколько независимых
// клиентов.
type Client struct {
	engine  Engine
	emitter *Emitter
	log     *slog.Logger
	metrics *Metrics

	mu sync.Mutex

	// Поколение user agent. Колбэки агента захватывают значение на момент
	// создания и сверяют его перед любым действием.
	generation uint64
	ua         UserAgent
	prof       *profile.Profile
	regFSM     *fsm.FSM

	// Поколение сессии вызова, тот же механизм защиты
	sessGen uint64
	session Session
	callFSM *fsm.FSM

	direction      Direction
	remoteIdentity string
	muted          bool
}

// Option настройка клиента
type Option func(*Client)

// WithLogger задает структурный логгер клиента
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics подключает сборщик метрик Prometheus
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New создает клиент поверх движка. Движок обязателен, остальное
// настраивается опциями.
func New(engine Engine, opts ...Option) *Client {
	c := &Client{
		engine:  engine,
		emitter: NewEmitter(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events возвращает шину событий клиента для подписки
func (c *Client) Events() *Emitter {
	return c.emitter
}

func newRegistrationFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusIdle),
		fsm.Events{
			{Name: "register", Src: []string{
				string(StatusIdle), string(StatusRegistering), string(StatusRegistered),
				string(StatusUnregistered), string(StatusError)},
				Dst: string(StatusRegistering)},
			{Name: "registered", Src: []string{
				string(StatusRegistering), string(StatusRegistered)},
				Dst: string(StatusRegistered)},
			{Name: "unregister", Src: []string{
				string(StatusIdle), string(StatusRegistering), string(StatusRegistered),
				string(StatusUnregistered), string(StatusError)},
				Dst: string(StatusUnregistered)},
			{Name: "fail", Src: []string{
				string(StatusRegistering), string(StatusRegistered)},
				Dst: string(StatusError)},
		},
		nil,
	)
}

func newCallFSM(initial CallState) *fsm.FSM {
	early := []string{string(CallStateIdle), string(CallStateCalling), string(CallStateRinging)}
	live := append(append([]string{}, early...), string(CallStateActive), string(CallStateHeld))
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: "connecting", Src: early, Dst: string(CallStateCalling)},
			{Name: "progress", Src: early, Dst: string(CallStateRinging)},
			{Name: "confirm", Src: []string{
				string(CallStateCalling), string(CallStateRinging),
				string(CallStateActive), string(CallStateHeld)},
				Dst: string(CallStateActive)},
			{Name: "hold", Src: []string{string(CallStateActive)}, Dst: string(CallStateHeld)},
			{Name: "unhold", Src: []string{string(CallStateHeld), string(CallStateActive)},
				Dst: string(CallStateActive)},
			{Name: "end", Src: live, Dst: string(CallStateEnded)},
			{Name: "fail", Src: append(append([]string{}, live...), string(CallStateEnded)),
				Dst: string(CallStateError)},
		},
		nil,
	)
}

// Register регистрирует профиль у провайдера. Любой существующий user agent
// останавливается и вытесняется, даже если его регистрация еще в полете.
//
// Возврат без ошибки означает только что регистрация инициирована: итог
// приходит событием registration:change. Синхронная ошибка возможна лишь
// при отказе движка создать или запустить агент.
func (c *Client) Register(p *profile.Profile) error {
	c.mu.Lock()
	old := c.ua
	c.ua = nil
	c.generation++
	gen := c.generation
	c.prof = p
	c.regFSM = newRegistrationFSM()
	_ = c.regFSM.Event(context.Background(), "register")
	c.mu.Unlock()

	if old != nil {
		// Fire-and-forget: не ждем корректного завершения старого агента
		go old.Stop()
	}

	c.log.Info("registration started",
		slog.String("profile", p.Label),
		slog.String("uri", p.URI()))
	c.metrics.registration(StatusRegistering)
	c.emitter.Publish(RegistrationChange{Status: StatusRegistering, Profile: p})

	cfg := AgentConfig{
		URI:           p.URI(),
		Username:      p.Username,
		Password:      p.Password,
		DisplayName:   p.DisplayName,
		WebsocketURL:  p.WebsocketEndpoint(),
		Registrar:     p.EffectiveRegistrar(),
		OutboundProxy: p.OutboundProxy,
	}

	ua, err := c.engine.NewUserAgent(cfg, AgentCallbacks{
		OnRegistered:         func() { c.onAgentRegistered(gen) },
		OnUnregistered:       func() { c.onAgentUnregistered(gen) },
		OnRegistrationFailed: func(cause string) { c.onAgentFailed(gen, cause) },
		OnNewSession:         func(s Session, o Originator) { c.onNewSession(gen, s, o) },
	})
	if err != nil {
		c.failRegistration(gen, err.Error())
		return fmt.Errorf("create user agent: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		// Пока агент создавался, его вытеснил более новый Register
		c.mu.Unlock()
		go ua.Stop()
		return nil
	}
	c.ua = ua
	c.mu.Unlock()

	if err := ua.Start(); err != nil {
		// Мертвый агент не должен оставаться текущим: иначе Call пройдет
		// предусловие регистрации и уйдет в незапущенный стек
		c.mu.Lock()
		if gen == c.generation && c.ua == ua {
			c.ua = nil
		}
		c.mu.Unlock()
		go ua.Stop()
		c.failRegistration(gen, err.Error())
		return fmt.Errorf("start user agent: %w", err)
	}
	return nil
}

// Unregister останавливает текущий user agent. Без агента — no-op.
func (c *Client) Unregister() {
	c.mu.Lock()
	if c.ua == nil {
		c.mu.Unlock()
		return
	}
	ua := c.ua
	c.ua = nil
	// Поздние колбэки остановленного агента должны отбрасываться
	c.generation++
	prof := c.prof
	if c.regFSM != nil {
		_ = c.regFSM.Event(context.Background(), "unregister")
	}
	c.mu.Unlock()

	ua.Stop()
	c.log.Info("unregistered")
	c.metrics.registration(StatusUnregistered)
	c.emitter.Publish(RegistrationChange{Status: StatusUnregistered, Profile: prof})
}

// Call инициирует исходящий голосовой вызов. Возвращает нормализованный
// адрес назначения; подтверждение соединения приходит событиями call:state.
func (c *Client) Call(target string) (string, error) {
	c.mu.Lock()
	if c.ua == nil || c.prof == nil {
		c.mu.Unlock()
		return "", ErrNotRegistered
	}
	ua, prof := c.ua, c.prof
	c.mu.Unlock()

	uri, err := dialstring.Normalize(target, prof)
	if err != nil {
		return "", err
	}

	c.log.Info("placing call", slog.String("target", uri))
	if err := ua.Call(uri, AudioOnly()); err != nil {
		return "", fmt.Errorf("dial %s: %w", uri, err)
	}
	return uri, nil
}

// Answer принимает входящую сессию с аудио
func (c *Client) Answer() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return ErrNoActiveSession
	}
	return s.Answer(AudioOnly())
}

// Hangup завершает отслеживаемую сессию. Без сессии — no-op.
// События ended от движка доходят до подписчиков и после Hangup.
func (c *Client) Hangup() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Terminate(); err != nil {
		c.log.Debug("terminate failed", slog.String("error", err.Error()))
	}
}

// Mute применяет состояние заглушения аудио. Идемпотентен: повторный вызов
// с тем же флагом и вызов без сессии — безопасные no-op.
func (c *Client) Mute(muted bool) error {
	c.mu.Lock()
	s := c.session
	if s == nil || c.muted == muted {
		c.mu.Unlock()
		return nil
	}
	sg := c.sessGen
	c.mu.Unlock()

	if err := s.Mute(muted); err != nil {
		return fmt.Errorf("mute: %w", err)
	}

	c.mu.Lock()
	// Пока шел re-INVITE, сессию могла вытеснить новая: ее флаг не трогаем
	if sg == c.sessGen {
		c.muted = muted
	}
	c.mu.Unlock()
	return nil
}

// Transfer выполняет слепой перевод текущего вызова на указанную цель.
// Возвращает нормализованный адрес перевода.
func (c *Client) Transfer(target string) (string, error) {
	c.mu.Lock()
	s, prof := c.session, c.prof
	c.mu.Unlock()
	if s == nil {
		return "", ErrNoActiveSession
	}

	uri, err := dialstring.Normalize(target, prof)
	if err != nil {
		return "", err
	}

	c.log.Info("transferring call", slog.String("target", uri))
	if err := s.Refer(uri); err != nil {
		return "", fmt.Errorf("refer %s: %w", uri, err)
	}
	return uri, nil
}

// RegistrationState текущее состояние регистрации
func (c *Client) RegistrationState() RegistrationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regFSM == nil {
		return StatusIdle
	}
	return RegistrationStatus(c.regFSM.Current())
}

// CallState текущее состояние вызова
func (c *Client) CallState() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callFSM == nil {
		return CallStateIdle
	}
	return CallState(c.callFSM.Current())
}

// ActiveProfile профиль последней регистрации
func (c *Client) ActiveProfile() *profile.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prof
}

// Muted текущее состояние заглушения
func (c *Client) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// --- Колбэки уровня агента ---

func (c *Client) onAgentRegistered(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	_ = c.regFSM.Event(context.Background(), "registered")
	prof := c.prof
	c.mu.Unlock()

	c.log.Info("registered", slog.String("profile", prof.Label))
	c.metrics.registration(StatusRegistered)
	c.emitter.Publish(RegistrationChange{Status: StatusRegistered, Profile: prof})
}

func (c *Client) onAgentUnregistered(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	_ = c.regFSM.Event(context.Background(), "unregister")
	prof := c.prof
	c.mu.Unlock()

	c.metrics.registration(StatusUnregistered)
	c.emitter.Publish(RegistrationChange{Status: StatusUnregistered, Profile: prof})
}

func (c *Client) onAgentFailed(gen uint64, cause string) {
	c.failRegistration(gen, cause)
}

func (c *Client) failRegistration(gen uint64, cause string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	_ = c.regFSM.Event(context.Background(), "fail")
	prof := c.prof
	c.mu.Unlock()

	c.log.Warn("registration failed", slog.String("cause", cause))
	c.metrics.registration(StatusError)
	c.emitter.Publish(RegistrationChange{Status: StatusError, Cause: cause, Profile: prof})
}

// --- Сессии ---

func (c *Client) onNewSession(gen uint64, s Session, originator Originator) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.session != nil {
		// Вторая одновременная сессия не моделируется: новая молча
		// замещает отслеживаемую. Осознанное упрощение, см. DESIGN.md.
		c.log.Warn("replacing tracked session",
			slog.String("remote", c.remoteIdentity))
		c.metrics.sessionReplaced()
	}

	c.sessGen++
	sg := c.sessGen
	c.session = s
	c.muted = false
	c.remoteIdentity = s.RemoteIdentity()

	var state CallState
	if originator == OriginatorRemote {
		c.direction = DirectionIncoming
		state = CallStateRinging
	} else {
		c.direction = DirectionOutgoing
		state = CallStateCalling
	}
	c.callFSM = newCallFSM(state)
	dir, prof, rid := c.direction, c.prof, c.remoteIdentity
	c.mu.Unlock()

	s.SetCallbacks(SessionCallbacks{
		OnConnecting: func() { c.sessionTransition(sg, "connecting", CallStateCalling) },
		OnProgress:   func() { c.sessionTransition(sg, "progress", CallStateRinging) },
		OnConfirmed:  func() { c.sessionTransition(sg, "confirm", CallStateActive) },
		OnHold:       func() { c.sessionTransition(sg, "hold", CallStateHeld) },
		OnUnhold:     func() { c.sessionTransition(sg, "unhold", CallStateActive) },
		OnEnded:      func(cause string) { c.sessionFinished(sg, cause, false) },
		OnFailed:     func(cause string) { c.sessionFinished(sg, cause, true) },
	})

	c.log.Info("new session",
		slog.String("direction", string(dir)),
		slog.String("remote", rid))
	c.metrics.callStarted(dir)
	c.metrics.transition(state)
	c.emitter.Publish(CallStateChange{
		State: state, Direction: dir, RemoteIdentity: rid, Profile: prof,
	})
}

func (c *Client) sessionTransition(sg uint64, event string, state CallState) {
	c.mu.Lock()
	if sg != c.sessGen || c.callFSM == nil {
		c.mu.Unlock()
		return
	}
	if err := c.callFSM.Event(context.Background(), event); err != nil {
		// Колбэк пришел не по порядку, состояние не меняем
		c.mu.Unlock()
		c.log.Debug("ignored out-of-order session event",
			slog.String("event", event),
			slog.String("error", err.Error()))
		return
	}
	dir, prof, rid := c.direction, c.prof, c.remoteIdentity
	c.mu.Unlock()

	c.metrics.transition(state)
	c.emitter.Publish(CallStateChange{
		State: state, Direction: dir, RemoteIdentity: rid, Profile: prof,
	})
}

// sessionFinished обрабатывает терминальные события сессии: ended и failed.
// Хэндл сессии очищается, машина возвращается в состояние, из которого
// можно принять или инициировать новый вызов.
func (c *Client) sessionFinished(sg uint64, cause string, failed bool) {
	c.mu.Lock()
	if sg != c.sessGen {
		c.mu.Unlock()
		return
	}
	// Дубликаты терминального события той же сессии отбрасываются
	c.sessGen++
	event, state := "end", CallStateEnded
	if failed {
		event, state = "fail", CallStateError
	}
	_ = c.callFSM.Event(context.Background(), event)
	c.session = nil
	dir, prof, rid := c.direction, c.prof, c.remoteIdentity
	c.mu.Unlock()

	c.log.Info("session finished",
		slog.String("state", string(state)),
		slog.String("cause", cause))
	c.metrics.callFinished()
	c.metrics.transition(state)
	c.emitter.Publish(CallStateChange{
		State: state, Direction: dir, RemoteIdentity: rid, Profile: prof,
	})
	if failed {
		c.metrics.callError()
		c.emitter.Publish(CallError{Message: cause})
	} else {
		c.emitter.Publish(CallEnded{Reason: cause})
	}
}
