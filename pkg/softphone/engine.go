package softphone

// Интерфейс нижележащего SIP движка. Клиент не знает ничего про wire
// протокол, кодеки и транспорт — движок для него черный ящик, который
// принимает конфигурацию, сообщает о событиях регистрации и отдает
// сессии вызовов.

// Originator кто создал сессию
type Originator string

const (
	// OriginatorLocal исходящий вызов, инициированный этим клиентом
	OriginatorLocal Originator = "local"
	// OriginatorRemote входящий вызов от удаленной стороны
	OriginatorRemote Originator = "remote"
)

// AgentConfig транспортная конфигурация одного user agent,
// собирается клиентом из профиля в момент регистрации
type AgentConfig struct {
	// URI адрес записи вида sip:user@domain
	URI      string
	Username string
	Password string

	DisplayName string
	// WebsocketURL эффективный websocket endpoint провайдера
	WebsocketURL string
	// Registrar сервер регистрации (домен, если не переопределен профилем)
	Registrar string
	// OutboundProxy опциональный исходящий прокси
	OutboundProxy string
	// UserAgent значение заголовка User-Agent
	UserAgent string
}

// AgentCallbacks события уровня user agent. Движок обязан вызывать их
// последовательно, из одного логического потока управления.
type AgentCallbacks struct {
	OnRegistered         func()
	OnUnregistered       func()
	OnRegistrationFailed func(cause string)
	// OnNewSession новая сессия вызова: исходящая (после Call)
	// или входящая (по INVITE от удаленной стороны)
	OnNewSession func(s Session, originator Originator)
}

// SessionCallbacks события уровня сессии вызова
type SessionCallbacks struct {
	OnConnecting func()
	OnProgress   func()
	OnConfirmed  func()
	OnHold       func()
	OnUnhold     func()
	OnEnded      func(cause string)
	OnFailed     func(cause string)
}

// MediaOptions параметры медиа для вызова и ответа
type MediaOptions struct {
	Audio bool
	Video bool
}

// AudioOnly медиа-опции голосового вызова
func AudioOnly() MediaOptions {
	return MediaOptions{Audio: true}
}

// Engine фабрика user agent'ов
type Engine interface {
	// NewUserAgent создает остановленный user agent с заданной
	// конфигурацией и обработчиками событий
	NewUserAgent(cfg AgentConfig, cb AgentCallbacks) (UserAgent, error)
}

// UserAgent один зарегистрированный (или регистрируемый) SIP endpoint
type UserAgent interface {
	// Start запускает транспорт и регистрацию.
	// Возвращает сразу после инициации; итог приходит через колбэки.
	Start() error
	// Stop останавливает агент. Fire-and-forget: ошибки корректного
	// завершения не сообщаются.
	Stop()
	// Call инициирует исходящий вызов. Сессия приходит через
	// OnNewSession с originator=local.
	Call(uri string, opts MediaOptions) error
}

// Session сигнальный хэндл одного вызова
type Session interface {
	// SetCallbacks устанавливает обработчики событий сессии.
	// Должен быть вызван до ответа/прогресса сессии.
	SetCallbacks(cb SessionCallbacks)
	// Answer принимает входящую сессию
	Answer(opts MediaOptions) error
	// Terminate завершает сессию
	Terminate() error
	// Mute применяет состояние заглушения аудио
	Mute(muted bool) error
	// Refer выполняет слепой перевод вызова (REFER) на указанный URI
	Refer(uri string) error
	// RemoteIdentity адрес удаленной стороны, если известен
	RemoteIdentity() string
}
