package softphone

import "errors"

// Синхронные ошибки-предусловия публичных операций клиента.
// Сетевые и протокольные отказы сюда не попадают: они приходят
// асинхронно и доставляются только через шину событий
// (RegistrationChange{StatusError}, CallError).
var (
	// ErrNotRegistered вызов невозможен: нет активного user agent,
	// сначала нужен Register
	ErrNotRegistered = errors.New("softphone: not registered")

	// ErrNoActiveSession операция требует отслеживаемой сессии вызова
	ErrNoActiveSession = errors.New("softphone: no active session")
)
