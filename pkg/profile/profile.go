// Package profile содержит модель SIP аккаунта (профиля) и политику
// провайдера: значения по умолчанию для Telnyx, выбор websocket endpoint,
// эффективный registrar.
//
// Профиль — это только данные. Жизненным циклом (создание, редактирование,
// выбор основного профиля) управляет Store, клиент softphone лишь читает
// профиль в момент регистрации.
package profile

import (
	"fmt"
	"strings"
	"time"
)

// Transport тип транспортного протокола профиля
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportWS  Transport = "ws"
	TransportWSS Transport = "wss"
)

// Valid проверяет, что транспорт входит в поддерживаемый набор
func (t Transport) Valid() bool {
	switch t {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	}
	return false
}

// Provider тег провайдера, выбирает политику заполнения значений по умолчанию
type Provider string

const (
	// ProviderTelnyx облачный провайдер по умолчанию
	ProviderTelnyx Provider = "telnyx"
	// ProviderCustom произвольный SIP провайдер без спец-политики
	ProviderCustom Provider = "custom"
)

// Значения по умолчанию для Telnyx
const (
	TelnyxDefaultDomain      = "sip.telnyx.com"
	TelnyxDefaultPort        = 443
	TelnyxDefaultCountryCode = "1"
)

// Profile именованный SIP аккаунт
type Profile struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`

	// Транспорт и адресация
	Transport     Transport `json:"transport"`
	Port          int       `json:"port,omitempty"`
	WebsocketURL  string    `json:"websocketUrl,omitempty"`
	Registrar     string    `json:"registrar,omitempty"`
	OutboundProxy string    `json:"outboundProxy,omitempty"`

	DisplayName     string `json:"displayName,omitempty"`
	VoicemailNumber string `json:"voicemailNumber,omitempty"`

	Provider     Provider `json:"provider"`
	AutoRegister bool     `json:"autoRegister,omitempty"`
	IsPrimary    bool     `json:"isPrimary,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate проверяет обязательные поля профиля.
// Набор правил повторяет форму создания профиля: непустые label, username,
// password, domain и известный транспорт.
func (p *Profile) Validate() error {
	switch {
	case strings.TrimSpace(p.Label) == "":
		return fmt.Errorf("profile %q: label is required", p.ID)
	case strings.TrimSpace(p.Username) == "":
		return fmt.Errorf("profile %q: username is required", p.ID)
	case p.Password == "":
		return fmt.Errorf("profile %q: password is required", p.ID)
	case strings.TrimSpace(p.Domain) == "":
		return fmt.Errorf("profile %q: domain is required", p.ID)
	case !p.Transport.Valid():
		return fmt.Errorf("profile %q: unsupported transport %q", p.ID, p.Transport)
	}
	return nil
}

// NormalizeDomain приводит домен к каноническому виду: без пробелов, в
// нижнем регистре. Пустое значение заменяется доменом Telnyx — так же себя
// ведет форма онбординга.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return TelnyxDefaultDomain
	}
	return d
}

// URI возвращает адрес записи профиля вида sip:user@domain
func (p *Profile) URI() string {
	return fmt.Sprintf("sip:%s@%s", p.Username, NormalizeDomain(p.Domain))
}

// IsTelnyx сообщает, действует ли для профиля политика Telnyx:
// либо явный тег провайдера, либо домен в зоне telnyx.com.
func (p *Profile) IsTelnyx() bool {
	if p.Provider == ProviderTelnyx {
		return true
	}
	d := NormalizeDomain(p.Domain)
	return d == "telnyx.com" || strings.HasSuffix(d, ".telnyx.com")
}

// EffectiveRegistrar возвращает registrar профиля: явное значение,
// иначе домен.
func (p *Profile) EffectiveRegistrar() string {
	if p.Registrar != "" {
		return p.Registrar
	}
	return NormalizeDomain(p.Domain)
}

// WebsocketEndpoint выбирает websocket URL для подключения к провайдеру.
// Приоритет: явный WebsocketURL > сконструированный transport://domain:port >
// значение по умолчанию провайдера.
//
// Для не-websocket транспортов (udp/tcp/tls) схема принудительно wss —
// подключение к registrar у этого ядра всегда идет поверх websocket.
func (p *Profile) WebsocketEndpoint() string {
	if p.WebsocketURL != "" {
		return p.WebsocketURL
	}

	scheme := "wss"
	if p.Transport == TransportWS {
		scheme = "ws"
	}

	domain := NormalizeDomain(p.Domain)
	port := p.Port
	if port == 0 {
		if p.IsTelnyx() {
			port = TelnyxDefaultPort
		} else if scheme == "wss" {
			port = 7443
		} else {
			port = 5060
		}
	}

	return fmt.Sprintf("%s://%s:%d", scheme, domain, port)
}
