// Package sipgoua реализует интерфейс движка softphone.Engine поверх
// sipgo: user agent с REGISTER (digest аутентификация, периодическое
// обновление), исходящие и входящие INVITE сессии, BYE, REFER и
// re-INVITE для заглушения аудио.
//
// Пакет — "черный ящик" из точки зрения клиента: все протокольные
// детали (транзакции, заголовки диалога, SDP) остаются здесь.
package sipgoua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/arzzra/webphone/pkg/softphone"
)

const (
	defaultExpires     = 600
	defaultListenAddr  = "127.0.0.1:5060"
	registerTimeout    = 16 * time.Second
	inDialogTimeout    = 8 * time.Second
	maxAuthAttempts    = 3
	defaultUserAgentID = "webphone/1.0"
)

// Config настройки движка
type Config struct {
	// UserAgent значение заголовка User-Agent исходящих запросов
	UserAgent string
	// ListenAddr локальный адрес для приема SIP сообщений
	ListenAddr string
	// Expires срок регистрации в секундах
	Expires int
	// Log структурный логгер; nil — slog.Default()
	Log *slog.Logger
}

// Engine фабрика sipgo user agent'ов
type Engine struct {
	cfg Config
	log *slog.Logger
}

var _ softphone.Engine = (*Engine)(nil)

// NewEngine создает движок с заданной конфигурацией
func NewEngine(cfg Config) *Engine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgentID
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.Expires <= 0 {
		cfg.Expires = defaultExpires
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}
}

// NewUserAgent создает остановленный user agent для профиля
func (e *Engine) NewUserAgent(cfg softphone.AgentConfig, cb softphone.AgentCallbacks) (softphone.UserAgent, error) {
	var aor sip.Uri
	if err := sip.ParseUri(cfg.URI, &aor); err != nil {
		return nil, fmt.Errorf("parse account uri %q: %w", cfg.URI, err)
	}

	transport, host, port, err := parseWebsocketURL(cfg.WebsocketURL)
	if err != nil {
		return nil, err
	}

	regHost := cfg.Registrar
	regPort := port
	if regHost == "" {
		regHost = aor.Host
	}
	if h, p, splitErr := net.SplitHostPort(regHost); splitErr == nil {
		regHost = h
		if n, convErr := strconv.Atoi(p); convErr == nil {
			regPort = n
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &userAgent{
		eng:       e,
		cfg:       cfg,
		cb:        cb,
		log:       e.log.With(slog.String("aor", cfg.URI)),
		aor:       aor,
		transport: transport,
		wsHost:    host,
		wsPort:    port,
		regHost:   regHost,
		regPort:   regPort,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
	return u, nil
}

// parseWebsocketURL разбирает websocket endpoint провайдера на транспорт,
// хост и порт
func parseWebsocketURL(raw string) (transport, host string, port int, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse websocket url %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return "", "", 0, fmt.Errorf("unsupported websocket scheme %q", parsed.Scheme)
	}

	host = parsed.Hostname()
	port = 443
	if parsed.Scheme == "ws" {
		port = 80
	}
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid websocket port %q: %w", p, err)
		}
	}
	return parsed.Scheme, host, port, nil
}

// userAgent один зарегистрированный SIP endpoint поверх sipgo
type userAgent struct {
	eng *Engine
	cfg softphone.AgentConfig
	cb  softphone.AgentCallbacks
	log *slog.Logger

	aor       sip.Uri
	transport string
	wsHost    string
	wsPort    int
	regHost   string
	regPort   int

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	cli *sipgo.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	sessions map[string]*session // ключ: Call-ID
	regCSeq  uint32
	authHdr  string // закэшированный Authorization последней регистрации
}

var _ softphone.UserAgent = (*userAgent)(nil)

// Start запускает sipgo стек, слушатель и регистрацию
func (u *userAgent) Start() error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return fmt.Errorf("user agent already started")
	}
	u.started = true
	u.mu.Unlock()

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(u.eng.cfg.UserAgent),
		sipgo.WithUserAgentHostname(u.aor.Host),
	)
	if err != nil {
		return fmt.Errorf("create sipgo ua: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("create sipgo server: %w", err)
	}
	cli, err := sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("create sipgo client: %w", err)
	}

	u.mu.Lock()
	u.ua, u.srv, u.cli = ua, srv, cli
	u.mu.Unlock()

	srv.OnInvite(u.handleInvite)
	srv.OnBye(u.handleBye)
	srv.OnAck(u.handleAck)
	srv.OnCancel(u.handleCancel)
	srv.OnNotify(u.handleNotify)

	go func() {
		network := "ws"
		if u.transport != "ws" && u.transport != "wss" {
			network = "udp"
		}
		if err := srv.ListenAndServe(u.ctx, network, u.eng.cfg.ListenAddr); err != nil {
			u.log.Debug("listener stopped", slog.String("error", err.Error()))
		}
	}()

	go u.registerLoop()
	return nil
}

// Stop останавливает агент: снимает регистрацию (best-effort) и
// закрывает транспорт. Ошибки не сообщаются.
func (u *userAgent) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	cli := u.cli
	u.mu.Unlock()

	if cli != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, _, err := u.sendRegister(ctx, 0); err != nil {
			u.log.Debug("unregister failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	u.cancel()
	u.mu.Lock()
	ua := u.ua
	u.mu.Unlock()
	if ua != nil {
		_ = ua.Close()
	}
}

// Call инициирует исходящий вызов. Сессия сообщается через OnNewSession
// до отправки INVITE.
func (u *userAgent) Call(uri string, opts softphone.MediaOptions) error {
	u.mu.Lock()
	cli := u.cli
	stopped := u.stopped
	u.mu.Unlock()
	if cli == nil || stopped {
		return fmt.Errorf("user agent is not running")
	}
	if !opts.Audio {
		return fmt.Errorf("audio-less calls are not supported")
	}

	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return fmt.Errorf("parse target uri %q: %w", uri, err)
	}

	s := newOutgoingSession(u, target)
	u.trackSession(s)

	if u.cb.OnNewSession != nil {
		u.cb.OnNewSession(s, softphone.OriginatorLocal)
	}

	go s.runInvite()
	return nil
}

func (u *userAgent) trackSession(s *session) {
	u.mu.Lock()
	u.sessions[s.callID.Value()] = s
	u.mu.Unlock()
}

func (u *userAgent) dropSession(s *session) {
	u.mu.Lock()
	if cur, ok := u.sessions[s.callID.Value()]; ok && cur == s {
		delete(u.sessions, s.callID.Value())
	}
	u.mu.Unlock()
}

func (u *userAgent) findSession(callID string) *session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions[callID]
}

// --- Регистрация ---

// registerLoop отправляет REGISTER и обновляет регистрацию на половине
// срока ее действия, пока агент не остановлен
func (u *userAgent) registerLoop() {
	expires := u.eng.cfg.Expires

	ctx, cancel := context.WithTimeout(u.ctx, registerTimeout)
	code, reason, err := u.sendRegister(ctx, expires)
	cancel()
	switch {
	case err != nil:
		u.notifyRegistrationFailed(err.Error())
		return
	case code != sip.StatusOK:
		u.notifyRegistrationFailed(fmt.Sprintf("%d %s", code, reason))
		return
	}
	u.notifyRegistered()

	ticker := time.NewTicker(refreshInterval(expires))
	defer ticker.Stop()
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(u.ctx, registerTimeout)
			code, reason, err := u.sendRegister(ctx, expires)
			cancel()
			if err != nil {
				u.notifyRegistrationFailed(err.Error())
				return
			}
			if code != sip.StatusOK {
				u.notifyRegistrationFailed(fmt.Sprintf("%d %s", code, reason))
				return
			}
		}
	}
}

// refreshInterval интервал обновления регистрации: половина срока,
// но не чаще раза в секунду
func refreshInterval(expires int) time.Duration {
	d := time.Duration(expires/2) * time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (u *userAgent) notifyRegistered() {
	if u.cb.OnRegistered != nil {
		u.cb.OnRegistered()
	}
}

func (u *userAgent) notifyRegistrationFailed(cause string) {
	u.log.Warn("registration failed", slog.String("cause", cause))
	if u.cb.OnRegistrationFailed != nil {
		u.cb.OnRegistrationFailed(cause)
	}
}

// sendRegister отправляет REGISTER с обработкой digest challenge.
// expires=0 снимает регистрацию.
func (u *userAgent) sendRegister(ctx context.Context, expires int) (sip.StatusCode, string, error) {
	u.mu.Lock()
	cli := u.cli
	authHdr := u.authHdr
	u.mu.Unlock()
	if cli == nil {
		return 0, "", fmt.Errorf("sip client is not running")
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxAuthAttempts {
			return 0, "", fmt.Errorf("max auth retry attempts reached")
		}

		req := u.makeRegisterRequest(expires, authHdr)
		res, err := cli.Do(ctx, req)
		if err != nil {
			return 0, "", fmt.Errorf("send REGISTER: %w", err)
		}

		switch res.StatusCode {
		case sip.StatusOK:
			u.mu.Lock()
			u.authHdr = authHdr
			u.mu.Unlock()
			return res.StatusCode, res.Reason, nil
		case sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
			hdr, err := answerChallenge(res, req, u.cfg.Username, u.cfg.Password)
			if err != nil {
				return res.StatusCode, res.Reason, err
			}
			authHdr = hdr
			// Повторяем с вычисленным digest
		default:
			return res.StatusCode, res.Reason, nil
		}
	}
}

func (u *userAgent) makeRegisterRequest(expires int, authHdr string) *sip.Request {
	registrar := sip.Uri{
		Host:      u.regHost,
		Port:      u.regPort,
		UriParams: sip.NewParams().Add("transport", u.transport).(sip.HeaderParams),
	}
	req := sip.NewRequest(sip.REGISTER, registrar)

	u.mu.Lock()
	u.regCSeq++
	cseq := u.regCSeq
	u.mu.Unlock()

	from := &sip.FromHeader{
		DisplayName: u.cfg.DisplayName,
		Address:     u.aor,
		Params:      sip.NewParams().Add("tag", sip.RandString(8)).(sip.HeaderParams),
	}
	to := &sip.ToHeader{Address: u.aor}
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(&sip.ContactHeader{Address: u.aor})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	if u.cfg.OutboundProxy != "" {
		req.AppendHeader(sip.NewHeader("Route", "<"+u.cfg.OutboundProxy+";lr>"))
	}
	if authHdr != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authHdr))
	}
	return req
}

// answerChallenge вычисляет значение Authorization по digest challenge
// из ответа 401/407
func answerChallenge(res *sip.Response, req *sip.Request, username, password string) (string, error) {
	headerName := "WWW-Authenticate"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	hdr := res.GetHeader(headerName)
	if hdr == nil {
		return "", fmt.Errorf("no %s header in %d response", headerName, res.StatusCode)
	}

	challenge, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", fmt.Errorf("invalid digest challenge %q: %w", hdr.Value(), err)
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("compute digest: %w", err)
	}
	return cred.String(), nil
}

// --- Входящие запросы ---

func (u *userAgent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil))
		return
	}

	// re-INVITE существующего диалога: подтверждаем текущие параметры
	if existing := u.findSession(callID.Value()); existing != nil {
		existing.handleReinvite(req, tx)
		return
	}

	s := newIncomingSession(u, req, tx)
	u.trackSession(s)

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)); err != nil {
		u.log.Debug("failed to send 180", slog.String("error", err.Error()))
	}

	u.log.Info("incoming call",
		slog.String("callID", callID.Value()),
		slog.String("from", s.RemoteIdentity()))

	if u.cb.OnNewSession != nil {
		u.cb.OnNewSession(s, softphone.OriginatorRemote)
	}
}

func (u *userAgent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	callID := req.CallID()
	if callID == nil {
		return
	}
	if s := u.findSession(callID.Value()); s != nil {
		s.remoteEnded("BYE")
	}
}

func (u *userAgent) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	if s := u.findSession(callID.Value()); s != nil {
		s.handleAck()
	}
}

func (u *userAgent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	callID := req.CallID()
	if callID == nil {
		return
	}
	if s := u.findSession(callID.Value()); s != nil {
		s.remoteEnded("Canceled")
	}
}

// handleNotify принимает NOTIFY о ходе перевода (REFER) и подтверждает его
func (u *userAgent) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	body := string(req.Body())
	if strings.Contains(body, "SIP/2.0 2") {
		callID := req.CallID()
		if callID == nil {
			return
		}
		// Перевод принят удаленной стороной: наша нога вызова завершается
		if s := u.findSession(callID.Value()); s != nil {
			s.remoteEnded("Transferred")
		}
	}
}
