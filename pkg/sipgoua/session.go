package sipgoua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/webphone/pkg/softphone"
)

// session один SIP диалог вызова. Реализует softphone.Session.
//
// Поля диалога (теги, CSeq, remote target, route set) защищены mu.
// Колбэки вызываются без удержания mu.
type session struct {
	u   *userAgent
	log *slog.Logger

	mu sync.Mutex
	cb softphone.SessionCallbacks

	incoming bool
	callID   sip.CallIDHeader
	from     sip.FromHeader // локальная сторона, с нашим tag
	to       sip.ToHeader   // удаленная сторона, tag появляется при установлении
	cseq     uint32

	remoteTarget sip.Uri
	routeSet     []sip.Uri

	invite   *sip.Request
	inviteTx sip.ServerTransaction // только для входящих
	cancelFn context.CancelFunc    // только для исходящих, до установления

	answered    bool
	established bool
	ended       bool

	direction  MediaDirection
	sdpVersion uint64
}

var _ softphone.Session = (*session)(nil)

func newOutgoingSession(u *userAgent, target sip.Uri) *session {
	callID := sip.CallIDHeader(sip.RandString(22))
	s := &session{
		u:      u,
		log:    u.log.With(slog.String("callID", callID.Value())),
		callID: callID,
		from: sip.FromHeader{
			DisplayName: u.cfg.DisplayName,
			Address:     u.aor,
			Params:      sip.NewParams().Add("tag", sip.RandString(8)).(sip.HeaderParams),
		},
		to:           sip.ToHeader{Address: target},
		remoteTarget: target,
		direction:    DirectionSendRecv,
		sdpVersion:   1,
	}
	return s
}

func newIncomingSession(u *userAgent, req *sip.Request, tx sip.ServerTransaction) *session {
	s := &session{
		u:        u,
		incoming: true,
		callID:   *req.CallID(),
		invite:   req,
		inviteTx: tx,
		// Для UAS From запроса — удаленная сторона, To — мы
		from: sip.FromHeader{
			Address: req.To().Address,
			Params:  sip.NewParams().Add("tag", sip.RandString(8)).(sip.HeaderParams),
		},
		to: sip.ToHeader{
			DisplayName: req.From().DisplayName,
			Address:     req.From().Address,
		},
		remoteTarget: req.From().Address,
		direction:    DirectionSendRecv,
		sdpVersion:   1,
	}
	s.log = u.log.With(slog.String("callID", s.callID.Value()))
	if tag, ok := req.From().Params.Get("tag"); ok {
		s.to.Params = sip.NewParams().Add("tag", tag).(sip.HeaderParams)
	}
	if contact := req.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}
	return s
}

// SetCallbacks устанавливает обработчики событий сессии
func (s *session) SetCallbacks(cb softphone.SessionCallbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// RemoteIdentity адрес удаленной стороны
func (s *session) RemoteIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.to.DisplayName != "" {
		return fmt.Sprintf("%s <%s>", s.to.DisplayName, s.to.Address.String())
	}
	return s.to.Address.String()
}

func (s *session) callbacks() softphone.SessionCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// --- Исходящий вызов ---

// runInvite выполняет INVITE транзакцию исходящего вызова и сообщает
// ход через колбэки сессии. Запускается в отдельной горутине.
func (s *session) runInvite() {
	if cb := s.callbacks(); cb.OnConnecting != nil {
		cb.OnConnecting()
	}

	localHost, localPort := s.u.localAddr()
	offer, err := audioOffer(localHost, localPort, DirectionSendRecv, 1)
	if err != nil {
		s.finishFailed(err.Error())
		return
	}

	ctx, cancel := context.WithCancel(s.u.ctx)
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()
	defer cancel()

	req := s.buildInvite(offer, "")
	s.mu.Lock()
	s.invite = req
	s.mu.Unlock()

	res, err := s.inviteTransaction(ctx, req)
	if err != nil {
		s.finishFailed(err.Error())
		return
	}

	// 401/407: повторяем INVITE с digest credentials
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		s.ackNegative(req, res)
		authHdr, err := answerChallenge(res, req, s.u.cfg.Username, s.u.cfg.Password)
		if err != nil {
			s.finishFailed(err.Error())
			return
		}
		req = s.buildInvite(offer, authHdr)
		s.mu.Lock()
		s.invite = req
		s.mu.Unlock()
		res, err = s.inviteTransaction(ctx, req)
		if err != nil {
			s.finishFailed(err.Error())
			return
		}
	}

	switch {
	case res.StatusCode == sip.StatusOK:
		s.establishFromResponse(req, res)
	case res.StatusCode == sip.StatusRequestTerminated:
		s.finish("Canceled", false)
	default:
		s.ackNegative(req, res)
		s.finishFailed(fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
	}
}

// inviteTransaction гонит INVITE до финального ответа, сообщая
// provisional ответы через OnProgress
func (s *session) inviteTransaction(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.u.cli.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("send INVITE: %w", err)
	}
	defer tx.Terminate()

	progressed := false
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("transaction closed")
			}
			if res.IsProvisional() {
				if res.StatusCode != sip.StatusTrying && !progressed {
					progressed = true
					if cb := s.callbacks(); cb.OnProgress != nil {
						cb.OnProgress()
					}
				}
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated")
		case <-ctx.Done():
			tx.Cancel()
			return nil, ctx.Err()
		}
	}
}

// establishFromResponse фиксирует диалог по 2xx ответу: тег удаленной
// стороны, remote target из Contact, route set из Record-Route
func (s *session) establishFromResponse(req *sip.Request, res *sip.Response) {
	s.mu.Lock()
	if tag, ok := res.To().Params.Get("tag"); ok {
		s.to.Params = sip.NewParams().Add("tag", tag).(sip.HeaderParams)
	}
	if contact := res.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}
	// Route set UAC строится из Record-Route в обратном порядке
	s.routeSet = s.routeSet[:0]
	rrs := res.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		if rr, ok := rrs[i].(*sip.RecordRouteHeader); ok {
			s.routeSet = append(s.routeSet, rr.Address)
		}
	}
	s.established = true
	s.cancelFn = nil
	s.mu.Unlock()

	if err := s.u.cli.WriteRequest(sip.NewAckRequest(req, res, nil)); err != nil {
		s.log.Warn("failed to send ACK", slog.String("error", err.Error()))
	}

	if cb := s.callbacks(); cb.OnConfirmed != nil {
		cb.OnConfirmed()
	}
}

// ackNegative подтверждает нефинальный для диалога ответ (4xx-6xx и
// повторный INVITE после challenge)
func (s *session) ackNegative(req *sip.Request, res *sip.Response) {
	if err := s.u.cli.WriteRequest(sip.NewAckRequest(req, res, nil)); err != nil {
		s.log.Debug("failed to ack response", slog.String("error", err.Error()))
	}
}

func (s *session) buildInvite(offer []byte, authHdr string) *sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := sip.NewRequest(sip.INVITE, s.remoteTarget)
	req.AppendHeader(&s.from)
	req.AppendHeader(&sip.ToHeader{DisplayName: s.to.DisplayName, Address: s.to.Address})
	req.AppendHeader(&s.callID)
	s.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: s.u.aor})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if s.u.cfg.OutboundProxy != "" {
		req.AppendHeader(sip.NewHeader("Route", "<"+s.u.cfg.OutboundProxy+";lr>"))
	}
	if authHdr != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authHdr))
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)
	return req
}

// --- Входящий вызов ---

// Answer принимает входящую сессию: отправляет 200 OK с SDP answer.
// Подтверждение диалога происходит по ACK удаленной стороны.
func (s *session) Answer(opts softphone.MediaOptions) error {
	s.mu.Lock()
	if !s.incoming {
		s.mu.Unlock()
		return fmt.Errorf("cannot answer an outgoing session")
	}
	if s.answered || s.ended {
		s.mu.Unlock()
		return fmt.Errorf("session is not answerable")
	}
	if !opts.Audio {
		s.mu.Unlock()
		return fmt.Errorf("audio-less calls are not supported")
	}
	s.answered = true
	invite, tx := s.invite, s.inviteTx
	localTag, _ := s.from.Params.Get("tag")
	s.mu.Unlock()

	localHost, localPort := s.u.localAddr()
	answer, err := audioOffer(localHost, localPort, DirectionSendRecv, 1)
	if err != nil {
		return err
	}

	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", answer)
	if to := res.To(); to != nil {
		to.Params = sip.NewParams().Add("tag", localTag).(sip.HeaderParams)
	}
	res.AppendHeader(&sip.ContactHeader{Address: s.u.aor})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	return nil
}

// handleAck подтверждение входящего диалога
func (s *session) handleAck() {
	s.mu.Lock()
	if !s.incoming || !s.answered || s.established || s.ended {
		s.mu.Unlock()
		return
	}
	s.established = true
	s.mu.Unlock()

	if cb := s.callbacks(); cb.OnConfirmed != nil {
		cb.OnConfirmed()
	}
}

// handleReinvite подтверждает re-INVITE удаленной стороны текущими
// параметрами сессии
func (s *session) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	direction := s.direction
	localTag, _ := s.from.Params.Get("tag")
	s.sdpVersion++
	version := s.sdpVersion
	s.mu.Unlock()

	localHost, localPort := s.u.localAddr()
	answer, err := audioOffer(localHost, localPort, direction, version)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params = sip.NewParams().Add("tag", localTag).(sip.HeaderParams)
		}
	}
	res.AppendHeader(&sip.ContactHeader{Address: s.u.aor})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	_ = tx.Respond(res)
}

// --- Управление сессией ---

// Terminate завершает сессию: BYE для установленного диалога, CANCEL
// для неотвеченного исходящего, 603 Decline для неотвеченного входящего
func (s *session) Terminate() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	established := s.established
	incoming := s.incoming
	answered := s.answered
	cancelFn := s.cancelFn
	invite, tx := s.invite, s.inviteTx
	s.mu.Unlock()

	switch {
	case established:
		req := s.makeRequest(sip.BYE)
		ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
		defer cancel()
		if _, err := s.u.cli.Do(ctx, req); err != nil {
			s.log.Warn("BYE failed", slog.String("error", err.Error()))
		}
	case incoming && !answered:
		_ = tx.Respond(sip.NewResponseFromRequest(invite, sip.StatusGlobalDecline, "Decline", nil))
	case !incoming && cancelFn != nil:
		cancelFn()
	}

	s.finish("Terminated", false)
	return nil
}

// Mute переключает направление аудио через re-INVITE:
// sendonly — заглушено, sendrecv — обычный режим
func (s *session) Mute(muted bool) error {
	s.mu.Lock()
	if !s.established || s.ended {
		s.mu.Unlock()
		return fmt.Errorf("session is not established")
	}
	direction := DirectionSendRecv
	if muted {
		direction = DirectionSendOnly
	}
	if s.direction == direction {
		s.mu.Unlock()
		return nil
	}
	s.direction = direction
	s.sdpVersion++
	version := s.sdpVersion
	s.mu.Unlock()

	localHost, localPort := s.u.localAddr()
	offer, err := audioOffer(localHost, localPort, direction, version)
	if err != nil {
		return err
	}

	req := s.makeRequest(sip.INVITE)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
	defer cancel()
	res, err := s.u.cli.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("send re-INVITE: %w", err)
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("re-INVITE rejected: %d %s", res.StatusCode, res.Reason)
	}
	if err := s.u.cli.WriteRequest(sip.NewAckRequest(req, res, nil)); err != nil {
		s.log.Debug("failed to ack re-INVITE", slog.String("error", err.Error()))
	}
	return nil
}

// Refer выполняет слепой перевод вызова на указанный URI.
// Итог перевода приходит через NOTIFY; наша нога завершается после
// принятия перевода удаленной стороной.
func (s *session) Refer(uri string) error {
	s.mu.Lock()
	if !s.established || s.ended {
		s.mu.Unlock()
		return fmt.Errorf("session is not established")
	}
	s.mu.Unlock()

	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return fmt.Errorf("parse refer target %q: %w", uri, err)
	}

	req := s.makeRequest(sip.REFER)
	req.AppendHeader(referToHeader(target))
	req.AppendHeader(referredByHeader(s.u.aor))

	ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
	defer cancel()
	res, err := s.u.cli.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("send REFER: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("REFER rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// makeRequest строит in-dialog запрос с заголовками диалога и route set
func (s *session) makeRequest(method sip.RequestMethod) *sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := sip.NewRequest(method, s.remoteTarget)
	req.AppendHeader(&s.from)
	req.AppendHeader(&s.to)
	req.AppendHeader(&s.callID)
	s.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: s.u.aor})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	for _, route := range s.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

func referToHeader(target sip.Uri) sip.Header {
	builder := strings.Builder{}
	builder.WriteByte('<')
	builder.WriteString(target.String())
	builder.WriteByte('>')
	return sip.NewHeader("Refer-To", builder.String())
}

func referredByHeader(contact sip.Uri) sip.Header {
	builder := strings.Builder{}
	builder.WriteByte('<')
	builder.WriteString(contact.String())
	builder.WriteByte('>')
	return sip.NewHeader("Referred-By", builder.String())
}

// --- Завершение ---

// remoteEnded завершение по инициативе удаленной стороны (BYE, CANCEL,
// успешный перевод)
func (s *session) remoteEnded(cause string) {
	s.finish(cause, false)
}

func (s *session) finishFailed(cause string) {
	s.finish(cause, true)
}

// finish переводит сессию в терминальное состояние ровно один раз и
// сообщает итог через OnEnded либо OnFailed
func (s *session) finish(cause string, failed bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.u.dropSession(s)
	s.log.Info("session finished",
		slog.String("cause", cause),
		slog.Bool("failed", failed))

	cb := s.callbacks()
	if failed {
		if cb.OnFailed != nil {
			cb.OnFailed(cause)
		}
		return
	}
	if cb.OnEnded != nil {
		cb.OnEnded(cause)
	}
}

// localAddr хост и порт для SDP из конфигурации слушателя
func (u *userAgent) localAddr() (string, int) {
	host, portStr, err := net.SplitHostPort(u.eng.cfg.ListenAddr)
	if err != nil {
		return "127.0.0.1", 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 5060
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}
