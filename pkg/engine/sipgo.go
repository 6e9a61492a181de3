package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// SipgoConfig конфигурация production движка на базе emiago/sipgo.
type SipgoConfig struct {
	// Host локальный адрес для транспорта и Contact заголовка
	Host string

	// Logger опциональный логгер; nil - логирование отключено
	Logger *slog.Logger
}

// generateTag генерирует tag параметр для From/To заголовков.
func generateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// sipgoAccount аккаунт внутри движка.
type sipgoAccount struct {
	id      AccountID
	cfg     AccountConfig
	uri     sip.Uri
	regCode int
}

// sipgoCall вызов внутри движка. Хранит минимальный диалоговый
// контекст для построения ACK/BYE и ответов.
type sipgoCall struct {
	id       CallID
	acc      AccountID
	incoming bool

	state    CallState
	lastCode int
	media    MediaStatus
	confSlot int
	remote   string

	sipCallID string
	localTag  string
	cseq      uint32

	invite   *sipRequestPair
	clientTx sip.ClientTransaction
	serverTx sip.ServerTransaction
}

// sipRequestPair исходный INVITE и финальный ответ на него.
type sipRequestPair struct {
	request  *sip.Request
	response *sip.Response
}

// Sipgo реализует Engine поверх emiago/sipgo.
//
// Это тонкий сигнальный движок: один UDP/TCP транспорт, базовые
// INVITE/ACK/BYE/CANCEL/REGISTER потоки, digest аутентификация
// регистрации. Медиа план (RTP) движок не поднимает - ConnectAudio
// только фиксирует коммутацию слотов. Все события доставляются из
// горутин движка через Callbacks.
type Sipgo struct {
	mu sync.Mutex

	host   string
	logger *slog.Logger

	created bool
	started bool
	cfg     Config

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	network     string
	port        int
	transportID TransportID
	contact     sip.ContactHeader

	nextAccount AccountID
	nextCall    CallID
	accounts    map[AccountID]*sipgoAccount
	calls       map[CallID]*sipgoCall
	callsBySIP  map[string]CallID

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSipgo создает движок. До Create движок не принимает операции.
func NewSipgo(cfg SipgoConfig) *Sipgo {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sipgo{
		host:        host,
		logger:      logger,
		transportID: NoTransport,
	}
}

// Create создает экземпляр движка.
func (e *Sipgo) Create() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.created {
		return StatusWrongState
	}
	e.created = true
	e.accounts = make(map[AccountID]*sipgoAccount)
	e.calls = make(map[CallID]*sipgoCall)
	e.callsBySIP = make(map[string]CallID)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return StatusOK
}

// Configure задает конфигурацию и обработчики событий.
func (e *Sipgo) Configure(cfg Config) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created || e.started {
		return StatusWrongState
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "SoftPhone/1.0"
	}
	e.cfg = cfg
	return StatusOK
}

// CreateTransport фиксирует локальную точку сигнализации.
// Прослушивание начинается в Start.
func (e *Sipgo) CreateTransport(kind TransportKind, port int) (TransportID, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created {
		return NoTransport, StatusWrongState
	}
	if e.transportID != NoTransport {
		// Один транспорт на жизненный цикл движка
		return NoTransport, StatusWrongState
	}
	if port <= 0 || port > 65535 {
		return NoTransport, StatusInvalidArgument
	}

	switch kind {
	case TransportUDP:
		e.network = "udp"
	case TransportTCP:
		e.network = "tcp"
	default:
		return NoTransport, StatusInvalidArgument
	}

	e.port = port
	e.transportID = TransportID(1)
	e.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "softphone",
			Host:   e.host,
			Port:   port,
		},
	}
	return e.transportID, StatusOK
}

// Start поднимает sipgo UA/server/client и запускает прослушивание.
func (e *Sipgo) Start() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created || e.started {
		return StatusWrongState
	}
	if e.transportID == NoTransport {
		return StatusWrongState
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.cfg.UserAgent))
	if err != nil {
		e.logger.Error("не удалось создать UA", slog.Any("error", err))
		return StatusInternalError
	}
	e.ua = ua

	e.server, err = sipgo.NewServer(e.ua)
	if err != nil {
		e.logger.Error("не удалось создать server", slog.Any("error", err))
		return StatusInternalError
	}

	e.client, err = sipgo.NewClient(e.ua)
	if err != nil {
		e.logger.Error("не удалось создать client", slog.Any("error", err))
		return StatusInternalError
	}

	e.setupHandlers()

	listenAddr := fmt.Sprintf("%s:%d", e.host, e.port)
	network := e.network
	server := e.server
	ctx := e.ctx
	go func() {
		if err := server.ListenAndServe(ctx, network, listenAddr); err != nil {
			e.logger.Error("сигнальный транспорт остановлен",
				slog.String("addr", listenAddr), slog.Any("error", err))
		}
	}()

	e.started = true
	e.logger.Info("движок запущен",
		slog.String("network", network), slog.String("addr", listenAddr))
	return StatusOK
}

// Destroy останавливает движок. Безопасен при частичной инициализации.
func (e *Sipgo) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.server != nil {
		_ = e.server.Close()
	}
	if e.client != nil {
		_ = e.client.Close()
	}
	if e.ua != nil {
		_ = e.ua.Close()
	}
	e.ua, e.server, e.client = nil, nil, nil
	e.accounts, e.calls, e.callsBySIP = nil, nil, nil
	e.transportID = NoTransport
	e.created, e.started = false, false
}

// AddAccount добавляет аккаунт и при необходимости запускает REGISTER.
func (e *Sipgo) AddAccount(cfg AccountConfig) (AccountID, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return NoAccount, StatusWrongState
	}

	var uri sip.Uri
	if err := sip.ParseUri(cfg.URI, &uri); err != nil {
		return NoAccount, StatusInvalidArgument
	}

	e.nextAccount++
	acc := &sipgoAccount{id: e.nextAccount, cfg: cfg, uri: uri}
	e.accounts[acc.id] = acc

	if cfg.Register && cfg.Registrar != "" {
		go e.runRegistration(acc)
	}
	return acc.id, StatusOK
}

// RemoveAccount удаляет аккаунт.
func (e *Sipgo) RemoveAccount(id AccountID) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return StatusWrongState
	}
	if _, ok := e.accounts[id]; !ok {
		return StatusNotFound
	}
	delete(e.accounts, id)
	return StatusOK
}

// runRegistration отправляет REGISTER, при 401/407 повторяет с digest
// ответом на challenge. Исход фиксируется в аккаунте и доставляется
// через OnRegistrationState.
func (e *Sipgo) runRegistration(acc *sipgoAccount) {
	code := e.doRegister(acc)

	e.mu.Lock()
	if a, ok := e.accounts[acc.id]; ok {
		a.regCode = code
	}
	cb := e.cfg.Callbacks.OnRegistrationState
	e.mu.Unlock()

	if cb != nil {
		cb(acc.id)
	}
}

func (e *Sipgo) doRegister(acc *sipgoAccount) int {
	var registrar sip.Uri
	if err := sip.ParseUri(acc.cfg.Registrar, &registrar); err != nil {
		return int(StatusInvalidArgument)
	}

	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.FromHeader{
		Address: acc.uri,
		Params:  sip.HeaderParams{"tag": generateTag()},
	})
	req.AppendHeader(&sip.ToHeader{Address: acc.uri, Params: sip.HeaderParams{}})
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.New().String()))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&e.contact)
	req.AppendHeader(sip.NewHeader("Expires", "300"))

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	res, err := e.client.Do(ctx, req)
	if err != nil {
		e.logger.Error("REGISTER не отправлен", slog.Any("error", err))
		return int(StatusServiceDown)
	}

	// Challenge регистратора - отвечаем digest credentials
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		authHeader := "WWW-Authenticate"
		respHeader := "Authorization"
		if res.StatusCode == sip.StatusProxyAuthRequired {
			authHeader = "Proxy-Authenticate"
			respHeader = "Proxy-Authorization"
		}

		challengeHdr := res.GetHeader(authHeader)
		if challengeHdr == nil || acc.cfg.Username == "" {
			return int(res.StatusCode)
		}
		challenge, err := digest.ParseChallenge(challengeHdr.Value())
		if err != nil {
			e.logger.Error("некорректный auth challenge", slog.Any("error", err))
			return int(res.StatusCode)
		}
		cred, err := digest.Digest(challenge, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      registrar.String(),
			Username: acc.cfg.Username,
			Password: acc.cfg.Secret,
		})
		if err != nil {
			e.logger.Error("не удалось вычислить digest", slog.Any("error", err))
			return int(res.StatusCode)
		}

		req.RemoveHeader("Via")
		cseq := req.CSeq()
		cseq.SeqNo++
		req.AppendHeader(sip.NewHeader(respHeader, cred.String()))

		res, err = e.client.Do(ctx, req)
		if err != nil {
			return int(StatusServiceDown)
		}
	}

	return int(res.StatusCode)
}

// PlaceCall начинает исходящий вызов.
func (e *Sipgo) PlaceCall(acc AccountID, uri string, opts CallOptions) (CallID, Status) {
	e.mu.Lock()

	if !e.started {
		e.mu.Unlock()
		return NoCall, StatusWrongState
	}
	account, ok := e.accounts[acc]
	if !ok {
		e.mu.Unlock()
		return NoCall, StatusNotFound
	}

	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		e.mu.Unlock()
		return NoCall, StatusInvalidArgument
	}

	localTag := generateTag()
	sipCallID := uuid.New().String()

	invite := sip.NewRequest(sip.INVITE, target)
	invite.AppendHeader(&sip.FromHeader{
		Address: account.uri,
		Params:  sip.HeaderParams{"tag": localTag},
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	invite.AppendHeader(sip.NewHeader("Call-ID", sipCallID))
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	invite.AppendHeader(&e.contact)
	for name, value := range opts.Headers {
		invite.AppendHeader(sip.NewHeader(name, value))
	}

	offer := e.buildSDP()
	invite.SetBody(offer)
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(offer))))

	client := e.client
	ctx := e.ctx
	e.mu.Unlock()

	tx, err := client.TransactionRequest(ctx, invite)
	if err != nil {
		e.logger.Error("не удалось отправить INVITE", slog.Any("error", err))
		return NoCall, StatusServiceDown
	}

	e.mu.Lock()
	e.nextCall++
	call := &sipgoCall{
		id:        e.nextCall,
		acc:       acc,
		state:     CallStateCalling,
		remote:    target.String(),
		sipCallID: sipCallID,
		localTag:  localTag,
		cseq:      1,
		confSlot:  int(e.nextCall),
		invite:    &sipRequestPair{request: invite},
		clientTx:  tx,
	}
	e.calls[call.id] = call
	e.callsBySIP[sipCallID] = call.id
	e.mu.Unlock()

	go e.watchInvite(call, tx)
	return call.id, StatusOK
}

// watchInvite следит за ответами на исходящий INVITE.
func (e *Sipgo) watchInvite(call *sipgoCall, tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			code := int(res.StatusCode)
			switch {
			case code < 200:
				if code >= 180 {
					e.transitionCall(call.id, CallStateEarly, code, nil)
				}
			case code < 300:
				e.mu.Lock()
				call.invite.response = res
				if contact := res.Contact(); contact != nil {
					call.invite.request.Recipient = contact.Address
				}
				ack := e.buildAck(call, res)
				e.mu.Unlock()
				if err := e.client.WriteRequest(ack); err != nil {
					e.logger.Error("не удалось отправить ACK", slog.Any("error", err))
				}
				e.transitionCall(call.id, CallStateConfirmed, code, nil)
				return
			default:
				e.transitionCall(call.id, CallStateDisconnected, code, nil)
				return
			}
		case <-tx.Done():
			e.transitionCall(call.id, CallStateDisconnected, int(StatusTimeout), nil)
			return
		case <-e.ctx.Done():
			return
		}
	}
}

// buildAck строит ACK на 2xx ответ: тот же Request-URI и номер CSeq,
// что у INVITE, To с remote tag из ответа. Вызывается под e.mu.
func (e *Sipgo) buildAck(call *sipgoCall, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, call.invite.request.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", call.sipCallID))
	ack.AppendHeader(call.invite.request.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      call.invite.request.CSeq().SeqNo,
		MethodName: sip.ACK,
	})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

// Answer отвечает на входящий вызов указанным SIP статусом.
func (e *Sipgo) Answer(id CallID, sipCode int) Status {
	e.mu.Lock()

	call, ok := e.calls[id]
	if !ok {
		e.mu.Unlock()
		return StatusNotFound
	}
	if !call.incoming || call.serverTx == nil {
		e.mu.Unlock()
		return StatusWrongState
	}
	if call.state == CallStateDisconnected || call.state == CallStateConfirmed {
		e.mu.Unlock()
		return StatusWrongState
	}

	var body []byte
	if sipCode >= 200 && sipCode < 300 {
		body = e.buildSDP()
	}

	res := sip.NewResponseFromRequest(call.invite.request, sipCode, ReasonPhrase(sipCode), body)
	if to := res.To(); to != nil && to.Params["tag"] == "" {
		to.Params["tag"] = call.localTag
	}
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	tx := call.serverTx
	e.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		e.logger.Error("не удалось отправить ответ",
			slog.Int("code", sipCode), slog.Any("error", err))
		return StatusServiceDown
	}

	switch {
	case sipCode < 200:
		// provisional - состояние не меняется
	case sipCode < 300:
		// Подтверждение дойдет через ACK
		e.transitionCall(id, CallStateConnecting, sipCode, nil)
	default:
		e.transitionCall(id, CallStateDisconnected, sipCode, nil)
	}
	return StatusOK
}

// Hangup завершает вызов. Путь зависит от фазы: BYE для подтвержденного
// диалога, terminate транзакции для раннего исходящего, финальный ответ
// для неотвеченного входящего.
func (e *Sipgo) Hangup(id CallID, sipCode int) Status {
	e.mu.Lock()
	call, ok := e.calls[id]
	if !ok {
		e.mu.Unlock()
		return StatusNotFound
	}
	if call.state == CallStateDisconnected {
		e.mu.Unlock()
		return StatusOK
	}
	state := call.state
	incoming := call.incoming
	e.mu.Unlock()

	switch {
	case state == CallStateConfirmed:
		if st := e.sendBye(call); !st.OK() {
			return st
		}
		code := sipCode
		if code == 0 {
			code = 200
		}
		e.transitionCall(id, CallStateDisconnected, code, nil)

	case incoming:
		code := sipCode
		if code == 0 {
			code = int(sip.StatusBusyHere)
		}
		return e.Answer(id, code)

	default:
		// Ранний исходящий вызов - гасим транзакцию локально
		e.mu.Lock()
		tx := call.clientTx
		e.mu.Unlock()
		if tx != nil {
			tx.Terminate()
		}
		e.transitionCall(id, CallStateDisconnected, 487, nil)
	}
	return StatusOK
}

// sendBye строит и отправляет BYE внутри подтвержденного диалога.
func (e *Sipgo) sendBye(call *sipgoCall) Status {
	e.mu.Lock()

	recipient := call.invite.request.Recipient
	from := call.invite.request.From()
	var to *sip.ToHeader
	if call.incoming {
		// Для входящего вызова наша сторона - To исходного INVITE
		from = &sip.FromHeader{
			Address: call.invite.request.To().Address,
			Params:  sip.HeaderParams{"tag": call.localTag},
		}
		to = &sip.ToHeader{
			Address: call.invite.request.From().Address,
			Params:  call.invite.request.From().Params,
		}
		recipient = call.invite.request.From().Address
	} else if call.invite.response != nil {
		to = call.invite.response.To()
	} else {
		to = call.invite.request.To()
	}

	call.cseq++
	bye := sip.NewRequest(sip.BYE, recipient)
	bye.AppendHeader(sip.NewHeader("Call-ID", call.sipCallID))
	bye.AppendHeader(&sip.FromHeader{Address: from.Address, Params: from.Params})
	bye.AppendHeader(&sip.ToHeader{Address: to.Address, Params: to.Params})
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: call.cseq, MethodName: sip.BYE})
	bye.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	client := e.client
	ctx := e.ctx
	e.mu.Unlock()

	if _, err := client.Do(ctx, bye); err != nil {
		e.logger.Error("не удалось отправить BYE", slog.Any("error", err))
		return StatusServiceDown
	}
	return StatusOK
}

// HangupAll завершает все незавершенные вызовы.
func (e *Sipgo) HangupAll() {
	e.mu.Lock()
	ids := make([]CallID, 0, len(e.calls))
	for id, call := range e.calls {
		if call.state != CallStateDisconnected {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Hangup(id, 0)
	}
}

// CallInfo возвращает снимок состояния вызова.
func (e *Sipgo) CallInfo(id CallID) (CallInfo, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	call, ok := e.calls[id]
	if !ok {
		return CallInfo{}, StatusNotFound
	}
	return CallInfo{
		State:          call.state,
		LastStatusCode: call.lastCode,
		RemoteAddress:  call.remote,
		Media:          call.media,
		ConfSlot:       call.confSlot,
	}, StatusOK
}

// AccountInfo возвращает снимок состояния аккаунта.
func (e *Sipgo) AccountInfo(id AccountID) (AccountInfo, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc, ok := e.accounts[id]
	if !ok {
		return AccountInfo{}, StatusNotFound
	}
	return AccountInfo{RegistrationStatusCode: acc.regCode}, StatusOK
}

// ConnectAudio коммутирует слоты конференц-моста. Медиа план этим
// движком не поднимается, коммутация только фиксируется в логе.
func (e *Sipgo) ConnectAudio(slotA, slotB int) Status {
	e.logger.Debug("коммутация аудио слотов",
		slog.Int("slot_a", slotA), slog.Int("slot_b", slotB))
	return StatusOK
}

// RegisterThread регистрирует поток выполнения. Для Go реализации
// это no-op, сохраненный ради паритета с нативными движками.
func (e *Sipgo) RegisterThread(name string) Status {
	e.logger.Debug("поток зарегистрирован", slog.String("name", name))
	return StatusOK
}

// transitionCall применяет переход состояния вызова и доставляет события.
func (e *Sipgo) transitionCall(id CallID, state CallState, code int, media *MediaStatus) {
	e.mu.Lock()
	call, ok := e.calls[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	call.state = state
	if code != 0 {
		call.lastCode = code
	}
	mediaChanged := false
	if state == CallStateConfirmed && call.media != MediaActive {
		call.media = MediaActive
		mediaChanged = true
	}
	if state == CallStateDisconnected && call.media == MediaActive {
		call.media = MediaNone
		mediaChanged = true
	}
	if media != nil {
		call.media = *media
		mediaChanged = true
	}
	onState := e.cfg.Callbacks.OnCallState
	onMedia := e.cfg.Callbacks.OnCallMediaState
	e.mu.Unlock()

	if onState != nil {
		onState(id)
	}
	if mediaChanged && onMedia != nil {
		onMedia(id)
	}
}

// setupHandlers регистрирует обработчики входящих SIP запросов.
func (e *Sipgo) setupHandlers() {
	e.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		e.handleInvite(req, tx)
	})
	e.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		e.handleAck(req)
	})
	e.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		e.handleBye(req, tx)
	})
	e.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		e.handleCancel(req, tx)
	})
}

// handleInvite создает входящий вызов и уведомляет приложение.
func (e *Sipgo) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()

	sipCallID := req.CallID().Value()
	if _, exists := e.callsBySIP[sipCallID]; exists {
		// re-INVITE не поддерживается этим движком
		e.mu.Unlock()
		res := sip.NewResponseFromRequest(req, 488, ReasonPhrase(488), nil)
		_ = tx.Respond(res)
		return
	}

	// Аккаунт вызова: первый добавленный, если он есть
	accID := NoAccount
	for id := range e.accounts {
		if accID == NoAccount || id < accID {
			accID = id
		}
	}

	e.nextCall++
	call := &sipgoCall{
		id:        e.nextCall,
		acc:       accID,
		incoming:  true,
		state:     CallStateIncoming,
		remote:    req.From().Address.String(),
		sipCallID: sipCallID,
		localTag:  generateTag(),
		cseq:      1,
		confSlot:  int(e.nextCall),
		invite:    &sipRequestPair{request: req},
		serverTx:  tx,
	}
	e.calls[call.id] = call
	e.callsBySIP[sipCallID] = call.id
	cb := e.cfg.Callbacks.OnIncomingCall
	e.mu.Unlock()

	if cb != nil {
		cb(accID, call.id)
	}
}

// handleAck подтверждает установление входящего вызова.
func (e *Sipgo) handleAck(req *sip.Request) {
	e.mu.Lock()
	id, ok := e.callsBySIP[req.CallID().Value()]
	call := e.calls[id]
	e.mu.Unlock()

	if !ok || call == nil || !call.incoming || call.state != CallStateConnecting {
		return
	}
	e.transitionCall(id, CallStateConfirmed, 200, nil)
}

// handleBye завершает вызов по инициативе удаленной стороны.
func (e *Sipgo) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("не удалось ответить на BYE", slog.Any("error", err))
	}

	e.mu.Lock()
	id, ok := e.callsBySIP[req.CallID().Value()]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.transitionCall(id, CallStateDisconnected, 200, nil)
}

// handleCancel отменяет неотвеченный входящий вызов.
func (e *Sipgo) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("не удалось ответить на CANCEL", slog.Any("error", err))
	}

	e.mu.Lock()
	id, ok := e.callsBySIP[req.CallID().Value()]
	call := e.calls[id]
	var stx sip.ServerTransaction
	var invite *sip.Request
	if ok && call != nil && call.incoming && call.state != CallStateDisconnected {
		stx = call.serverTx
		invite = call.invite.request
	}
	e.mu.Unlock()

	if stx == nil {
		return
	}
	terminated := sip.NewResponseFromRequest(invite, 487, ReasonPhrase(487), nil)
	if err := stx.Respond(terminated); err != nil {
		e.logger.Error("не удалось отклонить INVITE после CANCEL", slog.Any("error", err))
	}
	e.transitionCall(id, CallStateDisconnected, 487, nil)
}
