package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/softphone/pkg/engine"
)

// pendingRegistration ожидание асинхронного подтверждения регистратора.
type pendingRegistration struct {
	ch chan *SessionError
}

// Coordinator координатор телефонной сессии.
//
// Экземпляр создается явно через New и живет от старта приложения до
// Close. Все операции, трогающие движок, проходят через executor
// (FIFO, один поток); общее состояние мутируется только под c.mu -
// как операциями исполнителя, так и обработчиками событий движка.
type Coordinator struct {
	cfg     Config
	eng     engine.Engine
	exec    *executor
	sm      *stateMachines
	notify  *notifier
	metrics *metricsCollector
	logger  *slog.Logger

	mu            sync.Mutex
	accountID     engine.AccountID
	transportID   engine.TransportID
	transportPort int
	account       *Account
	localMode     bool
	handle        CallHandle
	remoteParty   string
	lastErr       *SessionError
	regPending    *pendingRegistration

	eventBindOnce sync.Once
	closeOnce     sync.Once
}

// Snapshot консистентный срез наблюдаемого состояния.
type Snapshot struct {
	Library      LibraryState
	Registration RegistrationState
	Call         CallState
	RemoteParty  string
	Account      *Account
	Handle       CallHandle
	LastError    *SessionError
}

// New создает координатор поверх движка. Движок должен быть еще не
// созданным: последовательность запуска выполняет StartLibrary.
func New(eng engine.Engine, cfg Config) (*Coordinator, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine не может быть nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация: %w", err)
	}

	metrics := newMetricsCollector(cfg.Registerer)
	c := &Coordinator{
		cfg:         cfg,
		eng:         eng,
		sm:          newStateMachines(cfg.Logger, metrics),
		notify:      newNotifier(cfg.EventQueueSize, cfg.Logger),
		metrics:     metrics,
		logger:      cfg.Logger,
		accountID:   engine.NoAccount,
		transportID: engine.NoTransport,
	}
	c.exec = newExecutor(eng, cfg.Logger)
	return c, nil
}

// Close останавливает координатор: завершает вызовы, снимает аккаунт,
// уничтожает движок и останавливает исполнителя с доставкой событий.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exec.submit(ctx, c.shutdown); err != nil {
			c.logger.Warn("остановка при закрытии не завершилась чисто", slog.Any("error", err))
		}
		c.exec.close()
		c.notify.close()
	})
}

// Subscribe подписывает наблюдателя на события координатора.
func (c *Coordinator) Subscribe(obs Observers) int {
	return c.notify.subscribe(obs)
}

// Unsubscribe снимает подписку.
func (c *Coordinator) Unsubscribe(id int) {
	c.notify.unsubscribe(id)
}

// --- Наблюдаемое состояние ---

// State возвращает консистентный снимок состояния. Чтения не
// участвуют в гонке с живой мутацией.
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var acc *Account
	if c.account != nil {
		copied := *c.account
		acc = &copied
	}
	return Snapshot{
		Library:      c.sm.libState(),
		Registration: c.sm.regState(),
		Call:         c.sm.callState(),
		RemoteParty:  c.remoteParty,
		Account:      acc,
		Handle:       c.handle,
		LastError:    c.lastErr,
	}
}

// LibraryState текущее состояние жизненного цикла движка.
func (c *Coordinator) LibraryState() LibraryState { return c.State().Library }

// RegistrationState текущее состояние регистрации.
func (c *Coordinator) RegistrationState() RegistrationState { return c.State().Registration }

// CallState текущее состояние вызова.
func (c *Coordinator) CallState() CallState { return c.State().Call }

// RemoteParty адрес удаленной стороны текущего/последнего вызова.
func (c *Coordinator) RemoteParty() string { return c.State().RemoteParty }

// LastError последняя зафиксированная ошибка.
func (c *Coordinator) LastError() *SessionError { return c.State().LastError }

// --- Операции жизненного цикла ---

// StartLibrary выполняет последовательность запуска движка:
// create -> configure -> transport -> start. Любой неудачный шаг
// откатывает частично созданный движок полностью.
func (c *Coordinator) StartLibrary(ctx context.Context, port int, kind engine.TransportKind) error {
	return c.exec.submit(ctx, func() error { return c.startLibrary(port, kind) })
}

func (c *Coordinator) startLibrary(port int, kind engine.TransportKind) error {
	c.mu.Lock()
	if st := c.sm.libState(); st != LibraryUninitialized {
		c.mu.Unlock()
		if st == LibraryRunning {
			return nil
		}
		return errOperationInProgress("start_library")
	}
	if err := c.sm.libFire(evLibStart); err != nil {
		c.mu.Unlock()
		return errOperationInProgress("start_library")
	}
	c.mu.Unlock()

	fail := func(op engineOp, st engine.Status) error {
		// Полный откат частично созданного движка
		c.eng.Destroy()
		err := classifyStatus(op, st)
		c.mu.Lock()
		_ = c.sm.libFire(evLibStartFailed)
		c.transportID = engine.NoTransport
		c.setLastErrorLocked(err)
		c.mu.Unlock()
		c.logger.Error("запуск движка не удался",
			slog.String("op", string(op)), slog.Int("status", int(st)))
		return err
	}

	if st := c.eng.Create(); !st.OK() {
		return fail(opCreateLibrary, st)
	}

	cfg := engine.Config{
		UserAgent: c.cfg.UserAgent,
		MaxCalls:  c.cfg.MaxCalls,
		Callbacks: engine.Callbacks{
			OnCallState:         c.onCallStateEvent,
			OnIncomingCall:      c.onIncomingCallEvent,
			OnRegistrationState: c.onRegistrationStateEvent,
			OnCallMediaState:    c.onCallMediaStateEvent,
		},
	}
	if st := c.eng.Configure(cfg); !st.OK() {
		return fail(opCreateLibrary, st)
	}

	tid, st := c.eng.CreateTransport(kind, port)
	if !st.OK() {
		return fail(opCreateTransport, st)
	}

	if st := c.eng.Start(); !st.OK() {
		return fail(opCreateLibrary, st)
	}

	c.mu.Lock()
	c.transportID = tid
	c.transportPort = port
	_ = c.sm.libFire(evLibStartOK)
	c.mu.Unlock()

	c.metrics.libraryStarted()
	c.logger.Info("движок запущен", slog.Int("port", port), slog.String("transport", string(kind)))
	return nil
}

// Shutdown останавливает движок: завершает все вызовы, снимает
// аккаунт, уничтожает движок. Идемпотентен.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.exec.submit(ctx, c.shutdown)
}

func (c *Coordinator) shutdown() error {
	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		c.mu.Unlock()
		return nil
	}
	_ = c.sm.libFire(evLibShutdown)
	accID := c.accountID
	// Ожидающий регистрации вызов снимается: работа, уже принятая
	// движком, не отменяется, отменяется только ожидание
	c.resolveRegPendingLocked(newError(KindAccountAddFailed, 487, "регистрация отменена остановкой"))
	c.mu.Unlock()

	c.eng.HangupAll()
	if accID != engine.NoAccount {
		if st := c.eng.RemoveAccount(accID); !st.OK() {
			c.logger.Warn("снятие аккаунта при остановке не удалось", slog.Int("status", int(st)))
		}
	}
	c.eng.Destroy()

	c.mu.Lock()
	c.accountID = engine.NoAccount
	c.account = nil
	c.localMode = false
	c.transportID = engine.NoTransport
	var ended bool
	if c.handle.Valid() {
		c.endCallLocked()
		ended = true
	}
	_ = c.sm.regFire(evRegUnregister)
	_ = c.sm.libFire(evLibShutdownDone)
	c.mu.Unlock()

	if ended {
		c.notify.publishCall(CallEvent{Kind: CallEndedEvent, State: CallEnded})
	}
	c.logger.Info("движок остановлен")
	return nil
}

// --- Регистрация ---

// Register привязывает аккаунт и регистрирует его на регистраторе
// домена. Блокирует вызвавшего до асинхронного подтверждения или
// отказа; исполнитель на время ожидания не занят.
func (c *Coordinator) Register(ctx context.Context, settings AccountSettings) error {
	if err := settings.validate(); err != nil {
		return err
	}

	var p *pendingRegistration
	if err := c.exec.submit(ctx, func() error {
		var opErr error
		p, opErr = c.beginRegistration(settings)
		return opErr
	}); err != nil {
		return err
	}

	select {
	case regErr := <-p.ch:
		if regErr != nil {
			return regErr
		}
		return nil
	case <-ctx.Done():
		c.abandonRegistration(p)
		return ctx.Err()
	}
}

func (c *Coordinator) beginRegistration(settings AccountSettings) (*pendingRegistration, error) {
	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		c.mu.Unlock()
		return nil, errNotRunning("register")
	}
	if c.transportID == engine.NoTransport {
		c.mu.Unlock()
		return nil, errNoTransport()
	}
	if c.regPending != nil {
		c.mu.Unlock()
		return nil, errOperationInProgress("register")
	}
	oldAcc := c.accountID
	_ = c.sm.regFire(evRegRegister)
	c.mu.Unlock()

	c.metrics.registrationAttempt()
	c.notify.publishRegistration(RegistrationEvent{Kind: RegistrationStateChanged, State: Registering})

	// Перерегистрация: старый аккаунт снимается до добавления нового
	if oldAcc != engine.NoAccount {
		if st := c.eng.RemoveAccount(oldAcc); !st.OK() {
			c.logger.Warn("снятие старого аккаунта не удалось", slog.Int("status", int(st)))
		}
		c.mu.Lock()
		c.accountID = engine.NoAccount
		c.account = nil
		c.localMode = false
		c.mu.Unlock()
	}

	realm := settings.Realm
	if realm == "" {
		realm = "*"
	}
	id, st := c.eng.AddAccount(engine.AccountConfig{
		URI:       settings.uri(),
		Registrar: settings.registrar(),
		Proxy:     settings.Proxy,
		Realm:     realm,
		Scheme:    "digest",
		Username:  settings.Username,
		Secret:    settings.Secret,
		Register:  true,
	})
	if !st.OK() {
		err := classifyStatus(opAddAccount, st)
		c.mu.Lock()
		_ = c.sm.regFire(evRegFail)
		c.setLastErrorLocked(err)
		c.mu.Unlock()
		c.notify.publishRegistration(RegistrationEvent{
			Kind:  RegistrationFailure,
			State: RegistrationFailed,
			Err:   err,
		})
		return nil, err
	}

	p := &pendingRegistration{ch: make(chan *SessionError, 1)}
	c.mu.Lock()
	c.accountID = id
	c.account = &Account{
		Username: settings.Username,
		Domain:   settings.Domain,
		Proxy:    settings.Proxy,
		Realm:    realm,
		URI:      settings.uri(),
	}
	c.localMode = false
	c.regPending = p
	c.mu.Unlock()

	// Исход, доставленный движком до фиксации accountID, был отброшен
	// как устаревший - догоняем текущее состояние аккаунта
	c.applyRegistrationState(id)
	return p, nil
}

// abandonRegistration снимает ожидание после отмены контекста
// вызвавшей стороны. Работа, принятая движком, продолжается; поздний
// исход применится к машине регистрации, но будить уже некого.
func (c *Coordinator) abandonRegistration(p *pendingRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regPending == p {
		c.regPending = nil
	}
}

// resolveRegPendingLocked будит ожидающего регистрации. Вызывается под c.mu.
func (c *Coordinator) resolveRegPendingLocked(err *SessionError) {
	if c.regPending == nil {
		return
	}
	c.regPending.ch <- err
	c.regPending = nil
}

// Unregister снимает привязанный аккаунт. Безусловен и идемпотентен:
// повторный вызов оставляет состояние Unregistered без ошибки.
func (c *Coordinator) Unregister(ctx context.Context) error {
	return c.exec.submit(ctx, c.unregister)
}

func (c *Coordinator) unregister() error {
	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		_ = c.sm.regFire(evRegUnregister)
		c.mu.Unlock()
		return nil
	}
	accID := c.accountID
	c.accountID = engine.NoAccount
	c.account = nil
	c.localMode = false
	c.resolveRegPendingLocked(newError(KindAccountAddFailed, 487, "регистрация отменена"))
	wasUnregistered := c.sm.regState() == RegistrationNone
	_ = c.sm.regFire(evRegUnregister)
	c.mu.Unlock()

	if accID != engine.NoAccount {
		if st := c.eng.RemoveAccount(accID); !st.OK() {
			c.logger.Warn("снятие аккаунта не удалось", slog.Int("status", int(st)))
		}
	}
	if !wasUnregistered {
		c.notify.publishRegistration(RegistrationEvent{Kind: RegistrationStateChanged, State: RegistrationNone})
	}
	return nil
}

// --- Вызовы ---

// Dial начинает исходящий вызов. Возвращается после локального
// принятия вызова движком; дальнейшее продвижение (ringing,
// connected) доставляется событиями наблюдателям.
//
// Без зарегистрированного аккаунта работает peer-to-peer режим:
// лениво добавляется локальный аккаунт без регистратора.
func (c *Coordinator) Dial(ctx context.Context, uri string) error {
	return c.exec.submit(ctx, func() error { return c.dial(uri) })
}

func (c *Coordinator) dial(uri string) error {
	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		c.mu.Unlock()
		return errNotRunning("dial")
	}
	if c.transportID == engine.NoTransport {
		c.mu.Unlock()
		return errNoTransport()
	}
	if c.sm.callState() != CallIdle {
		c.mu.Unlock()
		return errOperationInProgress("dial")
	}
	accID := c.accountID
	port := c.transportPort
	c.mu.Unlock()

	if accID == engine.NoAccount {
		localURI := fmt.Sprintf("sip:%s@%s:%d", c.cfg.LocalUser, c.cfg.LocalHost, port)
		id, st := c.eng.AddAccount(engine.AccountConfig{URI: localURI})
		if !st.OK() {
			err := newError(KindNoAccountRegistered, int(st),
				"не удалось добавить локальный аккаунт для peer-to-peer вызова")
			c.mu.Lock()
			c.setLastErrorLocked(err)
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.accountID = id
		c.localMode = true
		c.account = &Account{Username: c.cfg.LocalUser, URI: localURI}
		c.mu.Unlock()
		accID = id
	}

	callID, st := c.eng.PlaceCall(accID, uri, engine.CallOptions{})
	if !st.OK() {
		err := classifyStatus(opPlaceCall, st)
		c.mu.Lock()
		c.setLastErrorLocked(err)
		c.mu.Unlock()
		c.notify.publishCall(CallEvent{Kind: CallFailure, State: CallIdle, Err: err})
		return err
	}

	c.mu.Lock()
	// Пока шел вызов движка, мог прийти входящий - уступаем ему
	if c.sm.callState() != CallIdle {
		c.mu.Unlock()
		if st := c.eng.Hangup(callID, 0); !st.OK() {
			c.logger.Warn("не удалось погасить проигравший вызов", slog.Int("status", int(st)))
		}
		return errOperationInProgress("dial")
	}
	h := newCallHandle(callID)
	c.handle = h
	c.remoteParty = uri
	_ = c.sm.callFire(evCallDial)
	c.mu.Unlock()

	c.metrics.callStarted("outgoing")
	c.notify.publishCall(CallEvent{Kind: CallStateChanged, State: CallDialing, RemoteAddress: uri, Handle: h})

	// Событие, пришедшее между PlaceCall и фиксацией handle, было
	// отброшено как устаревшее - догоняем текущее состояние движка
	c.applyCallState(callID, false)
	return nil
}

// Answer принимает входящий вызов (200 OK).
func (c *Coordinator) Answer(ctx context.Context) error {
	return c.exec.submit(ctx, c.answer)
}

func (c *Coordinator) answer() error {
	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		c.mu.Unlock()
		return errNotRunning("answer")
	}
	if c.sm.callState() != CallIncomingRinging {
		c.mu.Unlock()
		return errInvalidHandle()
	}
	h := c.handle
	c.mu.Unlock()

	if st := c.eng.Answer(h.EngineID(), 200); !st.OK() {
		err := classifyStatus(opAnswer, st)
		c.mu.Lock()
		c.setLastErrorLocked(err)
		c.mu.Unlock()
		c.notify.publishCall(CallEvent{Kind: CallFailure, State: CallIncomingRinging, Handle: h, Err: err})
		return err
	}

	c.mu.Lock()
	var changed bool
	if c.handle.matches(h.EngineID()) && c.sm.callState() == CallIncomingRinging {
		_ = c.sm.callFire(evCallAccept)
		changed = true
	}
	remote := c.remoteParty
	c.mu.Unlock()

	if changed {
		c.notify.publishCall(CallEvent{Kind: CallStateChanged, State: CallConnecting, RemoteAddress: remote, Handle: h})
	}
	return nil
}

// Reject отклоняет входящий вызов (486 Busy Here).
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.exec.submit(ctx, func() error { return c.terminate(true) })
}

// Hangup завершает текущий вызов. Для неотвеченного входящего
// эквивалентен Reject. Состояние сбрасывается сразу; поздние события
// движка по старому handle отбрасываются.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.exec.submit(ctx, func() error { return c.terminate(false) })
}

func (c *Coordinator) terminate(rejectOnly bool) error {
	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		c.mu.Unlock()
		return errNotRunning("hangup")
	}
	if !c.handle.Valid() {
		c.mu.Unlock()
		return errInvalidHandle()
	}
	state := c.sm.callState()
	if rejectOnly && state != CallIncomingRinging {
		c.mu.Unlock()
		return errInvalidHandle()
	}
	h := c.handle
	c.mu.Unlock()

	var st engine.Status
	if state == CallIncomingRinging {
		st = c.eng.Answer(h.EngineID(), 486)
	} else {
		st = c.eng.Hangup(h.EngineID(), 0)
	}
	if !st.OK() {
		op := opHangup
		if state == CallIncomingRinging {
			op = opAnswer
		}
		err := classifyStatus(op, st)
		c.mu.Lock()
		c.setLastErrorLocked(err)
		c.mu.Unlock()
		c.notify.publishCall(CallEvent{Kind: CallFailure, State: state, Handle: h, Err: err})
		return err
	}

	c.mu.Lock()
	var ended bool
	if c.handle.matches(h.EngineID()) {
		c.endCallLocked()
		ended = true
	}
	c.mu.Unlock()

	if ended {
		c.notify.publishCall(CallEvent{Kind: CallEndedEvent, State: CallEnded, Handle: h})
	}
	return nil
}

// HangupAll завершает все вызовы движка и сбрасывает текущий.
func (c *Coordinator) HangupAll(ctx context.Context) error {
	return c.exec.submit(ctx, func() error {
		c.mu.Lock()
		if c.sm.libState() != LibraryRunning {
			c.mu.Unlock()
			return errNotRunning("hangup_all")
		}
		c.mu.Unlock()

		c.eng.HangupAll()

		c.mu.Lock()
		h := c.handle
		var ended bool
		if h.Valid() {
			c.endCallLocked()
			ended = true
		}
		c.mu.Unlock()

		if ended {
			c.notify.publishCall(CallEvent{Kind: CallEndedEvent, State: CallEnded, Handle: h})
		}
		return nil
	})
}

// endCallLocked завершает текущую попытку вызова и сбрасывает машину
// в Idle. Handle очищается и никогда не переиспользуется. Вызывается
// под c.mu.
func (c *Coordinator) endCallLocked() {
	_ = c.sm.callFire(evCallEnd)
	_ = c.sm.callFire(evCallReset)
	c.handle = CallHandle{}
	c.remoteParty = ""
	c.metrics.callEnded()
}

// setLastErrorLocked фиксирует ошибку для наблюдаемого состояния.
// Вызывается под c.mu.
func (c *Coordinator) setLastErrorLocked(err *SessionError) {
	c.lastErr = err
	c.metrics.errorOccurred(err.Kind)
}
