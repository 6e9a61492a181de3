package session

import (
	"log/slog"

	"github.com/arzzra/softphone/pkg/engine"
)

// Мост событий движка.
//
// Обратные вызовы приходят на потоках движка. Каждый обработчик
// первым делом регистрирует свой поток (однократно), затем
// перечитывает актуальную информацию у движка - полезная нагрузка
// события к моменту обработки может устареть - и применяет переход
// под c.mu. События по чужому или уже сброшенному handle
// отбрасываются с логом.

// bindEventThread регистрирует поток доставки событий в движке.
// Неудача не фатальна: события продолжают обрабатываться, факт
// фиксируется в логе.
func (c *Coordinator) bindEventThread() {
	c.eventBindOnce.Do(func() {
		if st := c.eng.RegisterThread("engine-events"); !st.OK() {
			c.logger.Warn("регистрация потока событий не удалась",
				slog.Int("status", int(st)))
		}
	})
}

func (c *Coordinator) onCallStateEvent(id engine.CallID) {
	c.bindEventThread()
	c.applyCallState(id, true)
}

// applyCallState перечитывает состояние вызова у движка и применяет
// его к машине. restate управляет повторной публикацией dialing для
// событий, не меняющих состояние. Вызывается и мостом, и операцией
// dial - она обязана догнать события, пришедшие до фиксации handle.
func (c *Coordinator) applyCallState(id engine.CallID, restate bool) {
	info, st := c.eng.CallInfo(id)

	c.mu.Lock()
	if !c.handle.matches(id) {
		c.mu.Unlock()
		c.logger.Debug("событие по устаревшему вызову отброшено", slog.Int("call", int(id)))
		return
	}
	if !st.OK() {
		c.mu.Unlock()
		c.logger.Warn("не удалось перечитать состояние вызова",
			slog.Int("call", int(id)), slog.Int("status", int(st)))
		return
	}

	h := c.handle
	if info.RemoteAddress != "" {
		c.remoteParty = info.RemoteAddress
	}
	remote := c.remoteParty

	var events []CallEvent
	switch info.State {
	case engine.CallStateCalling:
		// Движок повторно заявляет исходящую фазу - состояние не
		// меняется, но наблюдатели слышат его заново
		if restate && c.sm.callState() == CallDialing {
			events = append(events, CallEvent{
				Kind: CallStateChanged, State: CallDialing,
				RemoteAddress: remote, Handle: h,
			})
		}

	case engine.CallStateEarly:
		if c.sm.callState() == CallDialing {
			_ = c.sm.callFire(evCallEarly)
			events = append(events, CallEvent{
				Kind: CallStateChanged, State: CallRinging,
				RemoteAddress: remote, Handle: h,
			})
		}

	case engine.CallStateConfirmed:
		switch c.sm.callState() {
		case CallDialing, CallRinging, CallConnecting:
			_ = c.sm.callFire(evCallConfirm)
			events = append(events, CallEvent{
				Kind: CallConnectedEvent, State: CallConnected,
				RemoteAddress: remote, Handle: h,
			})
		}

	case engine.CallStateDisconnected:
		wasConnected := c.sm.callState() == CallConnected
		code := info.LastStatusCode
		c.endCallLocked()
		// Неудачная попытка: вызов так и не был установлен
		if !wasConnected && code >= 300 {
			err := newError(KindCallFailed, code, "вызов завершился отказом")
			c.setLastErrorLocked(err)
			events = append(events, CallEvent{
				Kind: CallFailure, State: CallEnded,
				RemoteAddress: remote, Handle: h, Err: err,
			})
		}
		events = append(events, CallEvent{
			Kind: CallEndedEvent, State: CallEnded,
			RemoteAddress: remote, Handle: h,
		})
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.notify.publishCall(ev)
	}
}

func (c *Coordinator) onIncomingCallEvent(acc engine.AccountID, id engine.CallID) {
	c.bindEventThread()

	info, st := c.eng.CallInfo(id)

	c.mu.Lock()
	if c.sm.libState() != LibraryRunning {
		c.mu.Unlock()
		return
	}
	if c.handle.Valid() {
		// Уже есть вызов - немедленно отвечаем занято
		c.mu.Unlock()
		if rst := c.eng.Answer(id, 486); !rst.OK() {
			c.logger.Warn("не удалось отклонить второй входящий",
				slog.Int("call", int(id)), slog.Int("status", int(rst)))
		}
		return
	}

	var remote string
	if st.OK() {
		remote = info.RemoteAddress
	}
	h := newCallHandle(id)
	c.handle = h
	c.remoteParty = remote
	_ = c.sm.callFire(evCallIncoming)
	c.mu.Unlock()

	c.metrics.callStarted("incoming")
	c.logger.Info("входящий вызов",
		slog.Int("account", int(acc)), slog.String("remote", remote))

	// Предварительный ответ: удаленная сторона слышит гудки
	if rst := c.eng.Answer(id, 180); !rst.OK() {
		c.logger.Warn("не удалось отправить 180 Ringing",
			slog.Int("call", int(id)), slog.Int("status", int(rst)))
	}

	c.notify.publishCall(CallEvent{
		Kind: CallIncoming, State: CallIncomingRinging,
		RemoteAddress: remote, Handle: h,
	})
}

func (c *Coordinator) onRegistrationStateEvent(acc engine.AccountID) {
	c.bindEventThread()
	c.applyRegistrationState(acc)
}

// applyRegistrationState перечитывает состояние аккаунта и применяет
// его к машине регистрации. Вызывается мостом и операцией register -
// ранний исход, пришедший до фиксации accountID, иначе потерялся бы.
func (c *Coordinator) applyRegistrationState(acc engine.AccountID) {
	info, st := c.eng.AccountInfo(acc)

	c.mu.Lock()
	if c.accountID != acc {
		c.mu.Unlock()
		c.logger.Debug("регистрационное событие по устаревшему аккаунту отброшено",
			slog.Int("account", int(acc)))
		return
	}
	if !st.OK() {
		c.mu.Unlock()
		c.logger.Debug("состояние аккаунта недоступно",
			slog.Int("account", int(acc)), slog.Int("status", int(st)))
		return
	}

	code := info.RegistrationStatusCode
	state := c.sm.regState()

	var regEv *RegistrationEvent
	switch {
	case code < 200:
		// Промежуточный прогресс, переходов не порождает

	case code < 300:
		if state == Registering {
			_ = c.sm.regFire(evRegConfirm)
			c.resolveRegPendingLocked(nil)
			regEv = &RegistrationEvent{Kind: RegistrationSucceeded, State: Registered}
		}
		// Успешный refresh в Registered - без переходов

	case state == Registering:
		err := newError(KindAccountAddFailed, code, "регистратор отказал в регистрации")
		_ = c.sm.regFire(evRegFail)
		c.setLastErrorLocked(err)
		c.resolveRegPendingLocked(err)
		regEv = &RegistrationEvent{Kind: RegistrationFailure, State: RegistrationFailed, Err: err}

	case state == Registered:
		err := errRegistrationLost(code)
		_ = c.sm.regFire(evRegFail)
		c.setLastErrorLocked(err)
		regEv = &RegistrationEvent{Kind: RegistrationFailure, State: RegistrationFailed, Err: err}

	default:
		c.logger.Debug("регистрационное событие вне активной регистрации",
			slog.Int("code", code), slog.String("state", state.String()))
	}
	c.mu.Unlock()

	if regEv != nil {
		c.notify.publishRegistration(*regEv)
	}
}

func (c *Coordinator) onCallMediaStateEvent(id engine.CallID) {
	c.bindEventThread()

	info, st := c.eng.CallInfo(id)

	c.mu.Lock()
	relevant := c.handle.matches(id)
	c.mu.Unlock()
	if !relevant || !st.OK() {
		return
	}

	if info.Media != engine.MediaActive {
		return
	}

	// Двунаправленное подключение аудио к нулевому слоту (устройство)
	if cst := c.eng.ConnectAudio(info.ConfSlot, 0); !cst.OK() {
		c.logger.Warn("не удалось подключить аудио вызов->устройство",
			slog.Int("slot", info.ConfSlot), slog.Int("status", int(cst)))
	}
	if cst := c.eng.ConnectAudio(0, info.ConfSlot); !cst.OK() {
		c.logger.Warn("не удалось подключить аудио устройство->вызов",
			slog.Int("slot", info.ConfSlot), slog.Int("status", int(cst)))
	}
}
