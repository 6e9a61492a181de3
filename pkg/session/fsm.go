package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
)

// События машины жизненного цикла библиотеки.
const (
	evLibStart        = "start"
	evLibStartOK      = "start_ok"
	evLibStartFailed  = "start_failed"
	evLibShutdown     = "shutdown"
	evLibShutdownDone = "shutdown_done"
)

// События машины регистрации.
const (
	evRegRegister   = "register"
	evRegConfirm    = "reg_confirm"
	evRegFail       = "reg_fail"
	evRegUnregister = "unregister"
)

// События машины вызова.
const (
	evCallDial     = "dial"
	evCallEarly    = "early"
	evCallIncoming = "incoming"
	evCallAccept   = "accept"
	evCallConfirm  = "call_confirm"
	evCallEnd      = "end"
	evCallReset    = "reset"
)

// stateMachines три взаимодействующих машины состояний координатора.
//
// Машины не имеют собственной синхронизации: все переходы выполняются
// под мьютексом координатора (дисциплина единственного писателя).
type stateMachines struct {
	lib  *fsm.FSM
	reg  *fsm.FSM
	call *fsm.FSM

	logger  *slog.Logger
	metrics *metricsCollector
}

func newStateMachines(logger *slog.Logger, metrics *metricsCollector) *stateMachines {
	sm := &stateMachines{logger: logger, metrics: metrics}

	sm.lib = fsm.NewFSM(
		LibraryUninitialized.String(),
		fsm.Events{
			{Name: evLibStart, Src: []string{LibraryUninitialized.String()}, Dst: LibraryStarting.String()},
			{Name: evLibStartOK, Src: []string{LibraryStarting.String()}, Dst: LibraryRunning.String()},
			// Любой неудачный шаг запуска - полный откат
			{Name: evLibStartFailed, Src: []string{LibraryStarting.String()}, Dst: LibraryUninitialized.String()},
			{Name: evLibShutdown, Src: []string{LibraryRunning.String()}, Dst: LibraryShuttingDown.String()},
			{Name: evLibShutdownDone, Src: []string{LibraryShuttingDown.String()}, Dst: LibraryUninitialized.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { sm.observe("library", e) },
		},
	)

	sm.reg = fsm.NewFSM(
		RegistrationNone.String(),
		fsm.Events{
			// Повторная регистрация из Registered допустима: старый
			// аккаунт снимается до добавления нового
			{Name: evRegRegister, Src: []string{RegistrationNone.String(), RegistrationFailed.String(), Registered.String()}, Dst: Registering.String()},
			{Name: evRegConfirm, Src: []string{Registering.String()}, Dst: Registered.String()},
			{Name: evRegFail, Src: []string{Registering.String(), Registered.String()}, Dst: RegistrationFailed.String()},
			// unregister безусловен и идемпотентен
			{Name: evRegUnregister, Src: []string{RegistrationNone.String(), Registering.String(), Registered.String(), RegistrationFailed.String()}, Dst: RegistrationNone.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { sm.observe("registration", e) },
		},
	)

	sm.call = fsm.NewFSM(
		CallIdle.String(),
		fsm.Events{
			{Name: evCallDial, Src: []string{CallIdle.String()}, Dst: CallDialing.String()},
			{Name: evCallEarly, Src: []string{CallDialing.String()}, Dst: CallRinging.String()},
			{Name: evCallIncoming, Src: []string{CallIdle.String()}, Dst: CallIncomingRinging.String()},
			{Name: evCallAccept, Src: []string{CallIncomingRinging.String()}, Dst: CallConnecting.String()},
			{Name: evCallConfirm, Src: []string{CallDialing.String(), CallRinging.String(), CallConnecting.String()}, Dst: CallConnected.String()},
			{Name: evCallEnd, Src: []string{CallDialing.String(), CallRinging.String(), CallIncomingRinging.String(), CallConnecting.String(), CallConnected.String()}, Dst: CallEnded.String()},
			{Name: evCallReset, Src: []string{CallEnded.String()}, Dst: CallIdle.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { sm.observe("call", e) },
		},
	)

	return sm
}

// observe логирует переход и обновляет метрики.
func (sm *stateMachines) observe(machine string, e *fsm.Event) {
	sm.logger.Debug("переход состояния",
		slog.String("machine", machine),
		slog.String("event", e.Event),
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
	sm.metrics.stateTransition(machine, e.Dst)
}

// fire выполняет переход. Переход в текущее состояние (например,
// повторный unregister) не является ошибкой.
func (sm *stateMachines) fire(m *fsm.FSM, event string) error {
	err := m.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (sm *stateMachines) libFire(event string) error  { return sm.fire(sm.lib, event) }
func (sm *stateMachines) regFire(event string) error  { return sm.fire(sm.reg, event) }
func (sm *stateMachines) callFire(event string) error { return sm.fire(sm.call, event) }

func (sm *stateMachines) libState() LibraryState {
	switch sm.lib.Current() {
	case LibraryStarting.String():
		return LibraryStarting
	case LibraryRunning.String():
		return LibraryRunning
	case LibraryShuttingDown.String():
		return LibraryShuttingDown
	default:
		return LibraryUninitialized
	}
}

func (sm *stateMachines) regState() RegistrationState {
	switch sm.reg.Current() {
	case Registering.String():
		return Registering
	case Registered.String():
		return Registered
	case RegistrationFailed.String():
		return RegistrationFailed
	default:
		return RegistrationNone
	}
}

func (sm *stateMachines) callState() CallState {
	switch sm.call.Current() {
	case CallDialing.String():
		return CallDialing
	case CallRinging.String():
		return CallRinging
	case CallIncomingRinging.String():
		return CallIncomingRinging
	case CallConnecting.String():
		return CallConnecting
	case CallConnected.String():
		return CallConnected
	case CallEnded.String():
		return CallEnded
	default:
		return CallIdle
	}
}
