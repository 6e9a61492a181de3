package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/engine"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	c, err := New(eng, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, eng
}

func startRunning(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.StartLibrary(ctx, 5060, engine.TransportUDP))
	require.Equal(t, LibraryRunning, c.LibraryState())
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// До запуска движка никакая операция не должна его трогать.
func TestOperationsRejectedBeforeStart(t *testing.T) {
	c, eng := newTestCoordinator(t)
	ctx := testCtx(t)

	err := c.Dial(ctx, "sip:bob@example.com")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLibraryNotRunning))

	err = c.Register(ctx, AccountSettings{Domain: "example.com", Username: "alice"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLibraryNotRunning))

	err = c.Answer(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLibraryNotRunning))

	// unregister идемпотентен даже до запуска
	require.NoError(t, c.Unregister(ctx))

	// Движок не трогали ни разу
	assert.Empty(t, eng.log())
}

func TestStartLibrarySequence(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	// Строгий порядок последовательности запуска
	assert.Equal(t, []string{
		"create",
		"configure",
		"create_transport:UDP:5060",
		"start",
	}, eng.log())

	// Повторный запуск из Running - no-op
	require.NoError(t, c.StartLibrary(testCtx(t), 5060, engine.TransportUDP))
	assert.Equal(t, 1, eng.count("create"))
}

// Неудачный шаг запуска откатывает движок полностью.
func TestStartLibraryRollback(t *testing.T) {
	c, eng := newTestCoordinator(t)
	eng.transportStatus = engine.StatusInternalError

	err := c.StartLibrary(testCtx(t), 5060, engine.TransportUDP)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransportCreationFailed))

	assert.Equal(t, LibraryUninitialized, c.LibraryState())
	assert.Equal(t, 1, eng.count("destroy"))

	// После отката запуск можно повторить
	eng.transportStatus = engine.StatusOK
	startRunning(t, c)
}

// Попытка второго вызова при занятой линии отклоняется без обращения
// к движку.
func TestDialWhileBusy(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	require.NoError(t, c.Dial(ctx, "sip:bob@example.com"))
	require.Equal(t, CallDialing, c.CallState())

	err := c.Dial(ctx, "sip:carol@example.com")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindOperationAlreadyInProgress))
	assert.Equal(t, 1, eng.count("place_call"))
}

// Handle попытки вызова никогда не переиспользуется, даже если движок
// выдал тот же числовой идентификатор.
func TestCallHandleNeverReused(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	require.NoError(t, c.Dial(ctx, "sip:bob@example.com"))
	first := c.State().Handle
	require.True(t, first.Valid())

	require.NoError(t, c.Hangup(ctx))
	require.Equal(t, CallIdle, c.CallState())
	assert.False(t, c.State().Handle.Valid())

	// Заставляем движок переиспользовать числовой id
	eng.mu.Lock()
	eng.nextCall = 0
	eng.mu.Unlock()

	require.NoError(t, c.Dial(ctx, "sip:bob@example.com"))
	second := c.State().Handle
	require.True(t, second.Valid())
	assert.NotEqual(t, first.Token(), second.Token())
}

func TestUnregisterIdempotent(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	require.NoError(t, c.Unregister(ctx))
	require.NoError(t, c.Unregister(ctx))
	assert.Equal(t, RegistrationNone, c.RegistrationState())
	assert.Zero(t, eng.count("remove_account"))
}

// Полный жизненный цикл исходящего вызова: dialing -> ringing ->
// connected -> ended -> idle, с событиями наблюдателю.
func TestOutgoingCallLifecycle(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	connected := make(chan struct{}, 1)
	ended := make(chan struct{}, 1)
	c.Subscribe(Observers{
		OnCallConnected: func() { connected <- struct{}{} },
		OnCallEnded:     func() { ended <- struct{}{} },
	})

	require.NoError(t, c.Dial(ctx, "sip:bob@example.com"))
	require.Equal(t, CallDialing, c.CallState())
	assert.Equal(t, "sip:bob@example.com", c.RemoteParty())

	// 180 Ringing от удаленной стороны
	eng.setCallInfo(1, engine.CallInfo{
		State: engine.CallStateEarly, LastStatusCode: 180,
		RemoteAddress: "sip:bob@example.com",
	})
	eng.fireCallState(1)
	assert.Equal(t, CallRinging, c.CallState())

	// 200 OK - вызов установлен
	eng.setCallInfo(1, engine.CallInfo{
		State: engine.CallStateConfirmed, LastStatusCode: 200,
		RemoteAddress: "sip:bob@example.com",
	})
	eng.fireCallState(1)
	assert.Equal(t, CallConnected, c.CallState())
	waitSignal(t, connected, "ожидали событие connected")

	// BYE - вызов завершен, машина сразу в Idle
	eng.setCallInfo(1, engine.CallInfo{
		State: engine.CallStateDisconnected, LastStatusCode: 200,
	})
	eng.fireCallState(1)
	assert.Equal(t, CallIdle, c.CallState())
	waitSignal(t, ended, "ожидали событие ended")
}

// Отказ удаленной стороны до установления: failure и ended.
func TestOutgoingCallRejected(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	var failures atomic.Int32
	c.Subscribe(Observers{
		OnCallFailure: func(ev CallEvent) {
			require.NotNil(t, ev.Err)
			assert.Equal(t, 486, ev.Err.Code)
			failures.Add(1)
		},
	})

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@example.com"))

	eng.setCallInfo(1, engine.CallInfo{
		State: engine.CallStateDisconnected, LastStatusCode: 486,
	})
	eng.fireCallState(1)

	assert.Equal(t, CallIdle, c.CallState())
	require.Eventually(t, func() bool { return failures.Load() == 1 },
		time.Second, 10*time.Millisecond)

	lastErr := c.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, KindCallFailed, lastErr.Kind)
}

// Отказ движка принять регистрацию локально.
func TestRegisterLocalFailure(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	eng.accountStatus = 1

	var failures atomic.Int32
	c.Subscribe(Observers{
		OnRegistrationFailure: func(RegistrationEvent) { failures.Add(1) },
	})

	err := c.Register(testCtx(t), AccountSettings{
		Domain: "example.com", Username: "alice", Secret: "pass",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAccountAddFailed))

	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Code)

	assert.Equal(t, RegistrationFailed, c.RegistrationState())
	require.Eventually(t, func() bool { return failures.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

// Успешная регистрация: Register блокируется до асинхронного 200.
func TestRegisterSuccess(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	go func() {
		// Ждем, пока координатор привяжет аккаунт и начнет ждать
		for c.State().Account == nil {
			time.Sleep(time.Millisecond)
		}
		eng.setAccountInfo(1, engine.AccountInfo{RegistrationStatusCode: 200})
		eng.fireRegState(1)
	}()

	err := c.Register(testCtx(t), AccountSettings{
		Domain: "example.com", Username: "alice", Secret: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, Registered, c.RegistrationState())

	acc := c.State().Account
	require.NotNil(t, acc)
	assert.Equal(t, "sip:alice@example.com", acc.URI)
}

// Регистратор отклоняет регистрацию (403).
func TestRegisterRemoteReject(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	go func() {
		for c.State().Account == nil {
			time.Sleep(time.Millisecond)
		}
		eng.setAccountInfo(1, engine.AccountInfo{RegistrationStatusCode: 403})
		eng.fireRegState(1)
	}()

	err := c.Register(testCtx(t), AccountSettings{
		Domain: "example.com", Username: "alice", Secret: "bad",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAccountAddFailed))

	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 403, se.Code)
	assert.Equal(t, RegistrationFailed, c.RegistrationState())
}

// Потеря регистрации после успешной фиксируется отдельным видом.
func TestRegistrationLost(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	go func() {
		for c.State().Account == nil {
			time.Sleep(time.Millisecond)
		}
		eng.setAccountInfo(1, engine.AccountInfo{RegistrationStatusCode: 200})
		eng.fireRegState(1)
	}()
	require.NoError(t, c.Register(testCtx(t), AccountSettings{
		Domain: "example.com", Username: "alice", Secret: "pass",
	}))

	eng.setAccountInfo(1, engine.AccountInfo{RegistrationStatusCode: 503})
	eng.fireRegState(1)

	assert.Equal(t, RegistrationFailed, c.RegistrationState())
	lastErr := c.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, KindRegistrationLost, lastErr.Kind)
	assert.Equal(t, 503, lastErr.Code)
}

// Входящий вызов: автоматический 180 Ringing, затем Answer -> 200.
func TestIncomingCallFlow(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	var incoming atomic.Int32
	var remote atomic.Value
	c.Subscribe(Observers{
		OnIncomingCall: func(addr string) {
			remote.Store(addr)
			incoming.Add(1)
		},
	})

	eng.setCallInfo(7, engine.CallInfo{
		State: engine.CallStateIncoming, RemoteAddress: "sip:bob@example.com",
	})
	eng.fireIncoming(1, 7)

	assert.Equal(t, CallIncomingRinging, c.CallState())
	assert.Equal(t, 1, eng.count("answer:7:180"))
	require.Eventually(t, func() bool { return incoming.Load() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "sip:bob@example.com", remote.Load())

	require.NoError(t, c.Answer(ctx))
	assert.Equal(t, CallConnecting, c.CallState())
	assert.Equal(t, 1, eng.count("answer:7:200"))

	// ACK от удаленной стороны подтверждает установление
	eng.setCallInfo(7, engine.CallInfo{
		State: engine.CallStateConfirmed, LastStatusCode: 200,
		RemoteAddress: "sip:bob@example.com",
	})
	eng.fireCallState(7)
	assert.Equal(t, CallConnected, c.CallState())
}

func TestRejectIncoming(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	eng.setCallInfo(7, engine.CallInfo{
		State: engine.CallStateIncoming, RemoteAddress: "sip:bob@example.com",
	})
	eng.fireIncoming(1, 7)
	require.Equal(t, CallIncomingRinging, c.CallState())

	require.NoError(t, c.Reject(testCtx(t)))
	assert.Equal(t, CallIdle, c.CallState())
	assert.Equal(t, 1, eng.count("answer:7:486"))
}

// Второй входящий при занятой линии отклоняется движком напрямую, не
// трогая текущий вызов.
func TestIncomingWhileBusy(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@example.com"))
	h := c.State().Handle

	eng.setCallInfo(9, engine.CallInfo{
		State: engine.CallStateIncoming, RemoteAddress: "sip:carol@example.com",
	})
	eng.fireIncoming(1, 9)

	assert.Equal(t, 1, eng.count("answer:9:486"))
	assert.Equal(t, CallDialing, c.CallState())
	assert.Equal(t, h.Token(), c.State().Handle.Token())
}

// Поздние события по завершенному вызову отбрасываются.
func TestStaleCallEventDropped(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	require.NoError(t, c.Dial(ctx, "sip:bob@example.com"))
	require.NoError(t, c.Hangup(ctx))
	require.Equal(t, CallIdle, c.CallState())

	eng.setCallInfo(1, engine.CallInfo{
		State: engine.CallStateDisconnected, LastStatusCode: 487,
	})
	eng.fireCallState(1)

	assert.Equal(t, CallIdle, c.CallState())
}

// Hangup без вызова - ошибка невалидного handle.
func TestHangupWithoutCall(t *testing.T) {
	c, _ := newTestCoordinator(t)
	startRunning(t, c)

	err := c.Hangup(testCtx(t))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidCallHandle))
}

// Активное медиа коммутируется с устройством в обе стороны.
func TestMediaConnectedBothWays(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@example.com"))
	eng.setCallInfo(1, engine.CallInfo{
		State: engine.CallStateConfirmed, Media: engine.MediaActive, ConfSlot: 4,
	})
	eng.fireCallState(1)
	eng.fireMediaState(1)

	assert.Equal(t, 1, eng.count("connect_audio:4:0"))
	assert.Equal(t, 1, eng.count("connect_audio:0:4"))
}

// Shutdown гасит вызовы, снимает аккаунт и уничтожает движок.
func TestShutdown(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)
	ctx := testCtx(t)

	require.NoError(t, c.Dial(ctx, "sip:bob@example.com"))
	require.NoError(t, c.Shutdown(ctx))

	assert.Equal(t, LibraryUninitialized, c.LibraryState())
	assert.Equal(t, CallIdle, c.CallState())
	assert.Equal(t, RegistrationNone, c.RegistrationState())
	assert.Equal(t, 1, eng.count("hangup_all"))
	assert.Equal(t, 1, eng.count("destroy"))

	// Повторная остановка - no-op
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 1, eng.count("destroy"))
}

// Dial без регистрации лениво добавляет локальный peer-to-peer аккаунт.
func TestDialPeerToPeer(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@192.168.1.2:5060"))
	assert.Equal(t, 1, eng.count("add_account:sip:softphone@127.0.0.1:5060"))
	assert.Equal(t, CallDialing, c.CallState())
}

// Движок может подтвердить вызов еще внутри PlaceCall - исход по
// handle, который координатор не успел зафиксировать, не должен
// теряться, иначе вызов навсегда останется в dialing.
func TestDialCatchesEventBeforeHandleRecorded(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	eng.placeCallHook = func(id engine.CallID) {
		eng.setCallInfo(id, engine.CallInfo{
			State: engine.CallStateConfirmed, LastStatusCode: 200,
			RemoteAddress: "sip:bob@example.com",
		})
		eng.fireCallState(id)
	}

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@example.com"))
	assert.Equal(t, CallConnected, c.CallState())
}

// То же для мгновенного отказа: вызов сразу завершен, машина в Idle.
func TestDialCatchesEarlyDisconnect(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	eng.placeCallHook = func(id engine.CallID) {
		eng.setCallInfo(id, engine.CallInfo{
			State: engine.CallStateDisconnected, LastStatusCode: 486,
		})
		eng.fireCallState(id)
	}

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@example.com"))
	assert.Equal(t, CallIdle, c.CallState())

	lastErr := c.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, KindCallFailed, lastErr.Kind)
	assert.Equal(t, 486, lastErr.Code)
}

// Регистратор может ответить до фиксации accountID - Register не
// должен ждать вечно.
func TestRegisterCatchesEarlyOutcome(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	eng.addAccountHook = func(id engine.AccountID) {
		eng.setAccountInfo(id, engine.AccountInfo{RegistrationStatusCode: 200})
		eng.fireRegState(id)
	}

	require.NoError(t, c.Register(testCtx(t), AccountSettings{
		Domain: "example.com", Username: "alice", Secret: "pass",
	}))
	assert.Equal(t, Registered, c.RegistrationState())
}

// Повторное заявление движком исходящей фазы переиздается
// наблюдателям, состояние машины при этом не меняется.
func TestDialingRestated(t *testing.T) {
	c, eng := newTestCoordinator(t)
	startRunning(t, c)

	var dialing atomic.Int32
	c.Subscribe(Observers{
		OnCallState: func(ev CallEvent) {
			if ev.Kind == CallStateChanged && ev.State == CallDialing {
				dialing.Add(1)
			}
		},
	})

	require.NoError(t, c.Dial(testCtx(t), "sip:bob@example.com"))
	require.Eventually(t, func() bool { return dialing.Load() == 1 },
		time.Second, 10*time.Millisecond)

	// Движок повторяет calling событие, callInfo осталось в Calling
	eng.fireCallState(1)
	assert.Equal(t, CallDialing, c.CallState())
	require.Eventually(t, func() bool { return dialing.Load() == 2 },
		time.Second, 10*time.Millisecond)
}

func waitSignal(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}
