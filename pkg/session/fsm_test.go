package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachines() *stateMachines {
	return newStateMachines(testLogger(), newMetricsCollector(nil))
}

func TestLibraryMachineLifecycle(t *testing.T) {
	sm := newTestMachines()
	require.Equal(t, LibraryUninitialized, sm.libState())

	require.NoError(t, sm.libFire(evLibStart))
	require.Equal(t, LibraryStarting, sm.libState())

	require.NoError(t, sm.libFire(evLibStartOK))
	require.Equal(t, LibraryRunning, sm.libState())

	require.NoError(t, sm.libFire(evLibShutdown))
	require.NoError(t, sm.libFire(evLibShutdownDone))
	require.Equal(t, LibraryUninitialized, sm.libState())
}

// Откат при неудачном запуске возвращает машину в исходное состояние.
func TestLibraryMachineStartFailure(t *testing.T) {
	sm := newTestMachines()
	require.NoError(t, sm.libFire(evLibStart))
	require.NoError(t, sm.libFire(evLibStartFailed))
	assert.Equal(t, LibraryUninitialized, sm.libState())

	// Запуск можно повторить
	require.NoError(t, sm.libFire(evLibStart))
	assert.Equal(t, LibraryStarting, sm.libState())
}

func TestLibraryMachineRejectsInvalidTransitions(t *testing.T) {
	sm := newTestMachines()

	// shutdown из Uninitialized невозможен
	assert.Error(t, sm.libFire(evLibShutdown))
	// start_ok без start невозможен
	assert.Error(t, sm.libFire(evLibStartOK))
}

func TestRegistrationMachine(t *testing.T) {
	sm := newTestMachines()

	require.NoError(t, sm.regFire(evRegRegister))
	require.Equal(t, Registering, sm.regState())

	require.NoError(t, sm.regFire(evRegConfirm))
	require.Equal(t, Registered, sm.regState())

	// Перерегистрация из Registered допустима
	require.NoError(t, sm.regFire(evRegRegister))
	require.Equal(t, Registering, sm.regState())

	require.NoError(t, sm.regFire(evRegFail))
	require.Equal(t, RegistrationFailed, sm.regState())

	// Из Failed можно регистрироваться снова
	require.NoError(t, sm.regFire(evRegRegister))
	require.Equal(t, Registering, sm.regState())
}

// unregister безусловен: срабатывает из любого состояния, повтор не
// является ошибкой.
func TestRegistrationMachineUnregisterUnconditional(t *testing.T) {
	sm := newTestMachines()

	require.NoError(t, sm.regFire(evRegUnregister))
	require.Equal(t, RegistrationNone, sm.regState())
	require.NoError(t, sm.regFire(evRegUnregister))

	require.NoError(t, sm.regFire(evRegRegister))
	require.NoError(t, sm.regFire(evRegConfirm))
	require.NoError(t, sm.regFire(evRegUnregister))
	assert.Equal(t, RegistrationNone, sm.regState())
}

func TestCallMachineOutgoing(t *testing.T) {
	sm := newTestMachines()

	require.NoError(t, sm.callFire(evCallDial))
	require.Equal(t, CallDialing, sm.callState())

	require.NoError(t, sm.callFire(evCallEarly))
	require.Equal(t, CallRinging, sm.callState())

	require.NoError(t, sm.callFire(evCallConfirm))
	require.Equal(t, CallConnected, sm.callState())

	require.NoError(t, sm.callFire(evCallEnd))
	require.Equal(t, CallEnded, sm.callState())

	require.NoError(t, sm.callFire(evCallReset))
	require.Equal(t, CallIdle, sm.callState())
}

func TestCallMachineIncoming(t *testing.T) {
	sm := newTestMachines()

	require.NoError(t, sm.callFire(evCallIncoming))
	require.Equal(t, CallIncomingRinging, sm.callState())

	require.NoError(t, sm.callFire(evCallAccept))
	require.Equal(t, CallConnecting, sm.callState())

	require.NoError(t, sm.callFire(evCallConfirm))
	require.Equal(t, CallConnected, sm.callState())
}

// Вызов может завершиться из любого нетерминального состояния, но
// переходы строго вперед: поздний accept или dial отклоняются.
func TestCallMachineForwardOnly(t *testing.T) {
	sm := newTestMachines()

	require.NoError(t, sm.callFire(evCallDial))
	assert.Error(t, sm.callFire(evCallDial))
	assert.Error(t, sm.callFire(evCallAccept))
	assert.Error(t, sm.callFire(evCallReset))

	require.NoError(t, sm.callFire(evCallEnd))
	assert.Error(t, sm.callFire(evCallEnd))
	assert.Error(t, sm.callFire(evCallConfirm))
	require.NoError(t, sm.callFire(evCallReset))
	assert.Equal(t, CallIdle, sm.callState())
}
