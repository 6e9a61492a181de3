package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/engine"
)

func TestSessionErrorFormat(t *testing.T) {
	err := newError(KindCallFailed, 486, "вызов не удался")
	assert.Contains(t, err.Error(), "CALL_FAILED")
	assert.Contains(t, err.Error(), "486")

	// Без кода число в тексте не появляется
	err = errNoTransport()
	assert.Contains(t, err.Error(), "NO_TRANSPORT_AVAILABLE")
	assert.NotContains(t, err.Error(), "(код")
}

func TestIsKindThroughWrapping(t *testing.T) {
	inner := newError(KindAccountAddFailed, 403, "отказ регистратора")
	wrapped := fmt.Errorf("register: %w", inner)

	assert.True(t, IsKind(wrapped, KindAccountAddFailed))
	assert.False(t, IsKind(wrapped, KindCallFailed))
	assert.False(t, IsKind(errors.New("обычная ошибка"), KindCallFailed))
	assert.False(t, IsKind(nil, KindCallFailed))
}

func TestSessionErrorUnwrap(t *testing.T) {
	cause := errors.New("сетевая ошибка")
	err := &SessionError{Kind: KindInitializationFailed, Message: "запуск", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

// Каждая операция движка отображается в свой вид ошибки; сырой статус
// сохраняется в Code.
func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		op   engineOp
		st   engine.Status
		kind ErrorKind
	}{
		{opCreateLibrary, engine.StatusInternalError, KindInitializationFailed},
		{opCreateTransport, engine.StatusInvalidArgument, KindTransportCreationFailed},
		{opAddAccount, 403, KindAccountAddFailed},
		{opPlaceCall, engine.StatusBusy, KindCallFailed},
		{opAnswer, engine.StatusWrongState, KindAnswerFailed},
		{opHangup, engine.StatusNotFound, KindHangupFailed},
	}

	for _, tc := range cases {
		err := classifyStatus(tc.op, tc.st)
		require.NotNil(t, err, string(tc.op))
		assert.Equal(t, tc.kind, err.Kind, string(tc.op))
		assert.Equal(t, int(tc.st), err.Code, string(tc.op))
	}
}
