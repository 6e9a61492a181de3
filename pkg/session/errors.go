package session

import (
	"errors"
	"fmt"

	"github.com/arzzra/softphone/pkg/engine"
)

// ErrorKind закрытая таксономия ошибок координатора.
type ErrorKind string

const (
	// KindInitializationFailed запуск движка не удался
	KindInitializationFailed ErrorKind = "INITIALIZATION_FAILED"

	// KindTransportCreationFailed не удалось создать сигнальный транспорт
	KindTransportCreationFailed ErrorKind = "TRANSPORT_CREATION_FAILED"

	// KindAccountAddFailed не удалось добавить/зарегистрировать аккаунт
	KindAccountAddFailed ErrorKind = "ACCOUNT_ADD_FAILED"

	// KindCallFailed исходящий вызов не удался
	KindCallFailed ErrorKind = "CALL_FAILED"

	// KindAnswerFailed ответ на вызов не удался
	KindAnswerFailed ErrorKind = "ANSWER_FAILED"

	// KindHangupFailed завершение вызова не удалось
	KindHangupFailed ErrorKind = "HANGUP_FAILED"

	// KindNoTransportAvailable нет активного транспорта
	KindNoTransportAvailable ErrorKind = "NO_TRANSPORT_AVAILABLE"

	// KindNoAccountRegistered операция требует аккаунт, а его нет
	KindNoAccountRegistered ErrorKind = "NO_ACCOUNT_REGISTERED"

	// KindInvalidCallHandle операция ссылается на несуществующий вызов
	KindInvalidCallHandle ErrorKind = "INVALID_CALL_HANDLE"

	// KindOperationAlreadyInProgress конфликтующая операция уже идет
	KindOperationAlreadyInProgress ErrorKind = "OPERATION_ALREADY_IN_PROGRESS"

	// KindRegistrationLost регистрация потеряна после успешной
	KindRegistrationLost ErrorKind = "REGISTRATION_LOST"

	// KindThreadRegistrationFailed исполнитель не смог зарегистрироваться
	// в движке; все последующие операции на нем невозможны
	KindThreadRegistrationFailed ErrorKind = "THREAD_REGISTRATION_FAILED"

	// KindLibraryNotRunning движок не в состоянии Running
	KindLibraryNotRunning ErrorKind = "LIBRARY_NOT_RUNNING"
)

// SessionError структурированная ошибка координатора.
//
// Code хранит сырой числовой статус движка (или SIP код для
// асинхронных исходов); за пределами адаптера движка числовая
// кодировка наружу не просачивается иначе как через это поле.
type SessionError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Cause   error
}

// Error реализует интерфейс error.
func (e *SessionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[%s] %s (код %d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap поддерживает errors.Is и errors.As.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// IsKind сообщает, является ли err ошибкой координатора данного вида.
func IsKind(err error, kind ErrorKind) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func newError(kind ErrorKind, code int, format string, args ...interface{}) *SessionError {
	return &SessionError{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Конструкторы ошибок без кода движка.

func errNoTransport() *SessionError {
	return newError(KindNoTransportAvailable, 0, "нет активного сигнального транспорта")
}

func errOperationInProgress(op string) *SessionError {
	return newError(KindOperationAlreadyInProgress, 0, "операция '%s' конфликтует с уже выполняющейся", op)
}

func errInvalidHandle() *SessionError {
	return newError(KindInvalidCallHandle, 0, "нет активного вызова")
}

func errNotRunning(op string) *SessionError {
	return newError(KindLibraryNotRunning, 0, "операция '%s' требует запущенный движок", op)
}

func errThreadRegistration(st engine.Status) *SessionError {
	return newError(KindThreadRegistrationFailed, int(st),
		"не удалось зарегистрировать исполнителя в движке")
}

func errRegistrationLost(code int) *SessionError {
	return newError(KindRegistrationLost, code,
		"регистрация потеряна: %s", engine.ReasonPhrase(code))
}

// engineOp операция движка для классификации статусов.
type engineOp string

const (
	opCreateLibrary   engineOp = "create_library"
	opCreateTransport engineOp = "create_transport"
	opAddAccount      engineOp = "add_account"
	opPlaceCall       engineOp = "place_call"
	opAnswer          engineOp = "answer"
	opHangup          engineOp = "hangup"
)

// classifyStatus отображает (операция, ненулевой статус движка) в
// структурированную ошибку закрытой таксономии. Нулевые статусы сюда
// не попадают.
func classifyStatus(op engineOp, st engine.Status) *SessionError {
	code := int(st)
	switch op {
	case opCreateLibrary:
		return newError(KindInitializationFailed, code, "инициализация движка не удалась")
	case opCreateTransport:
		return newError(KindTransportCreationFailed, code, "создание транспорта не удалось")
	case opAddAccount:
		return newError(KindAccountAddFailed, code,
			"добавление аккаунта не удалось: %s", engine.ReasonPhrase(code))
	case opPlaceCall:
		return newError(KindCallFailed, code,
			"вызов не удался: %s", engine.ReasonPhrase(code))
	case opAnswer:
		return newError(KindAnswerFailed, code, "ответ на вызов не удался")
	case opHangup:
		return newError(KindHangupFailed, code, "завершение вызова не удалось")
	default:
		return newError(KindInitializationFailed, code, "операция движка не удалась")
	}
}
