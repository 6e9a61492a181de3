package session

// LibraryState состояние жизненного цикла движка.
type LibraryState int32

const (
	// LibraryUninitialized движок не создан
	LibraryUninitialized LibraryState = iota

	// LibraryStarting выполняется последовательность запуска
	LibraryStarting

	// LibraryRunning движок работает, операции разрешены
	LibraryRunning

	// LibraryShuttingDown выполняется остановка
	LibraryShuttingDown
)

func (s LibraryState) String() string {
	switch s {
	case LibraryUninitialized:
		return "uninitialized"
	case LibraryStarting:
		return "starting"
	case LibraryRunning:
		return "running"
	case LibraryShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// RegistrationState состояние регистрации на SIP регистраторе.
type RegistrationState int32

const (
	// RegistrationNone аккаунт не зарегистрирован
	RegistrationNone RegistrationState = iota

	// Registering локальный запрос принят, ждем подтверждение регистратора
	Registering

	// Registered регистратор подтвердил регистрацию (200)
	Registered

	// RegistrationFailed попытка не удалась или регистрация потеряна
	RegistrationFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationNone:
		return "unregistered"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case RegistrationFailed:
		return "registration_failed"
	default:
		return "unknown"
	}
}

// CallState состояние текущей попытки вызова.
//
// Переходы монотонны вперед, единственный возврат - терминальный
// сброс CallEnded -> CallIdle.
type CallState int32

const (
	// CallIdle вызова нет
	CallIdle CallState = iota

	// CallDialing исходящий INVITE отправлен
	CallDialing

	// CallRinging удаленная сторона прислала provisional (180/183)
	CallRinging

	// CallIncomingRinging локальная сторона имеет неотвеченный входящий
	CallIncomingRinging

	// CallConnecting входящий принят, ждем подтверждения
	CallConnecting

	// CallConnected вызов установлен
	CallConnected

	// CallEnded вызов завершен, handle более невалиден
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallDialing:
		return "dialing"
	case CallRinging:
		return "ringing"
	case CallIncomingRinging:
		return "incoming_ringing"
	case CallConnecting:
		return "connecting"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}
