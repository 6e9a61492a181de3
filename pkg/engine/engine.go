// Package engine определяет границу с сигнальным движком (SIP/RTP ядром).
//
// Координатор сессий (pkg/session) не реализует SIP протокол сам — он
// потребляет движок через узкий интерфейс Engine. Все вызовы возвращают
// числовой Status по конвенции нативных движков: 0 — успех, ненулевое
// значение — код ошибки. Асинхронные события движок доставляет через
// Callbacks из собственных горутин/потоков.
//
// Пакет содержит также production-реализацию Sipgo на базе emiago/sipgo
// (см. sipgo.go) и вспомогательные типы идентификаторов с sentinel
// значениями "не задано".
package engine

// TransportKind тип транспортного протокола сигнализации.
type TransportKind string

const (
	// TransportUDP - UDP транспорт (RFC 3261)
	TransportUDP TransportKind = "UDP"

	// TransportTCP - TCP транспорт (RFC 3261)
	TransportTCP TransportKind = "TCP"
)

// CallID идентификатор вызова внутри движка.
type CallID int

// AccountID идентификатор аккаунта внутри движка.
type AccountID int

// TransportID идентификатор транспорта внутри движка.
type TransportID int

// Sentinel значения "идентификатор не задан". Отличаются от любого
// валидного идентификатора (движок выдает только неотрицательные).
const (
	NoCall      CallID      = -1
	NoAccount   AccountID   = -1
	NoTransport TransportID = -1
)

// CallState состояние вызова на уровне движка.
type CallState int

const (
	CallStateNull CallState = iota
	CallStateCalling
	CallStateIncoming
	CallStateEarly
	CallStateConnecting
	CallStateConfirmed
	CallStateDisconnected
)

func (s CallState) String() string {
	switch s {
	case CallStateNull:
		return "null"
	case CallStateCalling:
		return "calling"
	case CallStateIncoming:
		return "incoming"
	case CallStateEarly:
		return "early"
	case CallStateConnecting:
		return "connecting"
	case CallStateConfirmed:
		return "confirmed"
	case CallStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MediaStatus состояние медиа потока вызова.
type MediaStatus int

const (
	MediaNone MediaStatus = iota
	MediaActive
	MediaLocalHold
	MediaRemoteHold
	MediaError
)

func (m MediaStatus) String() string {
	switch m {
	case MediaNone:
		return "none"
	case MediaActive:
		return "active"
	case MediaLocalHold:
		return "local_hold"
	case MediaRemoteHold:
		return "remote_hold"
	case MediaError:
		return "error"
	default:
		return "unknown"
	}
}

// CallInfo снимок состояния вызова, запрашиваемый через Engine.CallInfo.
//
// Обработчики событий не доверяют параметрам события и всегда
// перечитывают актуальное состояние этим запросом.
type CallInfo struct {
	// State текущее состояние вызова
	State CallState

	// LastStatusCode последний SIP статус код вызова (180, 200, 486...)
	LastStatusCode int

	// RemoteAddress адрес удаленной стороны ("Display" <sip:user@host>)
	RemoteAddress string

	// Media состояние медиа потока
	Media MediaStatus

	// ConfSlot слот конференц-моста для коммутации аудио
	ConfSlot int
}

// AccountInfo снимок состояния аккаунта.
type AccountInfo struct {
	// RegistrationStatusCode последний SIP код регистрации (200 = успех)
	RegistrationStatusCode int
}

// AccountConfig конфигурация аккаунта для AddAccount.
type AccountConfig struct {
	// URI идентичность аккаунта, например "sip:alice@example.com"
	URI string

	// Registrar URI регистратора ("sip:example.com"). Пустая строка -
	// локальный аккаунт без регистрации (peer-to-peer режим).
	Registrar string

	// Proxy опциональный outbound proxy
	Proxy string

	// Учетные данные digest аутентификации
	Realm    string
	Scheme   string
	Username string
	Secret   string

	// Register отправлять ли REGISTER сразу после добавления
	Register bool
}

// CallOptions опции исходящего вызова.
type CallOptions struct {
	// Headers дополнительные SIP заголовки INVITE
	Headers map[string]string
}

// Callbacks обработчики асинхронных событий движка.
//
// Вызываются из горутин, принадлежащих движку, НЕ из контекста
// вызвавшей операции. nil обработчики допустимы и пропускаются.
type Callbacks struct {
	// OnCallState изменение состояния вызова
	OnCallState func(call CallID)

	// OnIncomingCall новый входящий вызов
	OnIncomingCall func(acc AccountID, call CallID)

	// OnRegistrationState изменение состояния регистрации аккаунта
	OnRegistrationState func(acc AccountID)

	// OnCallMediaState изменение состояния медиа потока вызова
	OnCallMediaState func(call CallID)
}

// Config конфигурация движка, передаваемая в Configure.
type Config struct {
	// UserAgent строка User-Agent заголовка
	UserAgent string

	// Callbacks обработчики событий
	Callbacks Callbacks

	// LogLevel уровень логирования движка (0 - тихо)
	LogLevel int

	// MaxCalls максимум одновременных вызовов
	MaxCalls int
}

// Engine интерфейс сигнального движка.
//
// Конвенция статусов: StatusOK (0) - успех, любое другое значение -
// код ошибки, классифицируемый на стороне координатора. Методы,
// возвращающие идентификатор, при ошибке возвращают sentinel
// (NoCall/NoAccount/NoTransport) вместе с ненулевым статусом.
type Engine interface {
	// Create создает экземпляр движка. Повторный вызов без Destroy - ошибка.
	Create() Status

	// Configure задает конфигурацию и обработчики событий.
	// Вызывается строго между Create и Start.
	Configure(cfg Config) Status

	// Start запускает движок. После успешного Start движок принимает
	// сигнальный трафик на созданных транспортах.
	Start() Status

	// Destroy останавливает и уничтожает движок вместе с транспортами.
	// Безопасен при частично выполненной инициализации.
	Destroy()

	// CreateTransport создает локальный сигнальный транспорт.
	CreateTransport(kind TransportKind, port int) (TransportID, Status)

	// AddAccount добавляет аккаунт. При cfg.Register движок асинхронно
	// отправляет REGISTER; исход доставляется через OnRegistrationState.
	AddAccount(cfg AccountConfig) (AccountID, Status)

	// RemoveAccount удаляет аккаунт.
	RemoveAccount(id AccountID) Status

	// PlaceCall начинает исходящий вызов от имени аккаунта.
	PlaceCall(acc AccountID, uri string, opts CallOptions) (CallID, Status)

	// Answer отвечает на входящий вызов SIP статусом:
	// 1xx - provisional, 200 - принять, >= 300 - отклонить.
	Answer(call CallID, sipCode int) Status

	// Hangup завершает вызов. sipCode 0 - статус по умолчанию.
	Hangup(call CallID, sipCode int) Status

	// HangupAll завершает все активные вызовы.
	HangupAll()

	// CallInfo возвращает снимок состояния вызова.
	CallInfo(call CallID) (CallInfo, Status)

	// AccountInfo возвращает снимок состояния аккаунта.
	AccountInfo(acc AccountID) (AccountInfo, Status)

	// ConnectAudio коммутирует два слота конференц-моста.
	ConnectAudio(slotA, slotB int) Status

	// RegisterThread регистрирует текущий поток выполнения в движке.
	// Нативные движки требуют регистрацию каждого потока до первого
	// обращения; вызывается на OS-залоченной горутине.
	RegisterThread(name string) Status
}
