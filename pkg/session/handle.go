package session

import (
	"strings"

	"github.com/google/uuid"

	"github.com/arzzra/softphone/pkg/engine"
)

// CallHandle непрозрачный идентификатор одной попытки вызова.
//
// Связывает числовой идентификатор движка с уникальным токеном
// попытки: движок переиспользует числовые id, токен - никогда.
// Handle становится невалидным в момент перехода вызова в Ended
// и не переиспользуется для последующих вызовов.
type CallHandle struct {
	id    engine.CallID
	token string
}

func newCallHandle(id engine.CallID) CallHandle {
	return CallHandle{
		id:    id,
		token: strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
}

// Valid сообщает, указывает ли handle на попытку вызова.
func (h CallHandle) Valid() bool {
	return h.token != ""
}

// Token уникальный токен попытки вызова.
func (h CallHandle) Token() string {
	return h.token
}

// EngineID числовой идентификатор вызова внутри движка.
func (h CallHandle) EngineID() engine.CallID {
	if !h.Valid() {
		return engine.NoCall
	}
	return h.id
}

// matches проверяет, относится ли событие движка к этой попытке.
func (h CallHandle) matches(id engine.CallID) bool {
	return h.Valid() && h.id == id
}

// Account привязанная регистрационная идентичность.
// Секрет в снимке не хранится.
type Account struct {
	Username string
	Domain   string
	Proxy    string
	Realm    string
	URI      string
}

// AccountSettings параметры запроса регистрации.
type AccountSettings struct {
	// Domain домен регистратора ("example.com")
	Domain string

	// Proxy опциональный outbound proxy ("sip:proxy.example.com")
	Proxy string

	// Username имя пользователя
	Username string

	// Secret пароль digest аутентификации
	Secret string

	// Realm realm учетных данных; "*" - любой
	Realm string
}

func (s AccountSettings) validate() *SessionError {
	if s.Domain == "" {
		return newError(KindAccountAddFailed, 0, "domain не задан")
	}
	if s.Username == "" {
		return newError(KindAccountAddFailed, 0, "username не задан")
	}
	return nil
}

func (s AccountSettings) uri() string {
	return "sip:" + s.Username + "@" + s.Domain
}

func (s AccountSettings) registrar() string {
	return "sip:" + s.Domain
}
