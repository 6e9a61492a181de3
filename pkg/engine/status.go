package engine

import "fmt"

// Status числовой результат операции движка. 0 - успех.
type Status int

// StatusOK успешное завершение операции.
const StatusOK Status = 0

// Общие коды ошибок движка. Значения совпадают с SIP статусами там,
// где это осмысленно - классификатор на стороне координатора видит
// только число.
const (
	StatusInvalidArgument Status = 400
	StatusNotFound        Status = 404
	StatusTimeout         Status = 408
	StatusWrongState      Status = 481
	StatusBusy            Status = 486
	StatusInternalError   Status = 500
	StatusServiceDown     Status = 503
)

// OK сообщает, успешен ли статус.
func (s Status) OK() bool {
	return s == StatusOK
}

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return fmt.Sprintf("status %d (%s)", int(s), ReasonPhrase(int(s)))
}

// reasonPhrases фразы SIP статусов, используемые в ответах и логах.
var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Internal Server Error",
	503: "Service Unavailable",
	603: "Decline",
}

// ReasonPhrase возвращает фразу для SIP статус кода.
func ReasonPhrase(code int) string {
	if phrase, ok := reasonPhrases[code]; ok {
		return phrase
	}
	switch {
	case code >= 100 && code < 200:
		return "Provisional"
	case code >= 200 && code < 300:
		return "OK"
	case code >= 300 && code < 400:
		return "Redirect"
	case code >= 400 && code < 500:
		return "Client Error"
	case code >= 500 && code < 600:
		return "Server Error"
	default:
		return "Unknown"
	}
}
