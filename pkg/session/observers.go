package session

import (
	"log/slog"
	"sync"
)

// RegistrationEventKind вид регистрационного события.
type RegistrationEventKind int

const (
	// RegistrationStateChanged изменение состояния регистрации
	RegistrationStateChanged RegistrationEventKind = iota

	// RegistrationSucceeded регистратор подтвердил регистрацию
	RegistrationSucceeded

	// RegistrationFailure попытка не удалась или регистрация потеряна
	RegistrationFailure
)

// RegistrationEvent событие регистрационной машины.
type RegistrationEvent struct {
	Kind  RegistrationEventKind
	State RegistrationState

	// Err заполняется для RegistrationFailure
	Err *SessionError
}

// CallEventKind вид события вызова.
type CallEventKind int

const (
	// CallStateChanged изменение состояния вызова
	CallStateChanged CallEventKind = iota

	// CallIncoming новый входящий вызов
	CallIncoming

	// CallConnectedEvent вызов установлен
	CallConnectedEvent

	// CallEndedEvent вызов завершен
	CallEndedEvent

	// CallFailure вызов не удался
	CallFailure
)

// CallEvent событие машины вызова.
type CallEvent struct {
	Kind  CallEventKind
	State CallState

	// RemoteAddress адрес удаленной стороны (для CallIncoming и далее)
	RemoteAddress string

	// Handle попытка вызова, к которой относится событие
	Handle CallHandle

	// Err заполняется для CallFailure
	Err *SessionError
}

// Observers набор опциональных типизированных обработчиков.
// nil обработчики пропускаются.
type Observers struct {
	// Регистрация
	OnRegistrationState   func(RegistrationEvent)
	OnRegistrationSuccess func()
	OnRegistrationFailure func(RegistrationEvent)

	// Вызовы
	OnCallState     func(CallEvent)
	OnIncomingCall  func(remoteAddress string)
	OnCallConnected func()
	OnCallEnded     func()
	OnCallFailure   func(CallEvent)
}

// notice событие в очереди доставки.
type notice struct {
	reg  *RegistrationEvent
	call *CallEvent
}

// notifier реестр наблюдателей с выделенной горутиной доставки.
//
// Гарантии: каждый логический переход доставляется каждому подписчику
// не более одного раза, все уведомления приходят на одной горутине
// (консистентный контекст), обработчик никогда не вызывается изнутри
// другого обработчика. Очередь ограничена; при переполнении событие
// отбрасывается с логом - наблюдатели не должны тормозить координатор.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]Observers
	nextID int
	closed bool

	queue  chan notice
	quit   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newNotifier(queueSize int, logger *slog.Logger) *notifier {
	n := &notifier{
		subs:   make(map[int]Observers),
		queue:  make(chan notice, queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case msg := <-n.queue:
			for _, obs := range n.snapshot() {
				n.deliver(obs, msg)
			}
		case <-n.quit:
			// Добираем уже опубликованное
			for {
				select {
				case msg := <-n.queue:
					for _, obs := range n.snapshot() {
						n.deliver(obs, msg)
					}
				default:
					return
				}
			}
		}
	}
}

func (n *notifier) snapshot() []Observers {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Observers, 0, len(n.subs))
	for _, obs := range n.subs {
		out = append(out, obs)
	}
	return out
}

func (n *notifier) deliver(obs Observers, msg notice) {
	if msg.reg != nil {
		ev := *msg.reg
		if obs.OnRegistrationState != nil {
			obs.OnRegistrationState(ev)
		}
		switch ev.Kind {
		case RegistrationSucceeded:
			if obs.OnRegistrationSuccess != nil {
				obs.OnRegistrationSuccess()
			}
		case RegistrationFailure:
			if obs.OnRegistrationFailure != nil {
				obs.OnRegistrationFailure(ev)
			}
		}
	}
	if msg.call != nil {
		ev := *msg.call
		if obs.OnCallState != nil {
			obs.OnCallState(ev)
		}
		switch ev.Kind {
		case CallIncoming:
			if obs.OnIncomingCall != nil {
				obs.OnIncomingCall(ev.RemoteAddress)
			}
		case CallConnectedEvent:
			if obs.OnCallConnected != nil {
				obs.OnCallConnected()
			}
		case CallEndedEvent:
			if obs.OnCallEnded != nil {
				obs.OnCallEnded()
			}
		case CallFailure:
			if obs.OnCallFailure != nil {
				obs.OnCallFailure(ev)
			}
		}
	}
}

// subscribe добавляет наблюдателя и возвращает идентификатор подписки.
func (n *notifier) subscribe(obs Observers) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.subs[n.nextID] = obs
	return n.nextID
}

// unsubscribe снимает подписку. Неизвестный id игнорируется.
func (n *notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, id)
}

// publish ставит событие в очередь. Очередь никогда не закрывается,
// поэтому гонка с close не может привести к отправке в закрытый канал:
// после остановки события просто не принимаются.
func (n *notifier) publish(msg notice) {
	select {
	case <-n.quit:
	case n.queue <- msg:
	default:
		n.logger.Warn("очередь уведомлений переполнена, событие отброшено")
	}
}

func (n *notifier) publishRegistration(ev RegistrationEvent) {
	n.publish(notice{reg: &ev})
}

func (n *notifier) publishCall(ev CallEvent) {
	n.publish(notice{call: &ev})
}

// close останавливает доставку, дождавшись уже опубликованных событий.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.quit)
	<-n.done
}
