package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/arzzra/softphone/pkg/engine"
)

// fakeEngine записывающий движок для тестов координатора.
//
// Каждая операция пишется в журнал; сценарные статусы позволяют
// имитировать отказы отдельных шагов. События движка тесты порождают
// явно через fire* хелперы - с горутины теста, как это делал бы
// поток движка.
type fakeEngine struct {
	mu  sync.Mutex
	ops []string
	cbs engine.Callbacks

	createStatus    engine.Status
	configureStatus engine.Status
	startStatus     engine.Status
	transportStatus engine.Status
	accountStatus   engine.Status
	placeStatus     engine.Status
	answerStatus    engine.Status
	hangupStatus    engine.Status
	threadStatus    engine.Status

	nextAccount engine.AccountID
	nextCall    engine.CallID

	// Хуки имитируют движки, доставляющие события еще до возврата из
	// операции (нативные движки так делают)
	placeCallHook  func(engine.CallID)
	addAccountHook func(engine.AccountID)

	callInfo    map[engine.CallID]engine.CallInfo
	accountInfo map[engine.AccountID]engine.AccountInfo
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		callInfo:    make(map[engine.CallID]engine.CallInfo),
		accountInfo: make(map[engine.AccountID]engine.AccountInfo),
	}
}

func (f *fakeEngine) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf(format, args...))
}

// log снимок журнала операций.
func (f *fakeEngine) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

// count количество записей журнала с данным ключом: точное совпадение
// либо продолжение через ':' (иначе "create" посчитал бы и
// "create_transport").
func (f *fakeEngine) count(key string) int {
	n := 0
	for _, op := range f.log() {
		if op == key || strings.HasPrefix(op, key+":") {
			n++
		}
	}
	return n
}

func (f *fakeEngine) setCallInfo(id engine.CallID, info engine.CallInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callInfo[id] = info
}

func (f *fakeEngine) setAccountInfo(id engine.AccountID, info engine.AccountInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountInfo[id] = info
}

// Хелперы порождения событий. Вызываются с горутины теста.

func (f *fakeEngine) fireCallState(id engine.CallID) {
	f.mu.Lock()
	cb := f.cbs.OnCallState
	f.mu.Unlock()
	if cb != nil {
		cb(id)
	}
}

func (f *fakeEngine) fireIncoming(acc engine.AccountID, id engine.CallID) {
	f.mu.Lock()
	cb := f.cbs.OnIncomingCall
	f.mu.Unlock()
	if cb != nil {
		cb(acc, id)
	}
}

func (f *fakeEngine) fireRegState(acc engine.AccountID) {
	f.mu.Lock()
	cb := f.cbs.OnRegistrationState
	f.mu.Unlock()
	if cb != nil {
		cb(acc)
	}
}

func (f *fakeEngine) fireMediaState(id engine.CallID) {
	f.mu.Lock()
	cb := f.cbs.OnCallMediaState
	f.mu.Unlock()
	if cb != nil {
		cb(id)
	}
}

// --- Реализация engine.Engine ---

func (f *fakeEngine) Create() engine.Status {
	f.record("create")
	return f.createStatus
}

func (f *fakeEngine) Configure(cfg engine.Config) engine.Status {
	f.record("configure")
	f.mu.Lock()
	f.cbs = cfg.Callbacks
	f.mu.Unlock()
	return f.configureStatus
}

func (f *fakeEngine) Start() engine.Status {
	f.record("start")
	return f.startStatus
}

func (f *fakeEngine) Destroy() {
	f.record("destroy")
}

func (f *fakeEngine) CreateTransport(kind engine.TransportKind, port int) (engine.TransportID, engine.Status) {
	f.record("create_transport:%s:%d", kind, port)
	if !f.transportStatus.OK() {
		return engine.NoTransport, f.transportStatus
	}
	return 1, engine.StatusOK
}

func (f *fakeEngine) AddAccount(cfg engine.AccountConfig) (engine.AccountID, engine.Status) {
	f.record("add_account:%s", cfg.URI)
	if !f.accountStatus.OK() {
		return engine.NoAccount, f.accountStatus
	}
	f.mu.Lock()
	f.nextAccount++
	id := f.nextAccount
	hook := f.addAccountHook
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, engine.StatusOK
}

func (f *fakeEngine) RemoveAccount(id engine.AccountID) engine.Status {
	f.record("remove_account:%d", id)
	return engine.StatusOK
}

func (f *fakeEngine) PlaceCall(acc engine.AccountID, uri string, opts engine.CallOptions) (engine.CallID, engine.Status) {
	f.record("place_call:%s", uri)
	if !f.placeStatus.OK() {
		return engine.NoCall, f.placeStatus
	}
	f.mu.Lock()
	f.nextCall++
	id := f.nextCall
	f.callInfo[id] = engine.CallInfo{State: engine.CallStateCalling, RemoteAddress: uri}
	hook := f.placeCallHook
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, engine.StatusOK
}

func (f *fakeEngine) Answer(call engine.CallID, sipCode int) engine.Status {
	f.record("answer:%d:%d", call, sipCode)
	return f.answerStatus
}

func (f *fakeEngine) Hangup(call engine.CallID, sipCode int) engine.Status {
	f.record("hangup:%d", call)
	return f.hangupStatus
}

func (f *fakeEngine) HangupAll() {
	f.record("hangup_all")
}

func (f *fakeEngine) CallInfo(call engine.CallID) (engine.CallInfo, engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.callInfo[call]
	if !ok {
		return engine.CallInfo{}, engine.StatusNotFound
	}
	return info, engine.StatusOK
}

func (f *fakeEngine) AccountInfo(acc engine.AccountID) (engine.AccountInfo, engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.accountInfo[acc]
	if !ok {
		return engine.AccountInfo{}, engine.StatusNotFound
	}
	return info, engine.StatusOK
}

func (f *fakeEngine) ConnectAudio(slotA, slotB int) engine.Status {
	f.record("connect_audio:%d:%d", slotA, slotB)
	return engine.StatusOK
}

// RegisterThread в журнал не пишется: регистрация потоков - служебный
// шаг, не относящийся к проверяемым операциям.
func (f *fakeEngine) RegisterThread(name string) engine.Status {
	return f.threadStatus
}
