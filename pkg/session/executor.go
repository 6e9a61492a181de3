package session

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/arzzra/softphone/pkg/engine"
)

// task единица работы исполнителя.
type task struct {
	fn   func() error
	done chan error
}

// executor сериализует все операции, трогающие движок.
//
// Одна горутина, залоченная на OS поток, исполняет задачи строго в
// порядке отправки. Перед первой задачей горутина регистрируется в
// движке через RegisterThread; неудачная регистрация фатальна для
// контекста - каждая последующая отправка завершается ошибкой
// KindThreadRegistrationFailed, повторных попыток нет.
//
// Задача может стартовать асинхронную операцию движка и вернуться до
// ее завершения: ожидание ведет вызвавшая сторона, исполнитель
// продолжает принимать следующие задачи.
type executor struct {
	eng    engine.Engine
	logger *slog.Logger

	tasks chan *task
	quit  chan struct{}

	mu      sync.Mutex
	bindErr *SessionError
	closed  bool

	wg sync.WaitGroup
}

func newExecutor(eng engine.Engine, logger *slog.Logger) *executor {
	ex := &executor{
		eng:    eng,
		logger: logger,
		tasks:  make(chan *task),
		quit:   make(chan struct{}),
	}
	ex.wg.Add(1)
	go ex.run()
	return ex
}

// run цикл исполнителя. Живет на выделенном OS потоке.
func (ex *executor) run() {
	defer ex.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if st := ex.eng.RegisterThread("session-executor"); !st.OK() {
		ex.mu.Lock()
		ex.bindErr = errThreadRegistration(st)
		ex.mu.Unlock()
		ex.logger.Error("регистрация исполнителя в движке не удалась",
			slog.Int("status", int(st)))
	}

	for {
		select {
		case t := <-ex.tasks:
			ex.mu.Lock()
			bindErr := ex.bindErr
			ex.mu.Unlock()

			if bindErr != nil {
				t.done <- bindErr
				continue
			}
			t.done <- t.fn()
		case <-ex.quit:
			// Добираем уже отправленные задачи, отказывая им
			for {
				select {
				case t := <-ex.tasks:
					t.done <- newError(KindLibraryNotRunning, 0, "исполнитель остановлен")
				default:
					return
				}
			}
		}
	}
}

// submit отправляет операцию и ждет ее завершения.
//
// ctx прерывает только ожидание отправителя: принятая задача все
// равно исполнится, ее результат будет отброшен.
func (ex *executor) submit(ctx context.Context, fn func() error) error {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return newError(KindLibraryNotRunning, 0, "исполнитель остановлен")
	}
	ex.mu.Unlock()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case ex.tasks <- t:
	case <-ex.quit:
		return newError(KindLibraryNotRunning, 0, "исполнитель остановлен")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close останавливает исполнителя. Идемпотентен.
func (ex *executor) close() {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return
	}
	ex.closed = true
	ex.mu.Unlock()

	close(ex.quit)
	ex.wg.Wait()
}
