// Package session реализует координатор телефонной SIP сессии.
//
// Координатор владеет жизненным циклом сигнального движка (pkg/engine),
// регистрацией на SIP регистраторе и жизненным циклом вызовов. Корректность
// держится на трех дисциплинах:
//
//   - Сериализация: каждая операция, трогающая движок, выполняется на одном
//     выделенном исполнителе строго в порядке отправки (executor.go).
//     Исполнитель залочен на OS поток и зарегистрирован в движке до первой
//     операции.
//   - Единственный писатель: асинхронные события движка (приходящие из его
//     потоков) и операции исполнителя мутируют общее состояние только под
//     одной точкой синхронизации (bridge.go, coordinator.go).
//   - Машины состояний: три взаимодействующих FSM (библиотека, регистрация,
//     вызов) с явными таблицами переходов на looplab/fsm (fsm.go). Переходы
//     монотонны, устаревшие события отбрасываются по несовпадению handle.
//
// Применение:
//
//	coord, err := session.New(eng, session.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer coord.Close()
//
//	if err := coord.StartLibrary(ctx, 5060, engine.TransportUDP); err != nil {
//		log.Fatal(err)
//	}
//
//	id := coord.Subscribe(session.Observers{
//		OnCallConnected: func() { log.Println("соединение установлено") },
//	})
//	defer coord.Unsubscribe(id)
//
//	if err := coord.Dial(ctx, "sip:bob@192.168.1.9:5060"); err != nil {
//		log.Printf("вызов не начат: %v", err)
//	}
package session
