// Команда softphone - консольный SIP телефон поверх координатора сессий.
//
// Режимы:
//
//	receive  - слушать входящие вызовы и автоматически отвечать
//	call     - позвонить по адресу target и положить трубку через duration
//	register - зарегистрироваться на регистраторе и ждать
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/softphone/pkg/engine"
	"github.com/arzzra/softphone/pkg/session"
)

func main() {
	var (
		host        = flag.String("host", "127.0.0.1", "Локальный адрес сигнализации")
		port        = flag.Int("port", 5060, "Локальный порт сигнализации")
		mode        = flag.String("mode", "receive", "Режим: receive, call, register")
		target      = flag.String("target", "sip:bob@127.0.0.1:5061", "Адрес для исходящего вызова")
		user        = flag.String("user", "alice", "Имя пользователя")
		domain      = flag.String("domain", "", "Домен регистратора (пусто - без регистрации)")
		password    = flag.String("password", "", "Пароль digest аутентификации")
		proxy       = flag.String("proxy", "", "Outbound proxy")
		duration    = flag.Duration("duration", 15*time.Second, "Длительность исходящего вызова")
		metricsAddr = flag.String("metrics", "", "Адрес HTTP /metrics (пусто - выключено)")
		debug       = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("HTTP сервер метрик остановлен", slog.Any("error", err))
			}
		}()
		log.Printf("Метрики: http://%s/metrics", *metricsAddr)
	}

	eng := engine.NewSipgo(engine.SipgoConfig{Host: *host, Logger: logger})

	cfg := session.DefaultConfig()
	cfg.Logger = logger
	cfg.LocalUser = *user
	cfg.LocalHost = *host
	cfg.Registerer = registry

	coord, err := session.New(eng, cfg)
	if err != nil {
		log.Fatalf("Ошибка создания координатора: %v", err)
	}
	defer coord.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.StartLibrary(ctx, *port, engine.TransportUDP); err != nil {
		log.Fatalf("Ошибка запуска движка: %v", err)
	}
	log.Printf("Движок запущен на %s:%d (режим %s)", *host, *port, *mode)

	autoAnswer := *mode == "receive"
	coord.Subscribe(session.Observers{
		OnIncomingCall: func(remote string) {
			log.Printf("=== ВХОДЯЩИЙ ВЫЗОВ от %s ===", remote)
			if autoAnswer {
				go func() {
					time.Sleep(time.Second)
					if err := coord.Answer(ctx); err != nil {
						log.Printf("Не удалось ответить: %v", err)
					}
				}()
			}
		},
		OnCallConnected: func() { log.Printf("Вызов установлен") },
		OnCallEnded:     func() { log.Printf("Вызов завершен") },
		OnCallFailure: func(ev session.CallEvent) {
			log.Printf("Вызов не удался: %v", ev.Err)
		},
		OnRegistrationSuccess: func() { log.Printf("Регистрация подтверждена") },
		OnRegistrationFailure: func(ev session.RegistrationEvent) {
			log.Printf("Регистрация не удалась: %v", ev.Err)
		},
	})

	if *domain != "" {
		settings := session.AccountSettings{
			Domain:   *domain,
			Username: *user,
			Secret:   *password,
			Proxy:    *proxy,
		}
		log.Printf("Регистрация %s@%s...", *user, *domain)
		if err := coord.Register(ctx, settings); err != nil {
			log.Fatalf("Ошибка регистрации: %v", err)
		}
	}

	switch *mode {
	case "receive", "register":
		log.Printf("Ожидание... (Ctrl+C для выхода)")
		<-ctx.Done()

	case "call":
		log.Printf("Вызов %s...", *target)
		if err := coord.Dial(ctx, *target); err != nil {
			log.Fatalf("Ошибка вызова: %v", err)
		}
		select {
		case <-time.After(*duration):
			if err := coord.Hangup(context.Background()); err != nil {
				log.Printf("Ошибка завершения: %v", err)
			}
		case <-ctx.Done():
		}

	default:
		log.Fatalf("Неизвестный режим: %s (доступны: receive, call, register)", *mode)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ошибка остановки: %v", err)
	}
}
