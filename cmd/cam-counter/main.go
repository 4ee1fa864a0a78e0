// cmd/cam-counter/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/cam-counter/internal/aggregator"
	"github.com/sua-org/cam-counter/internal/api"
	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/database"
	"github.com/sua-org/cam-counter/internal/identity"
	"github.com/sua-org/cam-counter/internal/ingest"
	"github.com/sua-org/cam-counter/internal/lapi"
	"github.com/sua-org/cam-counter/internal/livebus"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/mqttclient"
	"github.com/sua-org/cam-counter/internal/recorder"
	"github.com/sua-org/cam-counter/internal/storage"
	"github.com/sua-org/cam-counter/internal/supervisor"
)

func main() {
	// .env é opcional
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config inválida")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	log := logging.Component("main")
	if envErr != nil {
		log.Debug().Err(envErr).Msg(".env não carregado")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("erro ao abrir o banco")
	}
	defer func() { _ = db.Close() }()

	var enc identity.Encryptor
	if cfg.Security.EncryptionKey != "" {
		e, err := config.NewCredentialEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("erro ao preparar a cifra de credenciais")
		}
		enc = e
	} else {
		log.Warn().Msg("security.encryption_key vazio: cadastro com senha vai falhar")
	}

	var recOpts []recorder.Option
	if cfg.MinIO.Enabled {
		// MinIO é opcional; sem ele o payload fica só no banco
		store, err := storage.NewMinioStore(ctx, cfg.MinIO)
		if err != nil {
			log.Warn().Err(err).Msg("MinIO não inicializado")
		} else {
			recOpts = append(recOpts, recorder.WithArchive(store))
		}
	}

	bus := livebus.New(cfg.Live.MaxSubscribers)
	agg := aggregator.New(db, db, nil)
	resolver := identity.New(db, enc)
	rec := recorder.New(db, ingest.NewRollupSink(agg), recOpts...)
	svc := ingest.New(resolver, rec, bus)

	if n, err := agg.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("cache do dia não carregado")
	} else {
		log.Info().Int("channels", n).Msg("cache do dia carregado")
	}

	srv := api.New(api.Deps{
		Config:     cfg,
		Ingest:     svc,
		Aggregator: agg,
		Identity:   resolver,
		Live:       bus,
		Dialer:     lapi.NewDialer(cfg.Device),
		Health:     db,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger("supervisor"), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	if cfg.MQTT.Enabled {
		mqttCli, err := mqttclient.NewClient(cfg.MQTT, "cam-counter")
		if err != nil {
			log.Fatal().Err(err).Msg("erro ao conectar no MQTT")
		}
		defer mqttCli.Close()
		tree.AddMessagingService(supervisor.NewMQTTBridge(bus, mqttCli, cfg.MQTT.BaseTopic, cfg.Live.Buffer))
		tree.AddMessagingService(supervisor.NewStatusPublisher(mqttCli, cfg.MQTT.BaseTopic, cfg.Status.Interval, bus, agg.Cache()))
	}

	log.Info().Str("addr", httpServer.Addr).Bool("mqtt", cfg.MQTT.Enabled).Msg("cam-counter iniciado")

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	log.Info().Msg("sinal recebido, encerrando...")

	// fecha os streams ao vivo para o shutdown do HTTP não esperar por eles
	_ = bus.Close()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("supervisor terminou com erro")
		}
	case <-time.After(cfg.Server.ShutdownTimeout + 5*time.Second):
		if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
			log.Warn().Interface("unstopped", report).Msg("serviços não pararam no prazo")
		}
	}
}
