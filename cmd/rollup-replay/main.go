// cmd/rollup-replay reconstrói os rollups a partir do log de eventos.
// Rodar com o cam-counter parado: a ingestão concorrente seria contada
// em dobro.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/cam-counter/internal/aggregator"
	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/database"
	"github.com/sua-org/cam-counter/internal/logging"
)

func main() {
	dbPath := flag.String("db", "", "caminho do DuckDB (default: database.path da config)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config inválida")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stderr})
	log := logging.Component("replay")

	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("erro ao abrir o banco")
	}
	defer func() { _ = db.Close() }()

	start := time.Now()
	agg := aggregator.New(db, db, nil)
	res, err := agg.Replay(ctx, db)
	if err != nil {
		log.Error().Err(err).Msg("replay falhou")
		_ = db.Close()
		os.Exit(1)
	}
	log.Info().
		Str("db", cfg.Database.Path).
		Int("people_events", res.PeopleEvents).
		Int("face_events", res.FaceEvents).
		Dur("took", time.Since(start)).
		Msg("replay concluído")
}
