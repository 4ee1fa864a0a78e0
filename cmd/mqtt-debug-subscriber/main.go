package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/mqttclient"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config inválida")
	}
	logging.Init(logging.Config{Level: "debug", Format: "console", Output: os.Stderr})
	log := logging.Component("debug")

	// Só eventos: base/ip/channel/type/events
	subscribeTopic := strings.TrimSuffix(cfg.MQTT.BaseTopic, "/") + "/+/+/+/events"
	if v := os.Getenv("MQTT_DEBUG_TOPIC"); v != "" {
		subscribeTopic = v
	}

	mqttCli, err := mqttclient.NewClient(cfg.MQTT, "cam-counter-debug-subscriber")
	if err != nil {
		log.Fatal().Err(err).Msg("erro ao conectar no MQTT")
	}
	defer mqttCli.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mqttCli.Subscribe(subscribeTopic, 1, handleMessage); err != nil {
		log.Fatal().Err(err).Str("topic", subscribeTopic).Msg("erro ao assinar tópico")
	}
	log.Info().Str("topic", subscribeTopic).Msg("subscribed")

	<-ctx.Done()
	log.Info().Msg("sinal recebido, encerrando subscriber...")
	time.Sleep(500 * time.Millisecond)
}

func handleMessage(topic string, payload []byte) {
	log := logging.Component("debug")

	var ev core.LiveEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("payload", string(payload)).Msg("payload não é um evento")
		return
	}

	e := log.Info().
		Str("topic", topic).
		Str("type", string(ev.Type)).
		Str("ip", ev.IP).
		Str("channel", ev.ChannelID).
		Time("ts", ev.Timestamp)
	if ev.LineID != nil {
		e = e.Int("line", *ev.LineID)
	}
	if ev.In != nil {
		e = e.Int("in", *ev.In)
	}
	if ev.Out != nil {
		e = e.Int("out", *ev.Out)
	}
	if ev.Faces != nil {
		e = e.Int("faces", *ev.Faces)
	}
	e.Msg("[EVENT]")
}
