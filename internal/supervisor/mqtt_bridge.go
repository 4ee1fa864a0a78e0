package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/livebus"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/metrics"
)

// Publisher é o lado de publicação do cliente MQTT.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// EventTopic monta <base>/<ip>/<channelId>/<type>/events.
func EventTopic(base string, ev core.LiveEvent) string {
	return fmt.Sprintf("%s/%s/%s/%s/events", strings.TrimSuffix(base, "/"), ev.IP, ev.ChannelID, ev.Type)
}

// MQTTBridge assina o livebus e republica cada evento no broker com QoS 1.
// Falha de publish é logada e o evento é descartado.
type MQTTBridge struct {
	bus       *livebus.Bus
	pub       Publisher
	baseTopic string
	buffer    int
	log       zerolog.Logger
}

func NewMQTTBridge(bus *livebus.Bus, pub Publisher, baseTopic string, buffer int) *MQTTBridge {
	if buffer <= 0 {
		buffer = livebus.DefaultBuffer
	}
	return &MQTTBridge{
		bus:       bus,
		pub:       pub,
		baseTopic: baseTopic,
		buffer:    buffer,
		log:       logging.Component("mqtt"),
	}
}

func (b *MQTTBridge) Serve(ctx context.Context) error {
	sub, err := b.bus.Subscribe(b.buffer)
	if errors.Is(err, livebus.ErrBusClosed) {
		return suture.ErrDoNotRestart
	}
	if err != nil {
		return fmt.Errorf("subscribe live bus: %w", err)
	}
	defer sub.Close()

	b.log.Info().Str("base_topic", b.baseTopic).Msg("mqtt bridge started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return suture.ErrDoNotRestart
			}
			b.forward(ev)
		}
	}
}

func (b *MQTTBridge) forward(ev core.LiveEvent) {
	topic := EventTopic(b.baseTopic, ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("encode live event")
		return
	}
	if err := b.pub.Publish(topic, 1, false, payload); err != nil {
		metrics.MQTTPublishErrors.Inc()
		b.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

func (b *MQTTBridge) String() string {
	return "mqtt-bridge"
}
