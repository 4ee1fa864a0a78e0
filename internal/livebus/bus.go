// Package livebus distribui as notificações de evento para os assinantes ao
// vivo (SSE, WebSocket, ponte MQTT).
//
// Publish nunca bloqueia: se o buffer de um assinante está cheio o evento é
// descartado só para ele e contado. Cada assinante recebe os eventos na ordem
// em que foram publicados. Não há replay para quem conecta depois.
package livebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/metrics"
)

var (
	ErrBusClosed          = errors.New("live bus is closed")
	ErrTooManySubscribers = errors.New("too many live subscribers")
)

const DefaultBuffer = 32

type Stats struct {
	Subscribers    int    `json:"subscribers"`
	TotalPublished uint64 `json:"total_published"`
	TotalSent      uint64 `json:"total_sent"`
	TotalDropped   uint64 `json:"total_dropped"`
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	max         int
	nextID      uint64
	closed      bool

	totalPublished atomic.Uint64
	totalSent      atomic.Uint64
	totalDropped   atomic.Uint64

	log zerolog.Logger
}

// Subscription é o handle devolvido por Subscribe. Close desregistra.
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan core.LiveEvent
	once    sync.Once
	dropped atomic.Uint64
}

// New cria o bus. maxSubscribers <= 0 significa sem limite.
func New(maxSubscribers int) *Bus {
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		max:         maxSubscribers,
		log:         logging.Component("livebus"),
	}
}

func (b *Bus) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.max > 0 && len(b.subscribers) >= b.max {
		return nil, ErrTooManySubscribers
	}

	b.nextID++
	s := &Subscription{id: b.nextID, bus: b, ch: make(chan core.LiveEvent, buffer)}
	b.subscribers[s.id] = s
	metrics.LiveSubscribers.Set(float64(len(b.subscribers)))
	b.log.Debug().Uint64("subscriber", s.id).Int("total", len(b.subscribers)).Msg("subscriber attached")
	return s, nil
}

// Publish entrega o evento a todos os assinantes sem bloquear.
func (b *Bus) Publish(ev core.LiveEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for _, s := range b.subscribers {
		select {
		case s.ch <- ev:
			b.totalSent.Add(1)
		default:
			s.dropped.Add(1)
			b.totalDropped.Add(1)
			metrics.LiveDropped.Inc()
		}
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()
	return Stats{
		Subscribers:    n,
		TotalPublished: b.totalPublished.Load(),
		TotalSent:      b.totalSent.Load(),
		TotalDropped:   b.totalDropped.Load(),
	}
}

// Close fecha o bus e os canais de todos os assinantes.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	for id, s := range b.subscribers {
		delete(b.subscribers, id)
		s.once.Do(func() { close(s.ch) })
	}
	metrics.LiveSubscribers.Set(0)
	return nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[s.id]; ok {
		delete(b.subscribers, s.id)
		metrics.LiveSubscribers.Set(float64(len(b.subscribers)))
	}
	s.once.Do(func() { close(s.ch) })
}

// C é o canal de leitura; fechado quando a assinatura ou o bus fecham.
func (s *Subscription) C() <-chan core.LiveEvent { return s.ch }

// Dropped conta os eventos perdidos por buffer cheio.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close é idempotente.
func (s *Subscription) Close() {
	s.bus.remove(s)
}
