package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/cam-counter/internal/livebus"
	"github.com/sua-org/cam-counter/internal/logging"
)

// LiveStats é o que o status lê do livebus.
type LiveStats interface {
	Stats() livebus.Stats
}

// ChannelCounter conta os canais com estatística em cache.
type ChannelCounter interface {
	Len() int
}

type CollectorStatus struct {
	Collector       string  `json:"collector"`
	Status          string  `json:"status"`
	Timestamp       string  `json:"timestamp"`
	Hostname        string  `json:"hostname"`
	Channels        int     `json:"channels"`
	LiveSubscribers int     `json:"live_subscribers"`
	LiveDropped     uint64  `json:"live_dropped"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryRSSBytes  uint64  `json:"memory_rss_bytes"`
}

// StatusPublisher publica periodicamente, retido, o status do coletor em
// <base>/collector/status.
type StatusPublisher struct {
	pub      Publisher
	topic    string
	interval time.Duration
	live     LiveStats
	channels ChannelCounter
	proc     *process.Process
	hostname string
	log      zerolog.Logger
}

func NewStatusPublisher(pub Publisher, baseTopic string, interval time.Duration, live LiveStats, channels ChannelCounter) *StatusPublisher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	hostname, _ := os.Hostname()
	s := &StatusPublisher{
		pub:      pub,
		topic:    strings.TrimSuffix(baseTopic, "/") + "/collector/status",
		interval: interval,
		live:     live,
		channels: channels,
		hostname: hostname,
		log:      logging.Component("supervisor"),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

func (s *StatusPublisher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.publish(time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			s.publish(t)
		}
	}
}

func (s *StatusPublisher) publish(now time.Time) {
	b, err := json.Marshal(s.Snapshot(now))
	if err != nil {
		s.log.Error().Err(err).Msg("marshal collector status")
		return
	}
	if err := s.pub.Publish(s.topic, 1, true, b); err != nil {
		s.log.Warn().Err(err).Str("topic", s.topic).Msg("publish collector status")
	}
}

// Snapshot lê as métricas do processo e do live naquele instante.
func (s *StatusPublisher) Snapshot(now time.Time) CollectorStatus {
	st := CollectorStatus{
		Collector: "cam-counter",
		Status:    "online",
		Timestamp: now.UTC().Format(time.RFC3339),
		Hostname:  s.hostname,
	}
	if s.channels != nil {
		st.Channels = s.channels.Len()
	}
	if s.live != nil {
		ls := s.live.Stats()
		st.LiveSubscribers = ls.Subscribers
		st.LiveDropped = ls.TotalDropped
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil {
			st.MemoryRSSBytes = mem.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			st.MemoryPercent = float64(memP)
		}
	}
	return st
}

func (s *StatusPublisher) String() string {
	return fmt.Sprintf("status-publisher(%s)", s.topic)
}
