// Package aggregator mantém os rollups horários e diários a partir do log de
// eventos e responde as consultas do painel.
//
// É o único pacote que escreve rollups. Cada contribuição entra por
// RollupStore.AddRollups, que acumula de forma atômica no próprio store; não
// existe leitura-modifica-escrita aqui.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/store"
)

var ErrUnknownDevice = errors.New("camera not found")

// Directory é a parte de leitura do cadastro que as consultas precisam.
type Directory interface {
	DeviceByIP(ctx context.Context, ip string) (core.Device, error)
	Devices(ctx context.Context) ([]store.DeviceSummary, error)
	Channels(ctx context.Context, deviceID string) ([]core.Channel, error)
	ChannelsByZone(ctx context.Context, zone string) ([]core.ZoneChannel, error)
}

type Aggregator struct {
	rollups store.RollupStore
	dir     Directory
	cache   StatsCache
	now     func() time.Time
	log     zerolog.Logger
}

// New monta o agregador. cache nil usa um MemoryCache novo.
func New(rollups store.RollupStore, dir Directory, cache StatsCache) *Aggregator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Aggregator{
		rollups: rollups,
		dir:     dir,
		cache:   cache,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.Component("aggregator"),
	}
}

func (a *Aggregator) Cache() StatsCache { return a.cache }

func HourBucket(t time.Time) time.Time { return core.GranularityHour.Truncate(t) }
func DayBucket(t time.Time) time.Time  { return core.GranularityDay.Truncate(t) }

// Apply soma a contribuição no bucket da hora e no do dia, numa escrita só,
// depois atualiza o cache. Com erro nenhum dos dois buckets muda.
func (a *Aggregator) Apply(ctx context.Context, c Contribution) error {
	keys := make([]core.RollupKey, 0, 2)
	for _, g := range []core.Granularity{core.GranularityHour, core.GranularityDay} {
		keys = append(keys, core.RollupKey{
			Granularity: g,
			DeviceID:    c.DeviceID,
			ChannelNo:   c.ChannelNo,
			BucketStart: g.Truncate(c.EventTime),
		})
	}
	if err := a.rollups.AddRollups(ctx, keys, c.Counters, c.EventTime.UTC()); err != nil {
		return fmt.Errorf("add rollups: %w", err)
	}
	a.cache.Add(ChannelKey{c.DeviceID, c.ChannelNo}, DayBucket(c.EventTime), c.Counters, c.EventTime.UTC())
	return nil
}

// Reset apaga todos os rollups (hora e dia) de um canal. O log de eventos
// não é tocado.
func (a *Aggregator) Reset(ctx context.Context, ip string, channelNo int) error {
	dev, err := a.dir.DeviceByIP(ctx, ip)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("lookup device %s: %w", ip, err)
	}
	if err := a.rollups.DeleteRollups(ctx, dev.ID, channelNo); err != nil {
		return fmt.Errorf("delete rollups %s/%d: %w", ip, channelNo, err)
	}
	a.cache.Delete(ChannelKey{dev.ID, channelNo})

	a.log.Warn().Str("ip", ip).Int("channel", channelNo).Msg("channel counters reset")
	return nil
}

// Reconcile recarrega do rollup diário durável a entrada de cache do canal.
func (a *Aggregator) Reconcile(ctx context.Context, key ChannelKey) error {
	today := DayBucket(a.now())
	buckets, err := a.rollups.QueryRollups(ctx, store.RollupQuery{
		Granularity: core.GranularityDay,
		DeviceID:    key.DeviceID,
		From:        today,
		To:          today.Add(24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("query rollups: %w", err)
	}
	entry := CachedStats{ChannelKey: key, Day: today}
	for _, b := range buckets {
		if b.ChannelNo != key.ChannelNo {
			continue
		}
		entry.Counters.Add(b.Counters)
		if b.LastEventAt.After(entry.LastEventAt) {
			entry.LastEventAt = b.LastEventAt
		}
	}
	a.cache.Set(entry)
	return nil
}

// Warm reconcilia no cache todos os canais com rollup diário de hoje.
// Roda na subida do processo; devolve quantos canais foram carregados.
func (a *Aggregator) Warm(ctx context.Context) (int, error) {
	today := DayBucket(a.now())
	buckets, err := a.rollups.QueryRollups(ctx, store.RollupQuery{
		Granularity: core.GranularityDay,
		From:        today,
		To:          today.Add(24 * time.Hour),
	})
	if err != nil {
		return 0, fmt.Errorf("query rollups: %w", err)
	}
	seen := make(map[ChannelKey]bool)
	for _, b := range buckets {
		key := ChannelKey{b.DeviceID, b.ChannelNo}
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := a.Reconcile(ctx, key); err != nil {
			return len(seen) - 1, err
		}
	}
	return len(seen), nil
}

type ReplayResult struct {
	PeopleEvents int `json:"people_events"`
	FaceEvents   int `json:"face_events"`
}

// Replay apaga todos os rollups e reaplica o log inteiro. Deve rodar sem
// ingestão concorrente.
func (a *Aggregator) Replay(ctx context.Context, events store.EventLog) (ReplayResult, error) {
	var res ReplayResult
	if err := a.rollups.ClearRollups(ctx); err != nil {
		return res, fmt.Errorf("clear rollups: %w", err)
	}
	a.cache.Clear()

	err := events.ScanEvents(ctx, func(ev core.LoggedEvent) error {
		switch {
		case ev.People != nil:
			res.PeopleEvents++
			return a.Apply(ctx, PeopleContribution(*ev.People))
		case ev.Face != nil:
			res.FaceEvents++
			return a.Apply(ctx, FaceContribution(*ev.Face, ev.Attributes))
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("replay: %w", err)
	}

	a.log.Info().
		Int("people_events", res.PeopleEvents).
		Int("face_events", res.FaceEvents).
		Msg("rollups rebuilt from event log")
	return res, nil
}
