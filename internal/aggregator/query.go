package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/store"
)

const (
	DefaultSeriesHours = 24
	MaxSeriesHours     = 168
)

// Scope escolhe o recorte da consulta: um IP, uma zona, ou tudo quando os
// dois estão vazios.
type Scope struct {
	IP   string
	Zone string
}

type GenderMix struct {
	Male    int64 `json:"male"`
	Female  int64 `json:"female"`
	Unknown int64 `json:"unknown"`
}

type AgeMix struct {
	Avg        *float64 `json:"avg"`
	Child      int64    `json:"child"`
	Teen       int64    `json:"teen"`
	YoungAdult int64    `json:"youngAdult"`
	MiddleAge  int64    `json:"middleAge"`
	Senior     int64    `json:"senior"`
	Unknown    int64    `json:"unknown"`
}

type GlassesMix struct {
	Yes     int64 `json:"yes"`
	No      int64 `json:"no"`
	Unknown int64 `json:"unknown"`
}

// Stats é o formato que o painel consome, com os derivados já calculados.
type Stats struct {
	PeopleIn      int64      `json:"peopleIn"`
	PeopleOut     int64      `json:"peopleOut"`
	Occupancy     int64      `json:"occupancy"`
	FaceEvents    int64      `json:"faceEvents"`
	FacesDetected int64      `json:"facesDetected"`
	Gender        GenderMix  `json:"gender"`
	Age           AgeMix     `json:"age"`
	Glasses       GlassesMix `json:"glasses"`
	LastEventAt   *time.Time `json:"lastEventAt"`
}

func StatsFrom(c core.Counters, last time.Time) Stats {
	s := Stats{
		PeopleIn:      c.PeopleIn,
		PeopleOut:     c.PeopleOut,
		Occupancy:     Occupancy(c.PeopleIn, c.PeopleOut),
		FaceEvents:    c.FaceEvents,
		FacesDetected: c.FacesTotal,
		Gender:        GenderMix{Male: c.Male, Female: c.Female, Unknown: c.GenderUnknown},
		Age: AgeMix{
			Avg:        MeanAge(c),
			Child:      c.AgeChild,
			Teen:       c.AgeTeen,
			YoungAdult: c.AgeYoungAdult,
			MiddleAge:  c.AgeMiddleAge,
			Senior:     c.AgeSenior,
			Unknown:    c.AgeUnknown,
		},
		Glasses: GlassesMix{Yes: c.GlassesYes, No: c.GlassesNo, Unknown: c.GlassesUnknown},
	}
	if !last.IsZero() {
		t := last.UTC()
		s.LastEventAt = &t
	}
	return s
}

type ChannelSummary struct {
	IP        string  `json:"ip"`
	ChannelID string  `json:"channelId"`
	Name      *string `json:"name"`
	Zone      *string `json:"zone"`
	Stats     Stats   `json:"stats"`
}

type Summary struct {
	Totals   Stats            `json:"totals"`
	Channels []ChannelSummary `json:"channels"`
}

type acc struct {
	counters core.Counters
	last     time.Time
}

func (x *acc) add(c core.Counters, last time.Time) {
	x.counters.Add(c)
	if last.After(x.last) {
		x.last = last
	}
}

// DayRange devolve [from, to) para o dia pedido, ou [hoje, aberto) quando
// day é nil. Sempre em UTC.
func DayRange(day *time.Time, now time.Time) (time.Time, time.Time) {
	if day == nil {
		return DayBucket(now), time.Time{}
	}
	from := DayBucket(*day)
	return from, from.Add(24 * time.Hour)
}

type scopedChannel struct {
	ip string
	ch core.Channel
}

// Summary soma os rollups diários do recorte, por canal e no total.
func (a *Aggregator) Summary(ctx context.Context, scope Scope, day *time.Time) (Summary, error) {
	out := Summary{Channels: []ChannelSummary{}}

	chans, deviceIDs, err := a.scopeChannels(ctx, scope)
	if err != nil {
		return out, err
	}
	if len(chans) == 0 {
		out.Totals = StatsFrom(core.Counters{}, time.Time{})
		return out, nil
	}

	from, to := DayRange(day, a.now())
	var buckets []core.RollupBucket
	if scope.IP == "" && scope.Zone == "" {
		buckets, err = a.rollups.QueryRollups(ctx, store.RollupQuery{Granularity: core.GranularityDay, From: from, To: to})
		if err != nil {
			return out, fmt.Errorf("query rollups: %w", err)
		}
	} else {
		for _, id := range deviceIDs {
			bs, err := a.rollups.QueryRollups(ctx, store.RollupQuery{Granularity: core.GranularityDay, DeviceID: id, From: from, To: to})
			if err != nil {
				return out, fmt.Errorf("query rollups: %w", err)
			}
			buckets = append(buckets, bs...)
		}
	}

	per := make(map[ChannelKey]*acc)
	for _, b := range buckets {
		k := ChannelKey{b.DeviceID, b.ChannelNo}
		x, ok := per[k]
		if !ok {
			x = &acc{}
			per[k] = x
		}
		x.add(b.Counters, b.LastEventAt)
	}

	var total acc
	for _, sc := range chans {
		x := per[ChannelKey{sc.ch.DeviceID, sc.ch.No}]
		if x == nil {
			x = &acc{}
		}
		total.add(x.counters, x.last)
		out.Channels = append(out.Channels, ChannelSummary{
			IP:        sc.ip,
			ChannelID: strconv.Itoa(sc.ch.No),
			Name:      sc.ch.Name,
			Zone:      sc.ch.Zone,
			Stats:     StatsFrom(x.counters, x.last),
		})
	}
	out.Totals = StatsFrom(total.counters, total.last)
	return out, nil
}

func (a *Aggregator) scopeChannels(ctx context.Context, scope Scope) ([]scopedChannel, []string, error) {
	var out []scopedChannel
	switch {
	case scope.IP != "":
		dev, err := a.dir.DeviceByIP(ctx, scope.IP)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("lookup device %s: %w", scope.IP, err)
		}
		chs, err := a.dir.Channels(ctx, dev.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list channels: %w", err)
		}
		for _, ch := range chs {
			out = append(out, scopedChannel{ip: dev.IP, ch: ch})
		}
		return out, []string{dev.ID}, nil

	case scope.Zone != "":
		zcs, err := a.dir.ChannelsByZone(ctx, scope.Zone)
		if err != nil {
			return nil, nil, fmt.Errorf("list zone channels: %w", err)
		}
		seen := make(map[string]bool)
		var ids []string
		for _, zc := range zcs {
			out = append(out, scopedChannel{ip: zc.IP, ch: zc.Channel})
			if !seen[zc.DeviceID] {
				seen[zc.DeviceID] = true
				ids = append(ids, zc.DeviceID)
			}
		}
		return out, ids, nil

	default:
		devs, err := a.dir.Devices(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list devices: %w", err)
		}
		sort.Slice(devs, func(i, j int) bool { return devs[i].IP < devs[j].IP })
		ids := make([]string, 0, len(devs))
		for _, d := range devs {
			chs, err := a.dir.Channels(ctx, d.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("list channels: %w", err)
			}
			for _, ch := range chs {
				out = append(out, scopedChannel{ip: d.IP, ch: ch})
			}
			ids = append(ids, d.ID)
		}
		return out, ids, nil
	}
}

type SeriesPoint struct {
	T         time.Time `json:"t"`
	PeopleIn  int64     `json:"peopleIn"`
	PeopleOut int64     `json:"peopleOut"`
	Faces     int64     `json:"faces"`
}

// ClampHours aplica o padrão de 24h e o teto de uma semana.
func ClampHours(hours int) int {
	if hours <= 0 {
		return DefaultSeriesHours
	}
	if hours > MaxSeriesHours {
		return MaxSeriesHours
	}
	return hours
}

// Timeseries devolve pontos horários somando todos os canais da câmera.
// Com day, a janela termina no fim daquele dia; sem day, começa em
// agora - hours.
func (a *Aggregator) Timeseries(ctx context.Context, ip string, hours int, day *time.Time) ([]SeriesPoint, error) {
	points := []SeriesPoint{}
	dev, err := a.dir.DeviceByIP(ctx, ip)
	if errors.Is(err, store.ErrNotFound) {
		return points, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device %s: %w", ip, err)
	}

	span := time.Duration(ClampHours(hours)) * time.Hour
	q := store.RollupQuery{Granularity: core.GranularityHour, DeviceID: dev.ID}
	if day != nil {
		q.To = DayBucket(*day).Add(24 * time.Hour)
		q.From = q.To.Add(-span)
	} else {
		q.From = a.now().Add(-span)
	}

	buckets, err := a.rollups.QueryRollups(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	byHour := make(map[int64]*SeriesPoint)
	for _, b := range buckets {
		k := b.BucketStart.Unix()
		p, ok := byHour[k]
		if !ok {
			p = &SeriesPoint{T: b.BucketStart.UTC()}
			byHour[k] = p
		}
		p.PeopleIn += b.PeopleIn
		p.PeopleOut += b.PeopleOut
		p.Faces += b.FacesTotal
	}
	for _, p := range byHour {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].T.Before(points[j].T) })
	return points, nil
}

type LiveChannel struct {
	ChannelID string `json:"channelId"`
	Stats     Stats  `json:"stats"`
}

// Live lê o cache em memória: só entradas do dia corrente.
func (a *Aggregator) Live(ctx context.Context, ip string) ([]LiveChannel, error) {
	out := []LiveChannel{}
	dev, err := a.dir.DeviceByIP(ctx, ip)
	if errors.Is(err, store.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device %s: %w", ip, err)
	}
	today := DayBucket(a.now())
	for _, e := range a.cache.Device(dev.ID) {
		if !e.Day.Equal(today) {
			continue
		}
		out = append(out, LiveChannel{
			ChannelID: strconv.Itoa(e.ChannelNo),
			Stats:     StatsFrom(e.Counters, e.LastEventAt),
		})
	}
	return out, nil
}
