// Package store define o contrato de persistência do cam-counter.
//
// Cada dono escreve só na sua parte: identity em DeviceStore, recorder em
// EventLog, aggregator em RollupStore. Os upserts são atômicos no próprio
// store (insert-or-update), nunca ler-e-depois-escrever no chamador.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate id")
)

type DeviceSummary struct {
	core.Device
	ChannelsTotal int `json:"channels_total"`
}

type DeviceStore interface {
	// TouchDevice insere o device se não existe ou só atualiza updated_at.
	TouchDevice(ctx context.Context, ip string, at time.Time) (core.Device, error)
	// EnsureChannel cria o canal com nome "Channel <n>"; se já existe não faz nada.
	EnsureChannel(ctx context.Context, deviceID string, no int, at time.Time) error
	// UpsertDevice é o cadastro explícito: sobrescreve nome, tipo e credenciais.
	// Credenciais vazias preservam as que já estão gravadas.
	UpsertDevice(ctx context.Context, reg core.DeviceRegistration, at time.Time) (core.Device, error)
	// UpsertChannelCapabilities atualiza features/capabilities; o nome só é
	// gravado quando o canal é criado. Zona nunca é tocada.
	UpsertChannelCapabilities(ctx context.Context, deviceID string, caps core.ChannelCapabilities, at time.Time) error
	// UpdateChannel aplica só os campos presentes no patch.
	UpdateChannel(ctx context.Context, deviceID string, no int, patch core.ChannelPatch, at time.Time) (core.Channel, error)

	DeviceByIP(ctx context.Context, ip string) (core.Device, error)
	Devices(ctx context.Context) ([]DeviceSummary, error)
	Channels(ctx context.Context, deviceID string) ([]core.Channel, error)
	ChannelsByZone(ctx context.Context, zone string) ([]core.ZoneChannel, error)
}

type EventLog interface {
	// InsertPeopleCounts grava as linhas de um payload; tudo ou nada.
	InsertPeopleCounts(ctx context.Context, evs []core.PeopleCountEvent) error
	InsertFaceEvent(ctx context.Context, ev core.FaceEvent) error
	InsertFaceAttribute(ctx context.Context, attr core.FaceAttribute) error
	// ScanEvents percorre o log inteiro em ordem de event_time.
	ScanEvents(ctx context.Context, fn func(core.LoggedEvent) error) error
}

// RollupQuery filtra buckets com From <= bucket_start < To (To zero = aberto).
type RollupQuery struct {
	Granularity core.Granularity
	DeviceID    string // vazio = todos
	From        time.Time
	To          time.Time
}

func (q RollupQuery) Match(b core.RollupBucket) bool {
	if b.Granularity != q.Granularity {
		return false
	}
	if q.DeviceID != "" && b.DeviceID != q.DeviceID {
		return false
	}
	if !q.From.IsZero() && b.BucketStart.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !b.BucketStart.Before(q.To) {
		return false
	}
	return true
}

type RollupStore interface {
	// AddRollups soma os contadores em cada bucket (insert-or-accumulate) e
	// guarda o maior last_event_at. É tudo ou nada: erro significa que
	// nenhum bucket mudou.
	AddRollups(ctx context.Context, keys []core.RollupKey, c core.Counters, lastEventAt time.Time) error
	DeleteRollups(ctx context.Context, deviceID string, channelNo int) error
	ClearRollups(ctx context.Context) error
	QueryRollups(ctx context.Context, q RollupQuery) ([]core.RollupBucket, error)
}

type Store interface {
	DeviceStore
	EventLog
	RollupStore
	Ping(ctx context.Context) error
	Close() error
}
