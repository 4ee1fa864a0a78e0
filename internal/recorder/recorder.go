// Package recorder grava os eventos normalizados no log append-only.
//
// Linha principal que falha aborta a requisição. Atributos de rosto são
// gravados um a um depois que o evento pai foi confirmado; falha em um deles
// é registrada e não afeta os outros nem o pai.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/metrics"
	"github.com/sua-org/cam-counter/internal/store"
)

// Sink recebe cada evento já confirmado no log (agregador + live).
type Sink interface {
	PeopleCounted(ctx context.Context, ref core.ChannelRef, ev core.PeopleCountEvent)
	FacesDetected(ctx context.Context, ref core.ChannelRef, ev core.FaceEvent, attrs []core.FaceAttribute)
}

// Archive guarda o corpo bruto da requisição fora do banco.
type Archive interface {
	ArchivePayload(ctx context.Context, key string, payload []byte) error
}

const archiveTimeout = 10 * time.Second

type Recorder struct {
	events  store.EventLog
	sink    Sink
	archive Archive
	newID   func() string
	log     zerolog.Logger
}

type Option func(*Recorder)

func WithArchive(a Archive) Option {
	return func(r *Recorder) { r.archive = a }
}

func New(events store.EventLog, sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		events: events,
		sink:   sink,
		newID:  uuid.NewString,
		log:    logging.Component("recorder"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RecordPeopleCount grava uma linha por linha de contagem do payload, todas
// na mesma escrita: um retry do device nunca encontra metade gravada.
func (r *Recorder) RecordPeopleCount(ctx context.Context, ref core.ChannelRef, raw *core.RawEvent) ([]core.PeopleCountEvent, error) {
	out := make([]core.PeopleCountEvent, 0, len(raw.Lines))
	for _, line := range raw.Lines {
		out = append(out, core.PeopleCountEvent{
			ID:         r.newID(),
			DeviceID:   ref.DeviceID,
			ChannelNo:  ref.ChannelNo,
			LineID:     line.LineID,
			In:         line.In,
			Out:        line.Out,
			EventTime:  raw.EventTime,
			RawPayload: raw.Payload,
		})
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := r.events.InsertPeopleCounts(ctx, out); err != nil {
		return nil, fmt.Errorf("insert people-count events: %w", err)
	}
	metrics.EventsRecorded.WithLabelValues(string(core.EventKindPeopleCount)).Add(float64(len(out)))

	// evento confirmado precisa chegar no rollup mesmo se o cliente caiu
	if r.sink != nil {
		for _, ev := range out {
			r.sink.PeopleCounted(context.WithoutCancel(ctx), ref, ev)
		}
	}
	r.archivePayload(ctx, ref, core.EventKindPeopleCount, out[0].ID, raw)
	return out, nil
}

// RecordFaceDetection grava o evento pai e depois os atributos por rosto.
func (r *Recorder) RecordFaceDetection(ctx context.Context, ref core.ChannelRef, raw *core.RawEvent) (core.FaceEvent, []core.FaceAttribute, error) {
	ev := core.FaceEvent{
		ID:            r.newID(),
		DeviceID:      ref.DeviceID,
		ChannelNo:     ref.ChannelNo,
		EventTime:     raw.EventTime,
		FacesDetected: len(raw.Faces),
		RawPayload:    raw.Payload,
	}
	if err := r.events.InsertFaceEvent(ctx, ev); err != nil {
		return core.FaceEvent{}, nil, fmt.Errorf("insert face event: %w", err)
	}
	metrics.EventsRecorded.WithLabelValues(string(core.EventKindFaceDetection)).Inc()

	attrs := make([]core.FaceAttribute, 0, len(raw.Faces))
	for i, face := range raw.Faces {
		if err := ctx.Err(); err != nil {
			r.log.Warn().
				Str("event_id", ev.ID).
				Int("abandoned", len(raw.Faces)-i).
				Msg("request cancelled, skipping remaining face attributes")
			break
		}
		attr := core.FaceAttribute{ID: r.newID(), FaceEventID: ev.ID, FaceObservation: face}
		if err := r.events.InsertFaceAttribute(ctx, attr); err != nil {
			metrics.FaceAttributeFailures.Inc()
			r.log.Error().Err(err).
				Str("event_id", ev.ID).
				Int("face", i).
				Msg("face attribute insert failed")
			continue
		}
		attrs = append(attrs, attr)
	}

	if r.sink != nil {
		r.sink.FacesDetected(context.WithoutCancel(ctx), ref, ev, attrs)
	}
	r.archivePayload(ctx, ref, core.EventKindFaceDetection, ev.ID, raw)
	return ev, attrs, nil
}

// ArchiveKey monta <kind>/<ip>/<yyyy-mm-dd>/<id>.json.
func ArchiveKey(kind core.EventKind, ip string, at time.Time, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", kind, ip, at.UTC().Format("2006-01-02"), id)
}

func (r *Recorder) archivePayload(ctx context.Context, ref core.ChannelRef, kind core.EventKind, id string, raw *core.RawEvent) {
	if r.archive == nil || len(raw.Payload) == 0 {
		return
	}
	key := ArchiveKey(kind, ref.IP, raw.EventTime, id)
	payload := raw.Payload

	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := r.archive.ArchivePayload(actx, key, payload); err != nil {
			metrics.IngestFailures.WithLabelValues(string(kind), "archive").Inc()
			r.log.Warn().Err(err).Str("key", key).Msg("payload archive failed")
		}
	}()
}
