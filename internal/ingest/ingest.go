// Package ingest orquestra um callback de device: normaliza, resolve a
// identidade, grava no log, agrega e publica no live.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/aggregator"
	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/identity"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/metrics"
	"github.com/sua-org/cam-counter/internal/normalize"
	"github.com/sua-org/cam-counter/internal/recorder"
)

type Outcome string

const (
	OutcomeRecorded Outcome = "recorded"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeFailed   Outcome = "failed"
)

// Publisher é o lado de publicação do livebus.
type Publisher interface {
	Publish(ev core.LiveEvent)
}

// Request é um callback já lido do HTTP.
type Request struct {
	Body  []byte
	Hints normalize.Hints
}

type Service struct {
	resolver *identity.Resolver
	recorder *recorder.Recorder
	live     Publisher
	now      func() time.Time
	log      zerolog.Logger
}

func New(resolver *identity.Resolver, rec *recorder.Recorder, live Publisher) *Service {
	return &Service{
		resolver: resolver,
		recorder: rec,
		live:     live,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component("ingest"),
	}
}

// HandlePeopleCount trata POST /PeopleCount/LineRuleData. Erro só em
// falha de identidade ou de gravação; payload inválido é OutcomeIgnored.
func (s *Service) HandlePeopleCount(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	kind := core.EventKindPeopleCount
	defer observe(kind, start)

	payload, ok := normalize.ParsePayload(req.Body)
	if !ok {
		return s.ignored(kind, "unparseable payload"), nil
	}
	raw, ok := normalize.PeopleCount(payload, s.request(req))
	if !ok {
		return s.ignored(kind, "no LineRuleDataList"), nil
	}

	ref, err := s.resolver.Resolve(ctx, raw.IP, raw.ChannelNo)
	if err != nil {
		return s.failed(kind, "identity", raw, err)
	}

	rows, err := s.recorder.RecordPeopleCount(ctx, ref, raw)
	if err != nil {
		return s.failed(kind, "record", raw, err)
	}
	for _, ev := range normalize.LiveEvents(raw) {
		s.publish(ev)
	}

	metrics.IngestRequests.WithLabelValues(string(kind), string(OutcomeRecorded)).Inc()
	s.log.Debug().Str("ip", raw.IP).Int("channel", raw.ChannelNo).Int("lines", len(rows)).Msg("people count recorded")
	return OutcomeRecorded, nil
}

// HandleFaceDetection trata POST .../Notification/Structure.
func (s *Service) HandleFaceDetection(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	kind := core.EventKindFaceDetection
	defer observe(kind, start)

	payload, ok := normalize.ParsePayload(req.Body)
	if !ok {
		return s.ignored(kind, "unparseable payload"), nil
	}
	raw, ok := normalize.FaceDetection(payload, s.request(req))
	if !ok {
		return s.ignored(kind, "payload is not an object"), nil
	}

	ref, err := s.resolver.Resolve(ctx, raw.IP, raw.ChannelNo)
	if err != nil {
		return s.failed(kind, "identity", raw, err)
	}
	ev, attrs, err := s.recorder.RecordFaceDetection(ctx, ref, raw)
	if err != nil {
		return s.failed(kind, "record", raw, err)
	}
	for _, le := range normalize.LiveEvents(raw) {
		s.publish(le)
	}

	metrics.IngestRequests.WithLabelValues(string(kind), string(OutcomeRecorded)).Inc()
	s.log.Debug().Str("ip", raw.IP).Int("channel", raw.ChannelNo).
		Str("event_id", ev.ID).Int("faces", ev.FacesDetected).Int("attributes", len(attrs)).
		Msg("face detection recorded")
	return OutcomeRecorded, nil
}

// HandleAlarm só confirma o recebimento.
func (s *Service) HandleAlarm(_ context.Context, req Request) Outcome {
	if _, ok := normalize.ParsePayload(req.Body); !ok {
		s.log.Debug().Int("bytes", len(req.Body)).Msg("alarm payload not parseable")
	}
	metrics.IngestRequests.WithLabelValues("alarm", string(OutcomeIgnored)).Inc()
	return OutcomeIgnored
}

func (s *Service) request(req Request) normalize.Request {
	return normalize.Request{Hints: req.Hints, Raw: req.Body, Now: s.now()}
}

func (s *Service) publish(ev core.LiveEvent) {
	if s.live != nil {
		s.live.Publish(ev)
	}
}

func (s *Service) ignored(kind core.EventKind, reason string) Outcome {
	metrics.IngestRequests.WithLabelValues(string(kind), string(OutcomeIgnored)).Inc()
	s.log.Debug().Str("kind", string(kind)).Str("reason", reason).Msg("payload ignored")
	return OutcomeIgnored
}

func (s *Service) failed(kind core.EventKind, stage string, raw *core.RawEvent, err error) (Outcome, error) {
	metrics.IngestRequests.WithLabelValues(string(kind), string(OutcomeFailed)).Inc()
	metrics.IngestFailures.WithLabelValues(string(kind), stage).Inc()
	s.log.Error().Err(err).
		Str("kind", string(kind)).
		Str("stage", stage).
		Str("ip", raw.IP).
		Int("channel", raw.ChannelNo).
		Msg("ingest failed")
	return OutcomeFailed, fmt.Errorf("%s %s: %w", kind, stage, err)
}

func observe(kind core.EventKind, start time.Time) {
	metrics.IngestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}

// RollupSink liga o recorder ao agregador: cada linha confirmada vira uma
// contribuição nos buckets. Falha aqui não derruba a requisição, o evento
// já está no log e um replay reconstrói os rollups.
type RollupSink struct {
	agg *aggregator.Aggregator
	log zerolog.Logger
}

func NewRollupSink(agg *aggregator.Aggregator) *RollupSink {
	return &RollupSink{agg: agg, log: logging.Component("ingest")}
}

var _ recorder.Sink = (*RollupSink)(nil)

func (r *RollupSink) PeopleCounted(ctx context.Context, ref core.ChannelRef, ev core.PeopleCountEvent) {
	r.apply(ctx, core.EventKindPeopleCount, ref, ev.ID, aggregator.PeopleContribution(ev))
}

func (r *RollupSink) FacesDetected(ctx context.Context, ref core.ChannelRef, ev core.FaceEvent, attrs []core.FaceAttribute) {
	r.apply(ctx, core.EventKindFaceDetection, ref, ev.ID, aggregator.FaceContribution(ev, attrs))
}

func (r *RollupSink) apply(ctx context.Context, kind core.EventKind, ref core.ChannelRef, id string, c aggregator.Contribution) {
	if err := r.agg.Apply(ctx, c); err != nil {
		metrics.IngestFailures.WithLabelValues(string(kind), "rollup").Inc()
		r.log.Error().Err(err).
			Str("ip", ref.IP).
			Int("channel", ref.ChannelNo).
			Str("event_id", id).
			Msg("rollup update failed")
	}
}
