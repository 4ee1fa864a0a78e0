// Package api expõe o HTTP do cam-counter: callbacks dos devices, stream
// ao vivo, consultas do painel e endpoints administrativos.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/aggregator"
	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/identity"
	"github.com/sua-org/cam-counter/internal/ingest"
	"github.com/sua-org/cam-counter/internal/lapi"
	"github.com/sua-org/cam-counter/internal/livebus"
	"github.com/sua-org/cam-counter/internal/logging"
)

// Pinger é o que o /healthz consulta.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Config     *config.Config
	Ingest     *ingest.Service
	Aggregator *aggregator.Aggregator
	Identity   *identity.Resolver
	Live       *livebus.Bus
	Dialer     *lapi.Dialer
	Health     Pinger
}

type Server struct {
	cfg      *config.Config
	ingest   *ingest.Service
	agg      *aggregator.Aggregator
	identity *identity.Resolver
	live     *livebus.Bus
	dialer   *lapi.Dialer
	health   Pinger

	mw       *ChiMiddleware
	validate *validator.Validate
	log      zerolog.Logger
}

func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		ingest:   d.Ingest,
		agg:      d.Aggregator,
		identity: d.Identity,
		live:     d.Live,
		dialer:   d.Dialer,
		health:   d.Health,
		mw:       NewChiMiddleware(d.Config.Server),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.Component("api"),
	}
}

// Handler monta o router chi.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(s.mw.CORS())

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// devices: sem rate limit, sempre {"ResponseCode":0}
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.cfg.Server.RequestTimeout))
		r.Use(limitBody(s.cfg.Server.MaxBodyBytes))

		r.Post("/PeopleCount/LineRuleData", s.device(s.ingest.HandlePeopleCount))
		r.Post("/LAPI/V1.0/System/Event/Notification/Structure", s.device(s.ingest.HandleFaceDetection))
		r.Post("/LAPI/V1.0/System/Event/Notification/Alarm", s.handleAlarm)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)

		r.Group(func(r chi.Router) {
			r.Use(s.mw.RateLimit())
			r.Use(chimiddleware.Timeout(s.cfg.Server.RequestTimeout))

			r.Get("/camera/stats", s.handleCameraStats)
			r.Get("/camera/timeseries", s.handleTimeseries)
			r.Get("/camera/live", s.handleLive)
			r.Get("/camera/detail", s.handleCameraDetail)
			r.Get("/camera/list", s.handleCameraList)
			r.Get("/zone/channels", s.handleZoneChannels)
			r.Get("/overview", s.handleOverview)
		})

		// connect fala com o device; o limite vem do timeout do lapi
		r.Group(func(r chi.Router) {
			r.Use(s.mw.RateLimit())
			r.Use(requireAdmin(s.cfg.Security.AdminToken))
			r.Use(limitBody(s.cfg.Server.MaxBodyBytes))

			r.Patch("/camera/channel", s.handleUpdateChannel)
			r.Post("/camera/people-count/reset", s.handleResetChannel)
			r.Post("/device/register", s.handleRegisterDevice)
			r.Post("/camera/connect", s.handleConnectCamera)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "Store unavailable.")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "live": s.live.Stats()})
}

// internalError loga e responde 500 sem expor detalhes.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).
		Str("request_id", chimiddleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, "Internal error.")
}
