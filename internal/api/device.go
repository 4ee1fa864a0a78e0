package api

import (
	"context"
	"io"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sua-org/cam-counter/internal/ingest"
	"github.com/sua-org/cam-counter/internal/normalize"
)

// HintsFromRequest junta as pistas de identidade do device que vêm no HTTP.
// O canal vem de ?channel=, com ?channelId= como alternativa.
func HintsFromRequest(r *http.Request) normalize.Hints {
	q := r.URL.Query()
	channel := q.Get("channel")
	if strings.TrimSpace(channel) == "" {
		channel = q.Get("channelId")
	}
	return normalize.Hints{
		QueryIP:      q.Get("ip"),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
		QueryChannel: channel,
	}
}

type ingestFunc func(ctx context.Context, req ingest.Request) (ingest.Outcome, error)

// device adapta um handler de ingest. Payload ruim é 200; falha de
// identidade ou de gravação é 500, sempre com o mesmo corpo.
func (s *Server) device(handle ingestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readDeviceBody(r)
		if !ok {
			writeAck(w, http.StatusOK)
			return
		}

		if _, err := handle(r.Context(), ingest.Request{Body: body, Hints: HintsFromRequest(r)}); err != nil {
			writeAck(w, http.StatusInternalServerError)
			return
		}
		writeAck(w, http.StatusOK)
	}
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	if body, ok := s.readDeviceBody(r); ok {
		s.ingest.HandleAlarm(r.Context(), ingest.Request{Body: body, Hints: HintsFromRequest(r)})
	}
	writeAck(w, http.StatusOK)
}

// readDeviceBody lê o corpo inteiro; falha de leitura só é logada, o device
// recebe o ack de qualquer forma.
func (s *Server) readDeviceBody(r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Warn().Err(err).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("device body not readable")
		return nil, false
	}
	return body, true
}
