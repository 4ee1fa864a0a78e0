package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sua-org/cam-counter/internal/livebus"
)

const (
	sseRetryMillis = 3000
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	// o painel pode estar em outro host; CORS já filtra o resto da API
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) subscribe(w http.ResponseWriter) (*livebus.Subscription, bool) {
	sub, err := s.live.Subscribe(s.cfg.Live.Buffer)
	switch {
	case errors.Is(err, livebus.ErrTooManySubscribers):
		writeError(w, http.StatusServiceUnavailable, "Too many live subscribers.")
		return nil, false
	case errors.Is(err, livebus.ErrBusClosed):
		writeError(w, http.StatusServiceUnavailable, "Live stream is shutting down.")
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal error.")
		return nil, false
	}
	return sub, true
}

func (s *Server) keepAlive() time.Duration {
	if s.cfg.Live.KeepAlive > 0 {
		return s.cfg.Live.KeepAlive
	}
	return 15 * time.Second
}

// handleEvents é o stream SSE: retry, uma linha data por evento e
// comentário de keep-alive periódico.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported.")
		return
	}
	sub, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive())
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("encode live event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEventsWS manda os mesmos eventos por WebSocket, um JSON por
// mensagem de texto.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// leitura só para notar o fechamento pelo cliente
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.keepAlive())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("encode live event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
