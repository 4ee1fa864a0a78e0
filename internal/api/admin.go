package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/cam-counter/internal/aggregator"
	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/identity"
	"github.com/sua-org/cam-counter/internal/lapi"
	"github.com/sua-org/cam-counter/internal/normalize"
)

// optionalField distingue chave ausente de chave com null/vazio.
func optionalField(body map[string]any, key string) core.Optional {
	v, ok := body[key]
	if !ok {
		return core.Optional{}
	}
	if s := bodyString(v); s != "" {
		return core.Optional{Present: true, Value: &s}
	}
	return core.Optional{Present: true}
}

// handleUpdateChannel é o PATCH parcial de nome/zona.
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	ip := bodyString(body["ip"])
	channelID := bodyString(body["channelId"])
	if ip == "" || channelID == "" {
		writeError(w, http.StatusBadRequest, "Missing ip or channelId.")
		return
	}
	if _, err := s.identity.Lookup(r.Context(), ip); err != nil {
		if errors.Is(err, identity.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "Camera not found.")
			return
		}
		s.internalError(w, r, err)
		return
	}

	patch := core.ChannelPatch{
		Name: optionalField(body, "name"),
		Zone: optionalField(body, "zone"),
	}
	ch, err := s.identity.UpdateChannel(r.Context(), ip, normalize.ParseChannelNo(channelID), patch)
	switch {
	case errors.Is(err, identity.ErrEmptyPatch):
		writeError(w, http.StatusBadRequest, "Missing name or zone.")
		return
	case errors.Is(err, identity.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "Camera not found.")
		return
	case errors.Is(err, identity.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "Channel not found.")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": ch.Name, "zone": ch.Zone})
}

func (s *Server) handleResetChannel(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	ip := bodyString(body["ip"])
	channelID := bodyString(body["channelId"])
	if ip == "" || channelID == "" {
		writeError(w, http.StatusBadRequest, "Missing ip or channelId.")
		return
	}

	err := s.agg.Reset(r.Context(), ip, normalize.ParseChannelNo(channelID))
	if errors.Is(err, aggregator.ErrUnknownDevice) {
		writeError(w, http.StatusNotFound, "Camera not found.")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type registerRequest struct {
	IP         string `json:"ip" validate:"required"`
	Name       string `json:"name"`
	DeviceType string `json:"deviceType" validate:"required"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	req.IP = strings.TrimSpace(req.IP)
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing ip or deviceType.")
		return
	}

	dev, err := s.identity.Register(r.Context(), identity.Registration{
		IP:       req.IP,
		Name:     req.Name,
		Kind:     req.DeviceType,
		Username: req.Username,
		Password: req.Password,
	})
	switch {
	case errors.Is(err, identity.ErrMissingIP), errors.Is(err, identity.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, "Missing ip or deviceType.")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": dev.ID, "deviceType": dev.Kind})
}

type connectRequest struct {
	IP         string `json:"ip" validate:"required"`
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	Name       string `json:"name"`
	DeviceType string `json:"deviceType"`
}

type connectedChannel struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Features []string         `json:"features"`
	Stats    aggregator.Stats `json:"stats"`
}

// handleConnectCamera busca canais e capacidades no device via LAPI com
// digest e grava o cadastro.
func (s *Server) handleConnectCamera(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	req.IP = strings.TrimSpace(req.IP)
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing ip/username/password")
		return
	}
	if strings.TrimSpace(req.DeviceType) == "" {
		req.DeviceType = string(core.DeviceKindCamera)
	}
	if _, ok := core.NormalizeDeviceKind(req.DeviceType); !ok {
		writeError(w, http.StatusBadRequest, "Invalid deviceType.")
		return
	}

	client := s.dialer.Client(req.IP, lapi.Credentials{Username: req.Username, Password: req.Password})
	disc, err := client.Discover(r.Context())
	if errors.Is(err, lapi.ErrNoChannels) {
		writeError(w, http.StatusBadRequest, "No channels returned by camera.")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("ip", req.IP).Msg("camera connect failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.identity.Register(r.Context(), identity.Registration{
		IP:       req.IP,
		Name:     req.Name,
		Kind:     req.DeviceType,
		Username: req.Username,
		Password: req.Password,
		Channels: disc.Channels,
	}); err != nil {
		s.internalError(w, r, err)
		return
	}

	sum, err := s.agg.Summary(r.Context(), aggregator.Scope{IP: req.IP}, nil)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	stats := make(map[string]aggregator.Stats, len(sum.Channels))
	for _, c := range sum.Channels {
		stats[c.ChannelID] = c.Stats
	}

	seen := make(map[string]bool)
	detected := []string{}
	channels := make([]connectedChannel, 0, len(disc.Channels))
	for _, ch := range disc.Channels {
		id := strconv.Itoa(ch.No)
		st, ok := stats[id]
		if !ok {
			st = aggregator.StatsFrom(core.Counters{}, time.Time{})
		}
		channels = append(channels, connectedChannel{ID: id, Name: ch.Name, Features: ch.Features, Stats: st})
		for _, f := range ch.Features {
			if !seen[f] {
				seen[f] = true
				detected = append(detected, f)
			}
		}
	}
	sort.Strings(detected)

	warnings := disc.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"ip":               req.IP,
		"channels":         channels,
		"featuresDetected": detected,
		"warnings":         warnings,
	})
}
