package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/cam-counter/internal/aggregator"
	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/identity"
	"github.com/sua-org/cam-counter/internal/store"
)

type cameraStats struct {
	IP          string                      `json:"ip"`
	LastEventAt *time.Time                  `json:"lastEventAt"`
	Totals      aggregator.Stats            `json:"totals"`
	Channels    []aggregator.ChannelSummary `json:"channels"`
}

func (s *Server) handleCameraStats(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		writeError(w, http.StatusBadRequest, "Missing ip.")
		return
	}
	day, ok := dayParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid day.")
		return
	}

	sum, err := s.agg.Summary(r.Context(), aggregator.Scope{IP: ip}, day)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"stats": cameraStats{
			IP:          ip,
			LastEventAt: sum.Totals.LastEventAt,
			Totals:      sum.Totals,
			Channels:    sum.Channels,
		},
	})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	day, ok := dayParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid day.")
		return
	}
	sum, err := s.agg.Summary(r.Context(), aggregator.Scope{}, day)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	t := sum.Totals
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"totals": map[string]int64{
			"peopleIn":      t.PeopleIn,
			"peopleOut":     t.PeopleOut,
			"occupancy":     t.Occupancy,
			"faceEvents":    t.FaceEvents,
			"facesDetected": t.FacesDetected,
		},
		"gender":   t.Gender,
		"age":      t.Age,
		"glasses":  t.Glasses,
		"channels": len(sum.Channels),
	})
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		writeError(w, http.StatusBadRequest, "Missing ip.")
		return
	}
	day, ok := dayParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid day.")
		return
	}
	hours := aggregator.ClampHours(getIntParam(r, "hours", aggregator.DefaultSeriesHours))

	series, err := s.agg.Timeseries(r.Context(), ip, hours, day)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ip": ip, "hours": hours, "series": series})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		writeError(w, http.StatusBadRequest, "Missing ip.")
		return
	}
	chans, err := s.agg.Live(r.Context(), ip)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ip": ip, "channels": chans})
}

type cameraItem struct {
	ID            string          `json:"id"`
	IP            string          `json:"ip"`
	Name          *string         `json:"name"`
	DeviceType    core.DeviceKind `json:"deviceType"`
	ChannelsTotal int             `json:"channelsTotal"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (s *Server) handleCameraList(w http.ResponseWriter, r *http.Request) {
	devs, err := s.identity.List(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]cameraItem, 0, len(devs))
	for _, d := range devs {
		out = append(out, cameraItem{
			ID:            d.ID,
			IP:            d.IP,
			Name:          d.Name,
			DeviceType:    d.Kind,
			ChannelsTotal: d.ChannelsTotal,
			UpdatedAt:     d.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cameras": out})
}

type channelDetail struct {
	ID           string          `json:"id"`
	Name         *string         `json:"name"`
	Zone         *string         `json:"zone"`
	Features     []string        `json:"features"`
	Capabilities json.RawMessage `json:"capabilities"`
}

func (s *Server) handleCameraDetail(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		writeError(w, http.StatusBadRequest, "Missing ip.")
		return
	}
	dev, chs, err := s.identity.Detail(r.Context(), ip)
	if errors.Is(err, identity.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "Camera not found.")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	channels := make([]channelDetail, 0, len(chs))
	for _, ch := range chs {
		channels = append(channels, channelDetail{
			ID:           strconv.Itoa(ch.No),
			Name:         ch.Name,
			Zone:         ch.Zone,
			Features:     ch.Features,
			Capabilities: rawOrNull(ch.Capabilities),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"id":         dev.ID,
		"ip":         dev.IP,
		"name":       dev.Name,
		"deviceType": dev.Kind,
		"updatedAt":  dev.UpdatedAt,
		"channels":   channels,
	})
}

type zoneChannel struct {
	CameraID     string           `json:"cameraId"`
	CameraIP     string           `json:"cameraIp"`
	ChannelID    string           `json:"channelId"`
	ChannelName  string           `json:"channelName"`
	Zone         *string          `json:"zone"`
	Features     []string         `json:"features"`
	Capabilities json.RawMessage  `json:"capabilities"`
	Stats        aggregator.Stats `json:"stats"`
}

func (s *Server) handleZoneChannels(w http.ResponseWriter, r *http.Request) {
	zone := strings.TrimSpace(r.URL.Query().Get("zone"))
	if zone == "" {
		writeError(w, http.StatusBadRequest, "Missing zone.")
		return
	}
	day, ok := dayParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid day.")
		return
	}

	chs, err := s.identity.ZoneChannels(r.Context(), zone)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	sum, err := s.agg.Summary(r.Context(), aggregator.Scope{Zone: zone}, day)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	stats := make(map[string]aggregator.Stats, len(sum.Channels))
	for _, c := range sum.Channels {
		stats[c.IP+"/"+c.ChannelID] = c.Stats
	}

	out := make([]zoneChannel, 0, len(chs))
	for _, zc := range chs {
		id := strconv.Itoa(zc.No)
		name := store.DefaultChannelName(zc.No)
		if zc.Name != nil && strings.TrimSpace(*zc.Name) != "" {
			name = *zc.Name
		}
		features := zc.Features
		if features == nil {
			features = []string{}
		}
		st, ok := stats[zc.IP+"/"+id]
		if !ok {
			st = aggregator.StatsFrom(core.Counters{}, time.Time{})
		}
		out = append(out, zoneChannel{
			CameraID:     zc.DeviceID,
			CameraIP:     zc.IP,
			ChannelID:    id,
			ChannelName:  name,
			Zone:         zc.Zone,
			Features:     features,
			Capabilities: rawOrNull(zc.Capabilities),
			Stats:        st,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "zone": zone, "channels": out})
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
