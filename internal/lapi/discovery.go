package lapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/normalize"
)

var ErrNoChannels = errors.New("no channels returned by camera")

const (
	channelsPath     = "/LAPI/V1.0/Channels/System/ChannelDetailInfos"
	capabilitiesPath = "/LAPI/V1.0/Channels/%s/Alarm/Capabilities"
)

type ChannelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channels lista os canais do device.
func (c *Client) Channels(ctx context.Context) ([]ChannelInfo, error) {
	resp, err := c.get(ctx, "channels", channelsPath)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{Path: channelsPath, Status: resp.Status}
	}
	payload, _ := normalize.ParsePayload(resp.Body)
	return extractChannels(payload), nil
}

type Capabilities struct {
	Features []string
	Raw      []byte
}

// StatusError é uma resposta não-2xx do device.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Path, e.Status)
}

// Capabilities lê /Alarm/Capabilities do canal. Resposta não-JSON vira
// string no Raw e ainda passa pela detecção de features.
func (c *Client) Capabilities(ctx context.Context, channelID string) (Capabilities, error) {
	path := fmt.Sprintf(capabilitiesPath, pathSegment(channelID))
	resp, err := c.get(ctx, "capabilities", path)
	if err != nil {
		return Capabilities{}, err
	}
	if !resp.OK() {
		return Capabilities{}, &StatusError{Path: path, Status: resp.Status}
	}

	if payload, ok := normalize.ParsePayload(resp.Body); ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Capabilities{}, fmt.Errorf("encode capabilities: %w", err)
		}
		return Capabilities{Features: normalize.FilterKnownFeatures(normalize.Features(payload)), Raw: raw}, nil
	}
	text := string(resp.Body)
	raw, _ := json.Marshal(text)
	return Capabilities{Features: normalize.FilterKnownFeatures(normalize.Features(text)), Raw: raw}, nil
}

// Discovery é o resultado do connect: canais prontos para o cadastro e os
// avisos de capacidade que falharam.
type Discovery struct {
	Channels []core.ChannelCapabilities
	Warnings []string
}

// Discover lista os canais e, com capability_probes ligado, consulta as
// capacidades de cada um em paralelo. Falha de probe vira aviso.
func (c *Client) Discover(ctx context.Context) (Discovery, error) {
	infos, err := c.Channels(ctx)
	if err != nil {
		return Discovery{}, err
	}
	if len(infos) == 0 {
		return Discovery{}, ErrNoChannels
	}

	out := Discovery{Channels: make([]core.ChannelCapabilities, len(infos)), Warnings: []string{}}
	for i, info := range infos {
		out.Channels[i] = core.ChannelCapabilities{
			No:       normalize.ParseChannelNo(info.ID),
			Name:     info.Name,
			Features: []string{},
		}
	}
	if !c.d.cfg.CapabilityProbes {
		return out, nil
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, info := range infos {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			caps, err := c.Capabilities(ctx, id)
			if err == nil {
				out.Channels[i].Capabilities = caps.Raw
				out.Channels[i].Features = caps.Features
				return
			}

			var se *StatusError
			msg := fmt.Sprintf("Capabilities %s error: %v", id, err)
			if errors.As(err, &se) {
				msg = fmt.Sprintf("Capabilities %s failed (%d).", id, se.Status)
			}
			c.d.log.Warn().Str("host", c.host).Str("channel", id).Err(err).Msg("capability probe failed")
			mu.Lock()
			out.Warnings = append(out.Warnings, msg)
			mu.Unlock()
		}(i, info.ID)
	}
	wg.Wait()
	sort.Strings(out.Warnings)
	return out, nil
}

var (
	channelListKeys = []string{"ChannelDetailInfoList", "ChannelDetailInfos", "ChannelList", "Channels"}
	nestedListKeys  = []string{"DetailInfos", "ChannelDetailInfos"}
	channelIDKeys   = []string{"ChannelID", "ID", "channelId", "Channel"}
	channelNameKeys = []string{"Name", "ChannelName", "Alias", "DisplayName"}
)

// extractChannels aceita os vários formatos que os firmwares devolvem:
// array na raiz, uma das listas conhecidas, ou Response.Data.
func extractChannels(payload any) []ChannelInfo {
	var list []map[string]any
	if arr, ok := payload.([]any); ok {
		list = objects(arr)
	} else {
		list = objectArray(payload, channelListKeys)
		if len(list) == 0 {
			var data any
			if obj, ok := payload.(map[string]any); ok {
				if resp, ok := obj["Response"].(map[string]any); ok {
					data = resp["Data"]
				}
			}
			list = objectArray(data, nestedListKeys)
		}
	}

	out := make([]ChannelInfo, 0, len(list))
	for _, entry := range list {
		id := "0"
		if v := first(entry, channelIDKeys); v != nil {
			if s := scalar(v); s != "" && s != "0" && s != "false" {
				id = s
			}
		}
		name := fmt.Sprintf("Channel %s", id)
		if s, ok := first(entry, channelNameKeys).(string); ok && strings.TrimSpace(s) != "" {
			name = strings.TrimSpace(s)
		}
		out = append(out, ChannelInfo{ID: id, Name: name})
	}
	return out
}

func objectArray(v any, keys []string) []map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok {
			return objects(arr)
		}
	}
	return nil
}

func objects(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// first devolve o primeiro valor não-nulo entre as chaves.
func first(m map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func pathSegment(id string) string {
	return strings.NewReplacer("/", "", "?", "", "#", "").Replace(id)
}
