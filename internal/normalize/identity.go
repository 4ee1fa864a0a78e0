package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ipv4Rx = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)

const UnknownIP = "unknown"

// ExtractIPv4 devolve o primeiro IPv4 que aparecer no texto
// (ex.: dentro de uma URL RTSP).
func ExtractIPv4(s string) (string, bool) {
	m := ipv4Rx.FindString(s)
	return m, m != ""
}

// Hints são as pistas de identidade que vêm da requisição HTTP.
type Hints struct {
	QueryIP      string
	ForwardedFor string
	RealIP       string
	QueryChannel string
}

// RequestIP resolve o IP do device pela ordem de prioridade:
// query ip, X-Forwarded-For, X-Real-IP, Reference/SrcName do payload,
// qualquer IPv4 no corpo, "unknown". O resultado passa de novo pelo extrator.
func RequestIP(h Hints, payload any, raw []byte) string {
	return cleanIP(rawRequestIP(h, payload, raw))
}

func rawRequestIP(h Hints, payload any, raw []byte) string {
	if q := strings.TrimSpace(h.QueryIP); q != "" {
		if ip, ok := ExtractIPv4(q); ok {
			return ip
		}
		return q
	}
	if xff := h.ForwardedFor; xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(h.RealIP); xr != "" {
		return xr
	}
	if obj, ok := asObject(payload); ok {
		for _, key := range []string{"Reference", "SrcName"} {
			if s, ok := obj[key].(string); ok {
				if ip, ok := ExtractIPv4(s); ok {
					return ip
				}
			}
		}
	}
	if ip, ok := ExtractIPv4(string(raw)); ok {
		return ip
	}
	return UnknownIP
}

func cleanIP(s string) string {
	if ip, ok := ExtractIPv4(s); ok {
		return ip
	}
	return s
}

var channelKeys = []string{"ChannelID", "ChannelId", "channelId", "Channel"}

// ChannelID procura o canal na raiz do payload e depois em StructureInfo.
func ChannelID(payload any) string {
	obj, ok := asObject(payload)
	if !ok {
		return "0"
	}
	for _, k := range channelKeys {
		if s, ok := scalarString(obj[k]); ok {
			return s
		}
	}
	if si, ok := asObject(obj["StructureInfo"]); ok {
		if s, ok := scalarString(si["ChannelID"]); ok {
			return s
		}
	}
	return "0"
}

// ResolveChannel: o parâmetro de query ganha do payload.
func ResolveChannel(h Hints, payload any) string {
	if q := strings.TrimSpace(h.QueryChannel); q != "" {
		return q
	}
	return ChannelID(payload)
}

// ParseChannelNo converte o id do canal pra inteiro; não numérico vira 0.
func ParseChannelNo(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || f > 1<<31-1 {
		return 0
	}
	return int(f)
}

// EventTime lê TimeStamp (segundos epoch, número ou string numérica).
// Ausente ou inválido usa o horário de recebimento.
func EventTime(payload any, now time.Time) time.Time {
	obj, ok := asObject(payload)
	if !ok {
		return now.UTC()
	}
	raw, present := obj["TimeStamp"]
	if !present {
		return now.UTC()
	}
	switch raw.(type) {
	case float64, string:
	default:
		return now.UTC()
	}
	if s, isStr := raw.(string); isStr && strings.TrimSpace(s) == "" {
		return now.UTC()
	}
	secs, ok := toNumber(raw)
	if !ok {
		return now.UTC()
	}
	return time.UnixMilli(int64(secs * 1000)).UTC()
}
