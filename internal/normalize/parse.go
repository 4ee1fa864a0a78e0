// Package normalize transforma o JSON solto que os devices mandam em
// eventos canônicos (core.RawEvent). Tudo aqui é função pura.
package normalize

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ParsePayload faz o parse tolerante do corpo enviado pelo device.
// Primeiro tenta o JSON estrito; se falhar, recorta o maior trecho {...},
// remove caracteres de controle e tenta de novo. false = "sem payload".
func ParsePayload(raw []byte) (any, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, v != nil
	}

	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end <= start {
		return nil, false
	}

	cleaned := stripControl(raw[start : end+1])
	v = nil
	if err := json.Unmarshal(cleaned, &v); err != nil {
		return nil, false
	}
	return v, v != nil
}

func stripControl(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c <= 0x1F || c == 0x7F {
			continue
		}
		out = append(out, c)
	}
	return out
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asArray(v any) ([]any, bool) {
	a, ok := v.([]any)
	return a, ok
}

// toNumber imita a conversão numérica frouxa dos firmwares: número passa,
// string numérica é convertida, bool vira 0/1, resto é inválido.
func toNumber(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, true
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = n
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toInt devolve 0 pra qualquer coisa não numérica.
func toInt(v any) int {
	f, ok := toNumber(v)
	if !ok {
		return 0
	}
	return int(f)
}

// scalarString converte número ou string para string; outros tipos falham.
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

func stringPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
