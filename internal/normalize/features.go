package normalize

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/sua-org/cam-counter/internal/core"
)

type supportFlag struct {
	key   string
	flag  string
	label string
}

var supportFlags = []supportFlag{
	{"MotionDetection", "IsSupportCfg", core.FeatureMotionDetection},
	{"TamperDetection", "IsSupportCfg", core.FeatureTamperDetection},
	{"AudioDetection", "SupportCfg", core.FeatureAudioDetection},
	{"HumanShapeDetection", "SupportCfg", core.FeatureHumanShapeDetection},
	{"ConflagrationDetection", "IsSupportCfg", core.FeatureConflagrationDetection},
}

// Features detecta as tags de capacidade na resposta de
// /Alarm/Capabilities. Heurística por palavra-chave mais as flags
// Support* de Response.Data.
func Features(payload any) []string {
	if payload == nil {
		return nil
	}

	var text string
	if s, ok := payload.(string); ok {
		text = s
	} else if b, err := json.Marshal(payload); err == nil {
		text = string(b)
	}
	text = strings.ToLower(text)

	var out []string
	add := func(tag string) {
		for _, t := range out {
			if t == tag {
				return
			}
		}
		out = append(out, tag)
	}

	if strings.Contains(text, "peoplecount") || strings.Contains(text, "line") {
		add(core.FeaturePeopleCount)
	}
	if strings.Contains(text, "face") || strings.Contains(text, "structure") {
		add(core.FeatureFaceDetection)
	}
	if strings.Contains(text, "alarm") {
		add(core.FeatureAlarm)
	}

	obj, ok := asObject(payload)
	if !ok {
		return out
	}
	var data map[string]any
	if resp, ok := asObject(obj["Response"]); ok {
		data, _ = asObject(resp["Data"])
	} else {
		data, _ = asObject(obj["Data"])
	}
	if data == nil {
		return out
	}

	for _, sf := range supportFlags {
		entry, ok := asObject(data[sf.key])
		if !ok {
			continue
		}
		if n, ok := toNumber(entry[sf.flag]); ok && n == 1 {
			add(sf.label)
		}
	}
	if temp, ok := asObject(data["TemperatureDetection"]); ok {
		if n, ok := toNumber(temp["SupportTypeNum"]); ok && n > 0 {
			add(core.FeatureTemperatureDetection)
		}
	}
	if n, ok := toNumber(data["SupportConflagration"]); ok && n == 1 {
		add(core.FeatureConflagration)
	}
	if n, ok := toNumber(data["SupportSmokingDetection"]); ok && n == 1 {
		add(core.FeatureSmokingDetection)
	}
	return out
}

// FilterKnownFeatures descarta tags que o serviço não conhece.
func FilterKnownFeatures(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if !core.IsKnownFeature(t) {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
