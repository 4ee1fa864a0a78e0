// internal/core/features.go
package core

import "strings"

// Tags de capacidade que a descoberta LAPI consegue detectar num canal.
const (
	FeaturePeopleCount            = "people-count"
	FeatureFaceDetection          = "face-detection"
	FeatureAlarm                  = "alarm"
	FeatureMotionDetection        = "motion-detection"
	FeatureTamperDetection        = "tamper-detection"
	FeatureAudioDetection         = "audio-detection"
	FeatureHumanShapeDetection    = "human-shape-detection"
	FeatureConflagrationDetection = "conflagration-detection"
	FeatureTemperatureDetection   = "temperature-detection"
	FeatureConflagration          = "conflagration"
	FeatureSmokingDetection       = "smoking-detection"
)

var FeatureTags = []string{
	FeaturePeopleCount,
	FeatureFaceDetection,
	FeatureAlarm,
	FeatureMotionDetection,
	FeatureTamperDetection,
	FeatureAudioDetection,
	FeatureHumanShapeDetection,
	FeatureConflagrationDetection,
	FeatureTemperatureDetection,
	FeatureConflagration,
	FeatureSmokingDetection,
}

var FeatureTagSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(FeatureTags))
	for _, t := range FeatureTags {
		m[strings.ToLower(t)] = struct{}{}
	}
	return m
}()

func IsKnownFeature(tag string) bool {
	_, ok := FeatureTagSet[strings.ToLower(tag)]
	return ok
}
