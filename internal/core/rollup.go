// internal/core/rollup.go
package core

import "time"

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func (g Granularity) Width() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate devolve o início do bucket em UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

type RollupKey struct {
	Granularity Granularity
	DeviceID    string
	ChannelNo   int
	BucketStart time.Time
}

// Counters são as somas acumuladas de um bucket.
type Counters struct {
	PeopleIn       int64 `json:"people_in"`
	PeopleOut      int64 `json:"people_out"`
	PeopleEvents   int64 `json:"people_events"`
	FaceEvents     int64 `json:"face_events"`
	FacesTotal     int64 `json:"faces_total"`
	Male           int64 `json:"male"`
	Female         int64 `json:"female"`
	GenderUnknown  int64 `json:"unknown_gender"`
	GlassesYes     int64 `json:"glasses_yes"`
	GlassesNo      int64 `json:"glasses_no"`
	GlassesUnknown int64 `json:"glasses_unknown"`
	AgeChild       int64 `json:"age_child"`
	AgeTeen        int64 `json:"age_teen"`
	AgeYoungAdult  int64 `json:"age_young_adult"`
	AgeMiddleAge   int64 `json:"age_middle_age"`
	AgeSenior      int64 `json:"age_senior"`
	AgeUnknown     int64 `json:"age_unknown"`
}

func (c *Counters) Add(o Counters) {
	c.PeopleIn += o.PeopleIn
	c.PeopleOut += o.PeopleOut
	c.PeopleEvents += o.PeopleEvents
	c.FaceEvents += o.FaceEvents
	c.FacesTotal += o.FacesTotal
	c.Male += o.Male
	c.Female += o.Female
	c.GenderUnknown += o.GenderUnknown
	c.GlassesYes += o.GlassesYes
	c.GlassesNo += o.GlassesNo
	c.GlassesUnknown += o.GlassesUnknown
	c.AgeChild += o.AgeChild
	c.AgeTeen += o.AgeTeen
	c.AgeYoungAdult += o.AgeYoungAdult
	c.AgeMiddleAge += o.AgeMiddleAge
	c.AgeSenior += o.AgeSenior
	c.AgeUnknown += o.AgeUnknown
}

func (c Counters) IsZero() bool {
	return c == Counters{}
}

type RollupBucket struct {
	RollupKey
	Counters
	LastEventAt time.Time
}
