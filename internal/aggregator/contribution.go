package aggregator

import (
	"strings"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
)

type AgeBucket string

const (
	AgeChild      AgeBucket = "child"
	AgeTeen       AgeBucket = "teen"
	AgeYoungAdult AgeBucket = "young-adult"
	AgeMiddleAge  AgeBucket = "middle-age"
	AgeSenior     AgeBucket = "senior"
	AgeUnknown    AgeBucket = "unknown"
)

// idade fora de 0..maxSaneAge vira unknown
const maxSaneAge = 120

// AgeBucketFor aplica a partição fixa <13, 13-19, 20-39, 40-59, >=60.
func AgeBucketFor(age *int) AgeBucket {
	if age == nil || *age < 0 || *age > maxSaneAge {
		return AgeUnknown
	}
	switch a := *age; {
	case a < 13:
		return AgeChild
	case a < 20:
		return AgeTeen
	case a < 40:
		return AgeYoungAdult
	case a < 60:
		return AgeMiddleAge
	default:
		return AgeSenior
	}
}

type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderUnknown Gender = "unknown"
)

func GenderFor(s *string) Gender {
	if s == nil {
		return GenderUnknown
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case "male", "m", "1":
		return GenderMale
	case "female", "f", "2":
		return GenderFemale
	}
	return GenderUnknown
}

type Glasses string

const (
	GlassesYes     Glasses = "yes"
	GlassesNo      Glasses = "no"
	GlassesUnknown Glasses = "unknown"
)

func GlassesFor(s *string) Glasses {
	if s == nil {
		return GlassesUnknown
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case "yes", "y", "1", "true", "with", "on":
		return GlassesYes
	case "no", "n", "0", "false", "without", "off":
		return GlassesNo
	}
	return GlassesUnknown
}

// Contribution é o que um evento gravado soma nos buckets do seu canal.
type Contribution struct {
	DeviceID  string
	ChannelNo int
	EventTime time.Time
	Counters  core.Counters
}

func PeopleContribution(ev core.PeopleCountEvent) Contribution {
	return Contribution{
		DeviceID:  ev.DeviceID,
		ChannelNo: ev.ChannelNo,
		EventTime: ev.EventTime,
		Counters: core.Counters{
			PeopleIn:     int64(ev.In),
			PeopleOut:    int64(ev.Out),
			PeopleEvents: 1,
		},
	}
}

// FaceContribution usa as linhas de atributo que de fato foram gravadas.
// Rosto sem linha conta como unknown em gênero, óculos e idade, assim o
// replay do log chega no mesmo resultado.
func FaceContribution(ev core.FaceEvent, attrs []core.FaceAttribute) Contribution {
	c := core.Counters{
		FaceEvents: 1,
		FacesTotal: int64(ev.FacesDetected),
	}
	for _, a := range attrs {
		addGender(&c, GenderFor(a.Gender))
		addGlasses(&c, GlassesFor(a.Glasses))
		addAge(&c, AgeBucketFor(a.Age))
	}
	if missing := int64(ev.FacesDetected - len(attrs)); missing > 0 {
		c.GenderUnknown += missing
		c.GlassesUnknown += missing
		c.AgeUnknown += missing
	}
	return Contribution{
		DeviceID:  ev.DeviceID,
		ChannelNo: ev.ChannelNo,
		EventTime: ev.EventTime,
		Counters:  c,
	}
}

func addGender(c *core.Counters, g Gender) {
	switch g {
	case GenderMale:
		c.Male++
	case GenderFemale:
		c.Female++
	default:
		c.GenderUnknown++
	}
}

func addGlasses(c *core.Counters, g Glasses) {
	switch g {
	case GlassesYes:
		c.GlassesYes++
	case GlassesNo:
		c.GlassesNo++
	default:
		c.GlassesUnknown++
	}
}

func addAge(c *core.Counters, b AgeBucket) {
	switch b {
	case AgeChild:
		c.AgeChild++
	case AgeTeen:
		c.AgeTeen++
	case AgeYoungAdult:
		c.AgeYoungAdult++
	case AgeMiddleAge:
		c.AgeMiddleAge++
	case AgeSenior:
		c.AgeSenior++
	default:
		c.AgeUnknown++
	}
}

// Idades representativas por faixa para a média aproximada.
var ageWeights = map[AgeBucket]float64{
	AgeChild:      6,
	AgeTeen:       16,
	AgeYoungAdult: 30,
	AgeMiddleAge:  50,
	AgeSenior:     70,
}

// MeanAge é a média ponderada pelas faixas; nil quando nenhum rosto tem
// idade conhecida.
func MeanAge(c core.Counters) *float64 {
	known := c.AgeChild + c.AgeTeen + c.AgeYoungAdult + c.AgeMiddleAge + c.AgeSenior
	if known == 0 {
		return nil
	}
	sum := float64(c.AgeChild)*ageWeights[AgeChild] +
		float64(c.AgeTeen)*ageWeights[AgeTeen] +
		float64(c.AgeYoungAdult)*ageWeights[AgeYoungAdult] +
		float64(c.AgeMiddleAge)*ageWeights[AgeMiddleAge] +
		float64(c.AgeSenior)*ageWeights[AgeSenior]
	avg := sum / float64(known)
	return &avg
}

// Occupancy nunca é gravado, sempre derivado dos totais.
func Occupancy(in, out int64) int64 {
	if in <= out {
		return 0
	}
	return in - out
}
