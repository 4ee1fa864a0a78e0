package aggregator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/store"
)

func intp(v int) *int       { return &v }
func strp(s string) *string { return &s }

func TestAgeBucketBoundaries(t *testing.T) {
	tests := []struct {
		age  *int
		want AgeBucket
	}{
		{nil, AgeUnknown},
		{intp(-1), AgeUnknown},
		{intp(0), AgeChild},
		{intp(12), AgeChild},
		{intp(13), AgeTeen},
		{intp(19), AgeTeen},
		{intp(20), AgeYoungAdult},
		{intp(39), AgeYoungAdult},
		{intp(40), AgeMiddleAge},
		{intp(59), AgeMiddleAge},
		{intp(60), AgeSenior},
		{intp(120), AgeSenior},
		{intp(121), AgeUnknown},
	}
	for _, tt := range tests {
		if got := AgeBucketFor(tt.age); got != tt.want {
			t.Errorf("AgeBucketFor(%v) = %s, want %s", deref(tt.age), got, tt.want)
		}
	}
}

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func TestAgePartitionIsExhaustive(t *testing.T) {
	for a := 0; a <= 200; a++ {
		c := FaceContribution(core.FaceEvent{FacesDetected: 1}, []core.FaceAttribute{
			{FaceObservation: core.FaceObservation{Age: intp(a)}},
		}).Counters
		n := c.AgeChild + c.AgeTeen + c.AgeYoungAdult + c.AgeMiddleAge + c.AgeSenior + c.AgeUnknown
		if n != 1 {
			t.Fatalf("age %d incremented %d buckets", a, n)
		}
	}
}

func TestGenderAndGlasses(t *testing.T) {
	genders := map[string]Gender{"Male": GenderMale, " m ": GenderMale, "1": GenderMale, "FEMALE": GenderFemale, "f": GenderFemale, "2": GenderFemale, "other": GenderUnknown, "": GenderUnknown}
	for in, want := range genders {
		if got := GenderFor(strp(in)); got != want {
			t.Errorf("GenderFor(%q) = %s, want %s", in, got, want)
		}
	}
	if GenderFor(nil) != GenderUnknown {
		t.Error("nil gender should be unknown")
	}

	glasses := map[string]Glasses{"yes": GlassesYes, "True": GlassesYes, "with": GlassesYes, "on": GlassesYes, "no": GlassesNo, "0": GlassesNo, "without": GlassesNo, "sunglasses": GlassesUnknown}
	for in, want := range glasses {
		if got := GlassesFor(strp(in)); got != want {
			t.Errorf("GlassesFor(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFaceContributionMissingAttributes(t *testing.T) {
	c := FaceContribution(core.FaceEvent{FacesDetected: 3}, []core.FaceAttribute{
		{FaceObservation: core.FaceObservation{Age: intp(8), Gender: strp("female"), Glasses: strp("no")}},
	}).Counters

	want := core.Counters{
		FaceEvents: 1, FacesTotal: 3,
		Female: 1, GenderUnknown: 2,
		GlassesNo: 1, GlassesUnknown: 2,
		AgeChild: 1, AgeUnknown: 2,
	}
	if c != want {
		t.Errorf("counters = %+v\nwant %+v", c, want)
	}
}

func TestMeanAge(t *testing.T) {
	if MeanAge(core.Counters{AgeUnknown: 4}) != nil {
		t.Error("mean age without known ages should be nil")
	}
	got := MeanAge(core.Counters{AgeChild: 1, AgeMiddleAge: 1})
	if got == nil || *got != 28 {
		t.Errorf("mean age = %v, want 28", got)
	}
	got = MeanAge(core.Counters{AgeTeen: 2, AgeSenior: 1, AgeUnknown: 10})
	if want := (16.0*2 + 70) / 3; got == nil || *got != want {
		t.Errorf("mean age = %v, want %v", got, want)
	}
}

func TestOccupancy(t *testing.T) {
	tests := []struct{ in, out, want int64 }{{3, 1, 2}, {1, 3, 0}, {0, 0, 0}, {5, 5, 0}}
	for _, tt := range tests {
		if got := Occupancy(tt.in, tt.out); got != tt.want {
			t.Errorf("Occupancy(%d,%d) = %d", tt.in, tt.out, got)
		}
	}
}

type fixture struct {
	st  *store.Memory
	agg *Aggregator
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	agg := New(st, st, nil)
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }
	return &fixture{st: st, agg: agg, now: now}
}

func (f *fixture) device(t *testing.T, ip string, channels ...int) string {
	t.Helper()
	ctx := context.Background()
	d, err := f.st.TouchDevice(ctx, ip, f.now)
	if err != nil {
		t.Fatal(err)
	}
	for _, no := range channels {
		if err := f.st.EnsureChannel(ctx, d.ID, no, f.now); err != nil {
			t.Fatal(err)
		}
	}
	return d.ID
}

func TestApplyConcurrentConservation(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "10.0.0.5", 2)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := core.PeopleCountEvent{DeviceID: id, ChannelNo: 2, In: 3, Out: 1, EventTime: f.now.Add(-time.Duration(i) * time.Second)}
			if err := f.agg.Apply(ctx, PeopleContribution(ev)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	day, _ := f.st.QueryRollups(ctx, store.RollupQuery{Granularity: core.GranularityDay})
	if len(day) != 1 || day[0].PeopleIn != 3*n || day[0].PeopleOut != n {
		t.Fatalf("day rollups = %+v", day)
	}
	hours, _ := f.st.QueryRollups(ctx, store.RollupQuery{Granularity: core.GranularityHour})
	var in int64
	for _, b := range hours {
		in += b.PeopleIn
	}
	if in != 3*n {
		t.Errorf("hourly in = %d, want %d", in, 3*n)
	}

	live, err := f.agg.Live(ctx, "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].Stats.PeopleIn != 3*n || live[0].Stats.Occupancy != 2*n {
		t.Errorf("live = %+v", live)
	}
}

func TestResetIsolation(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "10.0.0.7", 1, 2)
	ctx := context.Background()

	for _, no := range []int{1, 2} {
		ev := core.PeopleCountEvent{ID: fmt.Sprintf("e%d", no), DeviceID: id, ChannelNo: no, In: 4, EventTime: f.now}
		if err := f.st.InsertPeopleCounts(ctx, []core.PeopleCountEvent{ev}); err != nil {
			t.Fatal(err)
		}
		if err := f.agg.Apply(ctx, PeopleContribution(ev)); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.agg.Reset(ctx, "10.0.0.7", 1); err != nil {
		t.Fatal(err)
	}

	sum, err := f.agg.Summary(ctx, Scope{IP: "10.0.0.7"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Channels) != 2 {
		t.Fatalf("channels = %+v", sum.Channels)
	}
	if sum.Channels[0].Stats.PeopleIn != 0 || sum.Channels[1].Stats.PeopleIn != 4 {
		t.Errorf("after reset: ch1=%d ch2=%d", sum.Channels[0].Stats.PeopleIn, sum.Channels[1].Stats.PeopleIn)
	}
	if people, _, _ := f.st.EventCounts(); people != 2 {
		t.Errorf("reset touched the event log: %d rows", people)
	}
	live, _ := f.agg.Live(ctx, "10.0.0.7")
	if len(live) != 1 || live[0].ChannelID != "2" {
		t.Errorf("live after reset = %+v", live)
	}

	if err := f.agg.Reset(ctx, "10.9.9.9", 1); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v", err)
	}
}

func TestReplayMatchesIncremental(t *testing.T) {
	f := newFixture(t)
	a := f.device(t, "10.0.0.1", 1)
	b := f.device(t, "10.0.0.2", 3)
	ctx := context.Background()

	people := []core.PeopleCountEvent{
		{ID: "p1", DeviceID: a, ChannelNo: 1, In: 2, Out: 1, EventTime: f.now.Add(-26 * time.Hour)},
		{ID: "p2", DeviceID: a, ChannelNo: 1, In: 5, EventTime: f.now.Add(-2 * time.Hour)},
		{ID: "p3", DeviceID: b, ChannelNo: 3, Out: 2, EventTime: f.now},
	}
	for _, ev := range people {
		_ = f.st.InsertPeopleCounts(ctx, []core.PeopleCountEvent{ev})
		if err := f.agg.Apply(ctx, PeopleContribution(ev)); err != nil {
			t.Fatal(err)
		}
	}
	face := core.FaceEvent{ID: "f1", DeviceID: b, ChannelNo: 3, FacesDetected: 2, EventTime: f.now.Add(-time.Hour)}
	attrs := []core.FaceAttribute{{ID: "a1", FaceEventID: "f1", FaceObservation: core.FaceObservation{Age: intp(33), Gender: strp("m")}}}
	_ = f.st.InsertFaceEvent(ctx, face)
	_ = f.st.InsertFaceAttribute(ctx, attrs[0])
	if err := f.agg.Apply(ctx, FaceContribution(face, attrs)); err != nil {
		t.Fatal(err)
	}

	snapshot := func() []core.RollupBucket {
		var all []core.RollupBucket
		for _, g := range []core.Granularity{core.GranularityHour, core.GranularityDay} {
			bs, err := f.st.QueryRollups(ctx, store.RollupQuery{Granularity: g})
			if err != nil {
				t.Fatal(err)
			}
			all = append(all, bs...)
		}
		return all
	}
	before := snapshot()

	res, err := f.agg.Replay(ctx, f.st)
	if err != nil {
		t.Fatal(err)
	}
	if res.PeopleEvents != 3 || res.FaceEvents != 1 {
		t.Errorf("replay result = %+v", res)
	}
	if after := snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("replay diverged\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestSummaryDayAndZone(t *testing.T) {
	f := newFixture(t)
	a := f.device(t, "10.0.0.1", 1)
	b := f.device(t, "10.0.0.2", 1)
	ctx := context.Background()

	lobby := "Lobby"
	for _, id := range []string{a, b} {
		if _, err := f.st.UpdateChannel(ctx, id, 1, core.ChannelPatch{Zone: core.Optional{Present: true, Value: &lobby}}, f.now); err != nil {
			t.Fatal(err)
		}
	}
	yesterday := f.now.Add(-24 * time.Hour)
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: a, ChannelNo: 1, In: 10, EventTime: yesterday}))
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: a, ChannelNo: 1, In: 3, Out: 1, EventTime: f.now}))
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: b, ChannelNo: 1, In: 1, Out: 4, EventTime: f.now}))

	today, err := f.agg.Summary(ctx, Scope{Zone: "Lobby"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if today.Totals.PeopleIn != 4 || today.Totals.PeopleOut != 5 || today.Totals.Occupancy != 0 {
		t.Errorf("zone totals = %+v", today.Totals)
	}
	if len(today.Channels) != 2 || today.Channels[0].Stats.Occupancy != 2 {
		t.Errorf("zone channels = %+v", today.Channels)
	}

	prev, _ := f.agg.Summary(ctx, Scope{}, &yesterday)
	if prev.Totals.PeopleIn != 10 {
		t.Errorf("overview yesterday = %+v", prev.Totals)
	}

	unknown, err := f.agg.Summary(ctx, Scope{IP: "10.1.1.1"}, nil)
	if err != nil || len(unknown.Channels) != 0 {
		t.Errorf("unknown camera summary = %+v, %v", unknown, err)
	}
}

func TestTimeseries(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "10.0.0.3", 1, 2)
	ctx := context.Background()

	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: id, ChannelNo: 1, In: 1, EventTime: f.now}))
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: id, ChannelNo: 2, In: 2, EventTime: f.now}))
	_ = f.agg.Apply(ctx, FaceContribution(core.FaceEvent{DeviceID: id, ChannelNo: 1, FacesDetected: 3, EventTime: f.now.Add(-3 * time.Hour)}, nil))
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: id, ChannelNo: 1, In: 9, EventTime: f.now.Add(-48 * time.Hour)}))

	pts, err := f.agg.Timeseries(ctx, "10.0.0.3", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 2 {
		t.Fatalf("points = %+v", pts)
	}
	if pts[0].Faces != 3 || pts[1].PeopleIn != 3 {
		t.Errorf("points = %+v", pts)
	}

	day := f.now.Add(-48 * time.Hour)
	pts, _ = f.agg.Timeseries(ctx, "10.0.0.3", 24, &day)
	if len(pts) != 1 || pts[0].PeopleIn != 9 {
		t.Errorf("day points = %+v", pts)
	}

	if ClampHours(1000) != MaxSeriesHours || ClampHours(-5) != DefaultSeriesHours {
		t.Error("ClampHours")
	}
}

func TestCacheIgnoresOlderDay(t *testing.T) {
	c := NewMemoryCache()
	k := ChannelKey{"d", 1}
	d1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)

	c.Add(k, d2, core.Counters{PeopleIn: 1}, d2)
	c.Add(k, d1, core.Counters{PeopleIn: 5}, d1)
	got := c.Device("d")
	if len(got) != 1 || got[0].Counters.PeopleIn != 1 {
		t.Fatalf("cache = %+v", got)
	}

	d3 := d2.Add(24 * time.Hour)
	c.Add(k, d3, core.Counters{PeopleIn: 2}, d3)
	got = c.Device("d")
	if got[0].Counters.PeopleIn != 2 || !got[0].Day.Equal(d3) {
		t.Fatalf("rollover = %+v", got)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "10.0.0.4", 1)
	ctx := context.Background()

	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: id, ChannelNo: 1, In: 7, EventTime: f.now}))
	f.agg.Cache().Clear()

	if err := f.agg.Reconcile(ctx, ChannelKey{id, 1}); err != nil {
		t.Fatal(err)
	}
	live, _ := f.agg.Live(ctx, "10.0.0.4")
	if len(live) != 1 || live[0].Stats.PeopleIn != 7 {
		t.Errorf("live after reconcile = %+v", live)
	}
}

func TestWarmLoadsTodayOnly(t *testing.T) {
	f := newFixture(t)
	a := f.device(t, "10.0.0.4", 1, 2)
	b := f.device(t, "10.0.0.5", 1)
	ctx := context.Background()

	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: a, ChannelNo: 1, In: 2, EventTime: f.now}))
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: a, ChannelNo: 2, In: 3, EventTime: f.now}))
	_ = f.agg.Apply(ctx, PeopleContribution(core.PeopleCountEvent{DeviceID: b, ChannelNo: 1, In: 9, EventTime: f.now.Add(-48 * time.Hour)}))
	f.agg.Cache().Clear()

	n, err := f.agg.Warm(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || f.agg.Cache().Len() != 2 {
		t.Errorf("warmed %d channels, cache has %d, want 2", n, f.agg.Cache().Len())
	}
	if live, _ := f.agg.Live(ctx, "10.0.0.5"); len(live) != 0 {
		t.Errorf("old day leaked into cache: %+v", live)
	}
}

// dayConflictStore recusa qualquer escrita que inclua um bucket diário.
type dayConflictStore struct {
	*store.Memory
}

func (d dayConflictStore) AddRollups(ctx context.Context, keys []core.RollupKey, c core.Counters, last time.Time) error {
	for _, k := range keys {
		if k.Granularity == core.GranularityDay {
			return errors.New("conflict")
		}
	}
	return d.Memory.AddRollups(ctx, keys, c, last)
}

func TestApplyFailedDayWriteLeavesNoBucket(t *testing.T) {
	st := store.NewMemory()
	agg := New(dayConflictStore{st}, st, nil)
	ctx := context.Background()
	d, _ := st.TouchDevice(ctx, "10.0.0.5", time.Now())

	ev := core.PeopleCountEvent{DeviceID: d.ID, ChannelNo: 2, In: 3, Out: 1, EventTime: time.Now().UTC()}
	if err := agg.Apply(ctx, PeopleContribution(ev)); err == nil {
		t.Fatal("expected error")
	}
	for _, g := range []core.Granularity{core.GranularityHour, core.GranularityDay} {
		if got, _ := st.QueryRollups(ctx, store.RollupQuery{Granularity: g}); len(got) != 0 {
			t.Errorf("%s buckets = %+v, want none", g, got)
		}
	}
	if n := agg.Cache().Len(); n != 0 {
		t.Errorf("cache has %d entries after failed apply", n)
	}
}
