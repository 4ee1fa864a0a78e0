package recorder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/store"
)

// flakyLog falha em atributos escolhidos e pode falhar o evento pai.
type flakyLog struct {
	*store.Memory
	mu          sync.Mutex
	attrCalls   int
	failAttr    map[int]bool
	failParent  bool
	cancelAfter int
	cancel      context.CancelFunc
}

func (f *flakyLog) InsertFaceEvent(ctx context.Context, ev core.FaceEvent) error {
	if f.failParent {
		return errors.New("disk full")
	}
	return f.Memory.InsertFaceEvent(ctx, ev)
}

func (f *flakyLog) InsertPeopleCounts(ctx context.Context, evs []core.PeopleCountEvent) error {
	if f.failParent {
		return errors.New("disk full")
	}
	return f.Memory.InsertPeopleCounts(ctx, evs)
}

func (f *flakyLog) InsertFaceAttribute(ctx context.Context, attr core.FaceAttribute) error {
	f.mu.Lock()
	n := f.attrCalls
	f.attrCalls++
	f.mu.Unlock()

	if f.cancel != nil && n+1 == f.cancelAfter {
		defer f.cancel()
	}
	if f.failAttr[n] {
		return errors.New("constraint violation")
	}
	return f.Memory.InsertFaceAttribute(ctx, attr)
}

type sinkCall struct {
	kind  core.EventKind
	attrs int
	err   error
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *fakeSink) PeopleCounted(ctx context.Context, _ core.ChannelRef, _ core.PeopleCountEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: core.EventKindPeopleCount, err: ctx.Err()})
}

func (s *fakeSink) FacesDetected(ctx context.Context, _ core.ChannelRef, _ core.FaceEvent, attrs []core.FaceAttribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: core.EventKindFaceDetection, attrs: len(attrs), err: ctx.Err()})
}

var ref = core.ChannelRef{DeviceID: "dev-1", IP: "10.0.0.5", ChannelNo: 2}

func faces(n int) []core.FaceObservation {
	out := make([]core.FaceObservation, n)
	for i := range out {
		age := 20 + i
		out[i] = core.FaceObservation{Age: &age}
	}
	return out
}

func TestRecordPeopleCountOneRowPerLine(t *testing.T) {
	mem := store.NewMemory()
	sink := &fakeSink{}
	r := New(mem, sink)

	raw := &core.RawEvent{
		Kind:      core.EventKindPeopleCount,
		EventTime: time.Unix(1700000000, 0).UTC(),
		Lines:     []core.LineCount{{LineID: 1, In: 3, Out: 1}, {LineID: 2, In: 0, Out: 4}},
	}
	rows, err := r.RecordPeopleCount(context.Background(), ref, raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID == rows[1].ID || rows[1].Out != 4 {
		t.Fatalf("rows = %+v", rows)
	}
	if people, _, _ := mem.EventCounts(); people != 2 {
		t.Errorf("stored = %d", people)
	}
	if len(sink.calls) != 2 {
		t.Errorf("sink notified %d times, want once per line", len(sink.calls))
	}
}

func TestRecordFailureIsHard(t *testing.T) {
	log := &flakyLog{Memory: store.NewMemory(), failParent: true}
	sink := &fakeSink{}
	r := New(log, sink)

	if _, err := r.RecordPeopleCount(context.Background(), ref, &core.RawEvent{Lines: []core.LineCount{{LineID: 1}}}); err == nil {
		t.Error("people-count insert failure should propagate")
	}
	if _, _, err := r.RecordFaceDetection(context.Background(), ref, &core.RawEvent{Faces: faces(1)}); err == nil {
		t.Error("face event insert failure should propagate")
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink notified for uncommitted events: %+v", sink.calls)
	}
}

// failSecondLine recusa o lote quando ele tem mais de uma linha, como o
// banco faz quando uma das linhas viola uma constraint.
type failSecondLine struct{ *store.Memory }

func (f failSecondLine) InsertPeopleCounts(ctx context.Context, evs []core.PeopleCountEvent) error {
	if len(evs) > 1 {
		return errors.New("constraint violation on line 2")
	}
	return f.Memory.InsertPeopleCounts(ctx, evs)
}

func TestRecordPeopleCountIsAllOrNothing(t *testing.T) {
	mem := store.NewMemory()
	sink := &fakeSink{}
	r := New(failSecondLine{mem}, sink)

	raw := &core.RawEvent{
		Kind:      core.EventKindPeopleCount,
		EventTime: time.Unix(1700000000, 0).UTC(),
		Lines:     []core.LineCount{{LineID: 1, In: 3, Out: 1}, {LineID: 2, In: 2}},
	}
	rows, err := r.RecordPeopleCount(context.Background(), ref, raw)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rows) != 0 {
		t.Errorf("returned rows = %+v", rows)
	}
	if people, _, _ := mem.EventCounts(); people != 0 {
		t.Errorf("stored = %d, want 0", people)
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink notified for a failed batch: %+v", sink.calls)
	}
}

func TestFaceAttributesBestEffort(t *testing.T) {
	log := &flakyLog{Memory: store.NewMemory(), failAttr: map[int]bool{1: true}}
	sink := &fakeSink{}
	r := New(log, sink)

	ev, attrs, err := r.RecordFaceDetection(context.Background(), ref, &core.RawEvent{Faces: faces(3)})
	if err != nil {
		t.Fatal(err)
	}
	if ev.FacesDetected != 3 || len(attrs) != 2 {
		t.Fatalf("facesDetected=%d attrs=%d", ev.FacesDetected, len(attrs))
	}
	if _, faces, stored := log.EventCounts(); faces != 1 || stored != 2 {
		t.Errorf("stored faces=%d attrs=%d", faces, stored)
	}
	if len(sink.calls) != 1 || sink.calls[0].attrs != 2 {
		t.Errorf("sink calls = %+v, want one call with 2 attrs", sink.calls)
	}
}

func TestFaceAttributesAbandonedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	log := &flakyLog{Memory: store.NewMemory(), cancelAfter: 2, cancel: cancel}
	sink := &fakeSink{}
	r := New(log, sink)

	ev, attrs, err := r.RecordFaceDetection(ctx, ref, &core.RawEvent{Faces: faces(5)})
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || len(attrs) != 2 {
		t.Fatalf("attrs = %d, want 2 before cancellation", len(attrs))
	}
	if len(sink.calls) != 1 || sink.calls[0].err != nil {
		t.Errorf("sink must still see the committed event with a live context: %+v", sink.calls)
	}
}

type chanArchive struct {
	keys chan string
}

func (a *chanArchive) ArchivePayload(_ context.Context, key string, _ []byte) error {
	a.keys <- key
	return nil
}

func TestArchivePayload(t *testing.T) {
	arch := &chanArchive{keys: make(chan string, 1)}
	r := New(store.NewMemory(), nil, WithArchive(arch))

	raw := &core.RawEvent{
		EventTime: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Faces:     faces(1),
		Payload:   []byte(`{"x":1}`),
	}
	ev, _, err := r.RecordFaceDetection(context.Background(), ref, raw)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case key := <-arch.keys:
		want := "face-detection/10.0.0.5/2026-02-03/" + ev.ID + ".json"
		if key != want {
			t.Errorf("key = %q, want %q", key, want)
		}
	case <-time.After(time.Second):
		t.Fatal("payload was not archived")
	}

	if k := ArchiveKey(core.EventKindPeopleCount, "1.2.3.4", raw.EventTime, "x"); !strings.HasPrefix(k, "people-count/1.2.3.4/") {
		t.Errorf("ArchiveKey = %q", k)
	}
}
