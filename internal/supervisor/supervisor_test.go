package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/sua-org/cam-counter/internal/core"
	"github.com/sua-org/cam-counter/internal/livebus"
	"github.com/sua-org/cam-counter/internal/logging"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, qos, retained, payload})
	return f.err
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestEventTopic(t *testing.T) {
	ev := core.LiveEvent{Type: core.EventKindFaceDetection, IP: "10.0.0.7", ChannelID: "1"}
	tests := []struct {
		base string
		want string
	}{
		{"cam-counter/cameras", "cam-counter/cameras/10.0.0.7/1/face-detection/events"},
		{"cam-counter/cameras/", "cam-counter/cameras/10.0.0.7/1/face-detection/events"},
	}
	for _, tt := range tests {
		if got := EventTopic(tt.base, ev); got != tt.want {
			t.Errorf("EventTopic(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestMQTTBridgeForwardsLiveEvents(t *testing.T) {
	bus := livebus.New(4)
	pub := &fakePublisher{}
	bridge := NewMQTTBridge(bus, pub, "base", 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Serve(ctx) }()

	waitFor(t, "bridge subscription", func() bool { return bus.Stats().Subscribers == 1 })

	in := 3
	bus.Publish(core.LiveEvent{Type: core.EventKindPeopleCount, IP: "10.0.0.5", ChannelID: "2", In: &in, Timestamp: time.Now().UTC()})
	waitFor(t, "mqtt publish", func() bool { return len(pub.all()) == 1 })

	msg := pub.all()[0]
	if msg.topic != "base/10.0.0.5/2/people-count/events" || msg.qos != 1 || msg.retained {
		t.Errorf("published %s qos=%d retained=%v", msg.topic, msg.qos, msg.retained)
	}
	var ev core.LiveEvent
	if err := json.Unmarshal(msg.payload, &ev); err != nil || ev.In == nil || *ev.In != 3 {
		t.Errorf("payload = %s (%v)", msg.payload, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v", err)
	}
	if got := bus.Stats().Subscribers; got != 0 {
		t.Errorf("subscription leaked: %d", got)
	}
}

func TestMQTTBridgeSurvivesPublishErrors(t *testing.T) {
	bus := livebus.New(4)
	pub := &fakePublisher{err: errors.New("broker down")}
	bridge := NewMQTTBridge(bus, pub, "base", 8)

	done := make(chan error, 1)
	go func() { done <- bridge.Serve(context.Background()) }()
	waitFor(t, "bridge subscription", func() bool { return bus.Stats().Subscribers == 1 })

	for i := 0; i < 3; i++ {
		bus.Publish(core.LiveEvent{Type: core.EventKindPeopleCount, IP: "10.0.0.5", ChannelID: "1"})
	}
	waitFor(t, "publish attempts", func() bool { return len(pub.all()) == 3 })

	// fechar o bus encerra a ponte sem pedir restart
	_ = bus.Close()
	if err := <-done; !errors.Is(err, suture.ErrDoNotRestart) {
		t.Errorf("Serve returned %v, want ErrDoNotRestart", err)
	}
}

type fakeLive struct{ stats livebus.Stats }

func (f fakeLive) Stats() livebus.Stats { return f.stats }

type fakeCounter int

func (f fakeCounter) Len() int { return int(f) }

func TestStatusPublisher(t *testing.T) {
	pub := &fakePublisher{}
	s := NewStatusPublisher(pub, "base/", time.Hour,
		fakeLive{livebus.Stats{Subscribers: 2, TotalDropped: 5}}, fakeCounter(7))

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := s.Snapshot(now)
	if snap.Channels != 7 || snap.LiveSubscribers != 2 || snap.LiveDropped != 5 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Timestamp != "2026-03-10T12:00:00Z" || snap.Status != "online" {
		t.Errorf("snapshot header = %+v", snap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	waitFor(t, "initial status", func() bool { return len(pub.all()) == 1 })
	cancel()
	<-done

	msg := pub.all()[0]
	if msg.topic != "base/collector/status" || !msg.retained {
		t.Errorf("status published to %s retained=%v", msg.topic, msg.retained)
	}
	var got CollectorStatus
	if err := json.Unmarshal(msg.payload, &got); err != nil || got.Collector != "cam-counter" {
		t.Errorf("payload = %s (%v)", msg.payload, err)
	}
}

type fakeHTTPServer struct {
	listenErr error
	stop      chan struct{}
	once      sync.Once
}

func newFakeHTTPServer(listenErr error) *fakeHTTPServer {
	return &fakeHTTPServer{listenErr: listenErr, stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return nil
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.once.Do(func() { close(f.stop) })
	return nil
}

func TestHTTPServerService(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		srv := newFakeHTTPServer(nil)
		svc := NewHTTPServerService(srv, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
	})

	t.Run("listen failure", func(t *testing.T) {
		svc := NewHTTPServerService(newFakeHTTPServer(errors.New("address in use")), time.Second)
		err := svc.Serve(context.Background())
		if err == nil || err.Error() != "http server failed: address in use" {
			t.Errorf("Serve returned %v", err)
		}
	})
}

func TestTreeRunsAndStops(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger("supervisor"), TreeConfig{ShutdownTimeout: time.Second})

	srv := newFakeHTTPServer(nil)
	tree.AddAPIService(NewHTTPServerService(srv, time.Second))
	bus := livebus.New(2)
	tree.AddMessagingService(NewMQTTBridge(bus, &fakePublisher{}, "base", 4))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	waitFor(t, "bridge subscription", func() bool { return bus.Stats().Subscribers == 1 })

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) != 0 {
		t.Errorf("unstopped services: %v", report)
	}
}
