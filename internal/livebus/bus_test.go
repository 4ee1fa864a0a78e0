package livebus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
)

func event(ch string) core.LiveEvent {
	return core.LiveEvent{Type: core.EventKindPeopleCount, IP: "10.0.0.5", ChannelID: ch, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	sub, err := bus.Subscribe(4)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	bus.Publish(event("1"))

	select {
	case got := <-sub.C():
		if got.ChannelID != "1" {
			t.Errorf("channelId = %q", got.ChannelID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	slow, _ := bus.Subscribe(1)
	fast, _ := bus.Subscribe(16)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(event("1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if slow.Dropped() != 9 {
		t.Errorf("slow dropped = %d, want 9", slow.Dropped())
	}
	if fast.Dropped() != 0 || len(fast.C()) != 10 {
		t.Errorf("fast dropped = %d, queued = %d", fast.Dropped(), len(fast.C()))
	}

	st := bus.Stats()
	if st.TotalPublished != 10 || st.TotalSent+st.TotalDropped != 20 {
		t.Errorf("stats = %+v", st)
	}
}

func TestOrderPerSubscriber(t *testing.T) {
	bus := New(0)
	defer bus.Close()
	sub, _ := bus.Subscribe(100)

	for i := 0; i < 100; i++ {
		bus.Publish(core.LiveEvent{ChannelID: string(rune('A' + i%26)), In: &i})
	}
	for i := 0; i < 100; i++ {
		got := <-sub.C()
		if *got.In != i {
			t.Fatalf("event %d arrived as %d", i, *got.In)
		}
	}
}

func TestSubscriberLimit(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	a, _ := bus.Subscribe(1)
	if _, err := bus.Subscribe(1); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(1); !errors.Is(err, ErrTooManySubscribers) {
		t.Fatalf("err = %v, want ErrTooManySubscribers", err)
	}

	a.Close()
	a.Close()
	if _, err := bus.Subscribe(1); err != nil {
		t.Fatalf("slot not released after Close: %v", err)
	}
	if _, ok := <-a.C(); ok {
		t.Error("closed subscription channel still open")
	}
}

func TestCloseBus(t *testing.T) {
	bus := New(0)
	sub, _ := bus.Subscribe(1)
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscription not closed with bus")
	}
	if _, err := bus.Subscribe(1); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("err = %v", err)
	}
	bus.Publish(event("1"))
	sub.Close()
}

func TestConcurrentPublishConservation(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	const publishers, each = 8, 50
	sub, _ := bus.Subscribe(publishers * each)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				bus.Publish(event("2"))
			}
		}()
	}
	wg.Wait()

	if got := len(sub.C()); got != publishers*each {
		t.Errorf("received %d, want %d", got, publishers*each)
	}
}
