package broadcast

import (
	"sync"
	"testing"
)

func TestHub_NotifyCallsEachListenerOnceInOrder(t *testing.T) {
	h := New(nil)
	var order []int
	h.Subscribe(func() { order = append(order, 1) })
	h.Subscribe(func() { order = append(order, 2) })
	h.Subscribe(func() { order = append(order, 3) })

	h.Notify(TopicTickets)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("call order = %v, want [1 2 3]", order)
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := New(nil)
	calls := 0
	unsub := h.Subscribe(func() { calls++ })
	other := 0
	h.Subscribe(func() { other++ })

	unsub()
	unsub()
	h.Notify(TopicState)

	if calls != 0 {
		t.Errorf("unsubscribed listener called %d times", calls)
	}
	if other != 1 {
		t.Errorf("remaining listener called %d times, want 1", other)
	}
	if h.Listeners() != 1 {
		t.Errorf("Listeners = %d, want 1", h.Listeners())
	}
}

func TestHub_PanicIsolated(t *testing.T) {
	var reported []int
	h := New(func(idx int, err error) { reported = append(reported, idx) })

	after := 0
	h.Subscribe(func() { panic("boom") })
	h.Subscribe(func() { after++ })

	h.Notify(TopicActivity)

	if after != 1 {
		t.Errorf("listener after the panicking one ran %d times, want 1", after)
	}
	if len(reported) != 1 || reported[0] != 0 {
		t.Errorf("reported = %v, want [0]", reported)
	}
}

func TestHub_ListenerMayUnsubscribeDuringNotify(t *testing.T) {
	h := New(nil)
	calls := 0
	var unsub func()
	unsub = h.Subscribe(func() {
		calls++
		unsub()
	})

	h.Notify(TopicState)
	h.Notify(TopicState)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHub_WatchReceivesEvents(t *testing.T) {
	h := New(nil)
	events, cancel := h.Watch(4)
	defer cancel()

	h.Notify(TopicTickets)
	h.Notify(TopicSport)

	first := <-events
	second := <-events
	if first.Topic != TopicTickets || second.Topic != TopicSport {
		t.Errorf("topics = %s, %s", first.Topic, second.Topic)
	}
	if second.Seq != first.Seq+1 {
		t.Errorf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}
}

func TestHub_WatchDropsWhenFull(t *testing.T) {
	h := New(nil)
	_, cancel := h.Watch(1)
	defer cancel()

	h.Notify(TopicTickets)
	h.Notify(TopicTickets)
	h.Notify(TopicTickets)

	if h.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", h.Dropped())
	}
}

func TestHub_WatchCancelClosesChannel(t *testing.T) {
	h := New(nil)
	events, cancel := h.Watch(1)
	cancel()
	cancel()

	if _, ok := <-events; ok {
		t.Error("channel should be closed")
	}
	if h.Watchers() != 0 {
		t.Errorf("Watchers = %d, want 0", h.Watchers())
	}
	h.Notify(TopicState) // must not panic on a closed channel
}

func TestHub_ConcurrentNotify(t *testing.T) {
	h := New(nil)
	var mu sync.Mutex
	calls := 0
	h.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	events, cancel := h.Watch(1000)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Notify(TopicActivity)
		}()
	}
	wg.Wait()

	if calls != 50 {
		t.Errorf("calls = %d, want 50", calls)
	}
	if len(events) != 50 {
		t.Errorf("buffered events = %d, want 50", len(events))
	}
	if h.Seq() != 50 {
		t.Errorf("Seq = %d, want 50", h.Seq())
	}
}
