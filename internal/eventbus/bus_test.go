package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeTaskStarted, Data: "x"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != TypeTaskStarted {
				t.Fatalf("sub %d: type=%q", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatalf("sub %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestSubscribePrefixFilters(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.SubscribePrefix(4, PrefixDomain)
	defer unsub()

	b.Publish(Event{Type: TypeTaskFailed})
	b.Publish(Event{Type: PrefixDomain + "traffic_spike"})

	select {
	case ev := <-ch:
		if ev.Type != "domain.traffic_spike" {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected domain event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %q", ev.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	st := b.Stats()
	if st.Published != 5 || st.Delivered != 1 || st.Dropped != 4 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
	if st := b.Stats(); st.Subscribers != 0 {
		t.Fatalf("subscribers=%d", st.Subscribers)
	}
}
