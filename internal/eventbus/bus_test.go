package eventbus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := New[int]()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(1)
	b.Publish(2)

	if got := <-ch; got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := <-ch; got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New[int]()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(1)
	b.Publish(2) // dropped, buffer full

	if got := <-ch; got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected value %d", v)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[string]()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	// Repeated unsubscribe is a no-op.
	b.Unsubscribe(ch)
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", b.SubscriberCount())
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var b *Bus[int]
	b.Publish(1)
	if b.SubscriberCount() != 0 {
		t.Error("nil bus should report zero subscribers")
	}
}
