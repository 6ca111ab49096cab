package document

import (
	"testing"
	"time"
)

func publishN(b *Broadcaster, runID string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(NewStart(NewUID(), "count", nil, nil))
	}
	_ = runID
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(8)
	defer b.Close()

	a := b.Subscribe()
	c := b.Subscribe()
	defer a.Cancel()
	defer c.Cancel()

	doc := NewStart("run-1", "count", nil, nil)
	b.Publish(doc)

	for _, sub := range []*Subscription{a, c} {
		select {
		case d := <-sub.C():
			if d.Doc.RunUID() != "run-1" {
				t.Errorf("got run %q", d.Doc.RunUID())
			}
			if d.Missed != 0 {
				t.Errorf("missed: %d", d.Missed)
			}
		case <-time.After(time.Second):
			t.Fatal("delivery timed out")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroadcaster(2)
	defer b.Close()

	slow := b.Subscribe()
	defer slow.Cancel()

	done := make(chan struct{})
	go func() {
		publishN(b, "run", 10)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// Buffer held 2, 8 were dropped.
	if got := slow.Dropped(); got != 8 {
		t.Errorf("dropped: %d, want 8", got)
	}
}

func TestMissedCountSurfacesOnNextDelivery(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Cancel()

	publishN(b, "run", 4) // 1 buffered, 3 dropped

	d := <-sub.C()
	if d.Missed != 0 {
		t.Errorf("first delivery missed: %d, want 0", d.Missed)
	}

	// The next successful delivery reports the gap.
	b.Publish(NewStart(NewUID(), "count", nil, nil))
	d = <-sub.C()
	if d.Missed != 3 {
		t.Errorf("gap: %d, want 3", d.Missed)
	}
	if sub.Dropped() != 0 {
		t.Errorf("dropped counter not reset: %d", sub.Dropped())
	}
}

func TestSubscribeStartsAtPointOfSubscription(t *testing.T) {
	b := NewBroadcaster(8)
	defer b.Close()

	publishN(b, "run", 3)
	sub := b.Subscribe()
	defer sub.Cancel()

	select {
	case d := <-sub.C():
		t.Errorf("received pre-subscription document %v", d.Doc.DocUID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()

	sub := b.Subscribe()
	sub.Cancel()
	sub.Cancel()

	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count: %d", b.SubscriberCount())
	}
	// Channel is closed after cancel.
	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after cancel")
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := NewBroadcaster(1)
	sub := b.Subscribe()
	b.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after broadcaster close")
	}
	if b.Subscribe() != nil {
		t.Error("subscribe after close should return nil")
	}
	// Publish after close is a no-op, not a panic.
	b.Publish(NewStart("run", "count", nil, nil))
}
