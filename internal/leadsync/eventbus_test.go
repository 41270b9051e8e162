package leadsync

import "testing"

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(WorkflowEvent{ID: "ev-1", EventType: EventLeadIngested})

	for name, ch := range map[string]<-chan WorkflowEvent{"a": a, "b": b} {
		select {
		case event := <-ch:
			if event.ID != "ev-1" {
				t.Fatalf("subscriber %s got %+v", name, event)
			}
		default:
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(WorkflowEvent{ID: "ev-1"})
	bus.Publish(WorkflowEvent{ID: "ev-2"})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
	if event := <-ch; event.ID != "ev-1" {
		t.Fatalf("kept event = %s, want ev-1", event.ID)
	}
}

func TestEventBusCancelTwiceIsSafe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	// Publishing after cancellation must not panic on the closed channel.
	bus.Publish(WorkflowEvent{ID: "ev-1"})
}
