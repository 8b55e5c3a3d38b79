package broadcast

import (
	"testing"
	"time"
)

func TestTopicSubscribeUnsubscribe(t *testing.T) {
	topic := NewTopic[int](0)

	_, cancel1 := topic.Subscribe()
	_, cancel2 := topic.Subscribe()
	if topic.Count() != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", topic.Count())
	}

	cancel1()
	cancel1() // idempotent
	if topic.Count() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", topic.Count())
	}

	cancel2()
	if topic.Count() != 0 {
		t.Fatalf("Expected 0 subscribers, got %d", topic.Count())
	}
}

func TestTopicPublishOrder(t *testing.T) {
	topic := NewTopic[string](8)
	ch, cancel := topic.Subscribe()
	defer cancel()

	topic.Publish("a")
	topic.Publish("b")
	topic.Publish("c")

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("Expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for value")
		}
	}
}

func TestTopicMultipleSubscribers(t *testing.T) {
	topic := NewTopic[int](1)
	ch1, cancel1 := topic.Subscribe()
	defer cancel1()
	ch2, cancel2 := topic.Subscribe()
	defer cancel2()

	topic.Publish(7)

	if v := <-ch1; v != 7 {
		t.Fatalf("Subscriber 1 expected 7, got %d", v)
	}
	if v := <-ch2; v != 7 {
		t.Fatalf("Subscriber 2 expected 7, got %d", v)
	}
}

func TestTopicDropsForSlowSubscriber(t *testing.T) {
	topic := NewTopic[int](1)
	ch, cancel := topic.Subscribe()
	defer cancel()

	topic.Publish(1)
	topic.Publish(2) // buffer full

	if topic.Dropped() != 1 {
		t.Fatalf("Expected 1 dropped delivery, got %d", topic.Dropped())
	}
	if v := <-ch; v != 1 {
		t.Fatalf("Expected first value to survive, got %d", v)
	}
}

func TestTopicClose(t *testing.T) {
	topic := NewTopic[int](0)
	ch, cancel := topic.Subscribe()

	topic.Close()
	topic.Close()
	cancel() // safe after close

	if _, ok := <-ch; ok {
		t.Fatal("Channel should be closed")
	}

	late, _ := topic.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("Subscribing after close should return a closed channel")
	}

	topic.Publish(1) // no panic
}
