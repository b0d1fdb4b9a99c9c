package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", OldStatus: "queued", NewStatus: "running"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskStateChanged {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskStateChanged)
		}
		payload, ok := ev.Payload.(TaskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.TaskID != "t1" || payload.NewStatus != "running" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	loopSub := b.Subscribe("loop.")
	defer b.Unsubscribe(loopSub)

	b.Publish(TopicTaskCompleted, TaskOutcomeEvent{TaskID: "t1"})
	b.Publish(TopicLoopStep, LoopStepEvent{TaskID: "t1", Step: 3})

	select {
	case ev := <-loopSub.Ch():
		if ev.Topic != TopicLoopStep {
			t.Fatalf("got topic %q, want loop.step only", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	select {
	case ev := <-loopSub.Ch():
		t.Fatalf("unexpected second event %q", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicEnvReady, EnvEvent{TaskID: "t1", EnvID: "e1"})
	b.Publish(TopicLoopPaused, LoopStepEvent{TaskID: "t1"})

	got := 0
	for got < 2 {
		select {
		case <-sub.Ch():
			got++
		case <-time.After(time.Second):
			t.Fatalf("received %d events, want 2", got)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Second unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicLoopStep, LoopStepEvent{Step: i})
	}
	// Publish must not block even though the buffer overflowed.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("buffered %d events, want %d", count, defaultBufferSize)
			}
			return
		}
	}
}
