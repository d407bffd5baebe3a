package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryPublishReachesSubscriber(t *testing.T) {
	b := NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan Event, 1)
	go func() {
		_ = b.Subscribe(ctx, func(ev Event) { got <- ev })
	}()

	// Give the subscriber a moment to register.
	waitForSubscribers(t, b, 1)

	ev := Event{
		Origin: "instance-a",
		Key:    "user-1",
		Frame:  json.RawMessage(`{"type":4}`),
		At:     time.Now(),
	}
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case rcv := <-got:
		if rcv.Key != "user-1" || rcv.Origin != "instance-a" {
			t.Errorf("received %+v", rcv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestMemoryPublishRecorded(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	for _, key := range []string{"user-1", "user-2", Broadcast} {
		if err := b.Publish(ctx, Event{Key: key}); err != nil {
			t.Fatalf("Publish(%q): %v", key, err)
		}
	}

	pub := b.Published()
	if len(pub) != 3 {
		t.Fatalf("Published() has %d events, want 3", len(pub))
	}
	if pub[2].Key != Broadcast {
		t.Errorf("last key = %q, want %q", pub[2].Key, Broadcast)
	}
}

func TestMemoryPublishAfterCloseDropped(t *testing.T) {
	b := NewMemory()
	_ = b.Close()

	if err := b.Publish(context.Background(), Event{Key: "user-1"}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if len(b.Published()) != 0 {
		t.Error("event recorded after close")
	}
}

func TestMemorySubscribeStopsOnCancel(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(Event) {})
	}()
	waitForSubscribers(t, b, 1)

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Subscribe returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	waitForSubscribers(t, b, 0)
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := Event{
		Origin: "instance-b",
		Key:    "user-7",
		Frame:  json.RawMessage(`{"type":4,"data":"hello"}`),
		At:     time.Now().UTC().Truncate(time.Second),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Origin != ev.Origin || back.Key != ev.Key || !back.At.Equal(ev.At) {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if string(back.Frame) != string(ev.Frame) {
		t.Errorf("frame = %s, want %s", back.Frame, ev.Frame)
	}
}

func waitForSubscribers(t *testing.T, b *MemoryBus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		cur := len(b.handlers)
		b.mu.Unlock()
		if cur == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d", n)
}
