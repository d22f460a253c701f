package session

import (
	"testing"
	"time"
)

// RingBuffer tests

func TestRingBufferPushAndItems(t *testing.T) {
	rb := NewRingBuffer[int](5)

	rb.Push(1)
	rb.Push(2)
	rb.Push(3)

	items := rb.Items()
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	if items[0] != 1 || items[1] != 2 || items[2] != 3 {
		t.Errorf("Expected [1,2,3], got %v", items)
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewRingBuffer[int](3)

	rb.Push(1)
	rb.Push(2)
	rb.Push(3)
	rb.Push(4) // Overwrites 1
	rb.Push(5) // Overwrites 2

	items := rb.Items()
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	if items[0] != 3 || items[1] != 4 || items[2] != 5 {
		t.Errorf("Expected [3,4,5], got %v", items)
	}
}

func TestRingBufferLen(t *testing.T) {
	rb := NewRingBuffer[string](5)

	if rb.Len() != 0 {
		t.Errorf("Expected Len()=0 for empty buffer, got %d", rb.Len())
	}

	rb.Push("a")
	rb.Push("b")
	if rb.Len() != 2 {
		t.Errorf("Expected Len()=2, got %d", rb.Len())
	}

	// Fill past capacity
	rb.Push("c")
	rb.Push("d")
	rb.Push("e")
	rb.Push("f") // Overflow
	if rb.Len() != 5 {
		t.Errorf("Expected Len()=5 (capped at capacity), got %d", rb.Len())
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer[int](5)
	rb.Push(1)
	rb.Push(2)

	rb.Clear()

	if rb.Len() != 0 {
		t.Errorf("Expected Len()=0 after Clear(), got %d", rb.Len())
	}

	items := rb.Items()
	if items != nil {
		t.Errorf("Expected nil items after Clear(), got %v", items)
	}
}

func TestRingBufferEmptyItems(t *testing.T) {
	rb := NewRingBuffer[int](5)
	items := rb.Items()
	if items != nil {
		t.Errorf("Expected nil for empty buffer, got %v", items)
	}
}

// Streamer tests

func TestStreamerEmitAndSubscribe(t *testing.T) {
	s := NewStreamer(100)

	id, ch := s.Subscribe("", false)
	defer s.Unsubscribe(id)

	s.Emit(Event{Profile: "corp", Kind: EventLogLine, Detail: "tunnel line"})

	select {
	case got := <-ch:
		if got.Detail != "tunnel line" {
			t.Errorf("Expected detail %q, got %q", "tunnel line", got.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for emitted event")
	}
}

func TestStreamerProfileFilter(t *testing.T) {
	s := NewStreamer(100)

	id, ch := s.Subscribe("corp", false)
	defer s.Unsubscribe(id)

	s.Emit(Event{Profile: "lab", Kind: EventLogLine, Detail: "other session"})
	s.Emit(Event{Profile: "corp", Kind: EventLogLine, Detail: "mine"})

	select {
	case got := <-ch:
		if got.Profile != "corp" || got.Detail != "mine" {
			t.Errorf("Expected corp event, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for filtered event")
	}

	select {
	case got := <-ch:
		t.Errorf("Expected no further events, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamerSubscribeWithReplay(t *testing.T) {
	s := NewStreamer(100)

	for i := 0; i < 5; i++ {
		s.Emit(Event{Profile: "corp", Kind: EventLogLine, Detail: "history"})
	}

	id, ch := s.Subscribe("corp", true)
	defer s.Unsubscribe(id)

	for i := 0; i < 5; i++ {
		select {
		case got := <-ch:
			if got.Detail != "history" {
				t.Errorf("Expected %q, got %q", "history", got.Detail)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for history event %d", i)
		}
	}
}

func TestStreamerSubscribeWithHistoryLimited(t *testing.T) {
	s := NewStreamer(100)

	for i := 0; i < 10; i++ {
		s.Emit(Event{Profile: "corp", Kind: EventLogLine, Detail: "entry"})
	}

	id, ch := s.SubscribeWithHistory("corp", 3)
	defer s.Unsubscribe(id)

	received := 0
	for {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
			if received != 3 {
				t.Errorf("Expected 3 history events, got %d", received)
			}
			return
		}
	}
}

func TestStreamerUnsubscribe(t *testing.T) {
	s := NewStreamer(100)

	id, ch := s.Subscribe("", false)

	if s.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", s.ClientCount())
	}

	s.Unsubscribe(id)

	if s.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after unsubscribe, got %d", s.ClientCount())
	}

	// Channel should be closed
	_, ok := <-ch
	if ok {
		t.Error("Expected channel to be closed after unsubscribe")
	}
}

func TestStreamerNoReplay(t *testing.T) {
	s := NewStreamer(100)

	s.Emit(Event{Profile: "corp", Detail: "old"})
	s.Emit(Event{Profile: "corp", Detail: "old"})

	id, ch := s.Subscribe("corp", false)
	defer s.Unsubscribe(id)

	s.Emit(Event{Profile: "corp", Detail: "new"})

	select {
	case got := <-ch:
		if got.Detail != "new" {
			t.Errorf("Expected %q, got %q", "new", got.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestStreamerSlowClientDoesNotBlockEmit(t *testing.T) {
	s := NewStreamer(16)

	// Never read from this subscriber
	id, _ := s.Subscribe("", false)
	defer s.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		// Well past the per-client buffer size
		for i := 0; i < 500; i++ {
			s.Emit(Event{Profile: "corp", Detail: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}
