package bus

import (
	"testing"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

func TestBus_PerAgentQueues(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	b.Publish("sage", domain.InboundMessage{ID: "m1"})
	b.Publish("spark", domain.InboundMessage{ID: "m2"})

	select {
	case msg := <-b.Subscribe("sage"):
		if msg.ID != "m1" {
			t.Errorf("sage queue delivered %s, want m1", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("sage queue empty")
	}

	select {
	case msg := <-b.Subscribe("spark"):
		if msg.ID != "m2" {
			t.Errorf("spark queue delivered %s, want m2", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("spark queue empty")
	}
}

func TestBus_PreservesOrder(t *testing.T) {
	b := New(8, nil)
	defer b.Close()

	for _, id := range []string{"m1", "m2", "m3"} {
		b.Publish("sage", domain.InboundMessage{ID: id})
	}
	q := b.Subscribe("sage")
	for _, want := range []string{"m1", "m2", "m3"} {
		got := <-q
		if got.ID != want {
			t.Errorf("delivered %s, want %s", got.ID, want)
		}
	}
}

func TestBus_Outbound(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("sage", func(msg domain.OutboundMessage) { got <- msg })

	b.SendOutbound("sage", domain.OutboundMessage{Agent: "sage", ChannelID: "c1", Content: "hi"})
	select {
	case msg := <-got:
		if msg.Content != "hi" || msg.ChannelID != "c1" {
			t.Errorf("outbound = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound handler not invoked")
	}

	// No handler for this agent: must not panic.
	b.SendOutbound("ghost", domain.OutboundMessage{Agent: "ghost"})
}

func TestBus_CloseEndsSubscription(t *testing.T) {
	b := New(4, nil)
	q := b.Subscribe("sage")
	b.Publish("sage", domain.InboundMessage{ID: "m1"})
	b.Close()

	// Remaining messages drain, then the channel reports closed.
	if msg, ok := <-q; !ok || msg.ID != "m1" {
		t.Fatalf("drain after close: %v %v", msg, ok)
	}
	if _, ok := <-q; ok {
		t.Error("queue still open after Close")
	}

	// Publishing to a closed bus is a no-op.
	b.Publish("sage", domain.InboundMessage{ID: "m2"})
}

func TestBus_PublishRacingCloseDoesNotPanic(t *testing.T) {
	b := New(1, nil)
	q := b.Subscribe("sage")
	b.Publish("sage", domain.InboundMessage{ID: "m1"}) // fills the queue

	published := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Publish panicked during Close: %v", r)
			}
			close(published)
		}()
		b.Publish("sage", domain.InboundMessage{ID: "m2"}) // parks, queue full
	}()

	closed := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Close()
		close(closed)
	}()

	// Drain m1 so the parked publish can land; Close must wait for it
	// rather than closing the queue underneath it.
	time.Sleep(100 * time.Millisecond)
	if got := <-q; got.ID != "m1" {
		t.Fatalf("delivered %s, want m1", got.ID)
	}

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("parked Publish never returned")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}

	got, ok := <-q
	if !ok || got.ID != "m2" {
		t.Fatalf("queue delivered (%q, %v), want m2 before close", got.ID, ok)
	}
	if _, ok := <-q; ok {
		t.Error("queue still open after Close")
	}
}
