package server

import (
	"errors"
	"net"
	"testing"
)

func TestNewClientID(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
	a, b := NewClientID(addr), NewClientID(addr)

	if a.String() != "127.0.0.1:4242" {
		t.Errorf("expected address rendering, got %q", a.String())
	}
	if a == b {
		t.Error("two connections from the same address must not share an id")
	}

	anonymous := NewClientID(nil)
	if anonymous.String() != anonymous.Session.String() {
		t.Errorf("id without address should render its session, got %q", anonymous.String())
	}
}

func TestMailbox_Deliver(t *testing.T) {
	m := NewMailbox(2)

	for i := 0; i < 2; i++ {
		if err := m.Deliver(SendText{Text: "x"}); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i, err)
		}
	}
	if err := m.Deliver(SendText{Text: "x"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected %v, got %v", ErrQueueFull, err)
	}

	<-m.Commands()
	m.Close()
	m.Close()
	if err := m.Deliver(SendText{Text: "x"}); !errors.Is(err, ErrClientGone) {
		t.Errorf("expected %v after Close, got %v", ErrClientGone, err)
	}
}

func TestMailbox_EvictIsIdempotent(t *testing.T) {
	m := NewMailbox(0)
	m.Evict()
	m.Evict()
	select {
	case <-m.Evicted():
	default:
		t.Error("Evicted channel should be closed")
	}
	if cap(m.queue) != 1 {
		t.Errorf("expected minimum capacity 1, got %d", cap(m.queue))
	}
}
