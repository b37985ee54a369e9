package session

import (
	"context"
	"testing"
	"time"
)

func newIdleMachine(t *testing.T, id string) *Machine {
	t.Helper()
	sink := &fakeChatSink{}
	m, err := New(Dependencies{
		Sink:  sink,
		Chat:  sink,
		Relay: &fakeRelay{fn: func(context.Context, string, string, string, func() bool) (string, bool) { return "", false }},
	}, Config{ID: id, Channel: ChannelChat})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	m := newIdleMachine(t, "chat_a")

	unregister := r.Register(m)
	if got := r.Count(); got != 1 {
		t.Fatalf("count=%d, want 1", got)
	}
	if got := r.Get("chat_a"); got != m {
		t.Fatalf("get returned %v, want registered machine", got)
	}
	if got := r.Get("chat_missing"); got != nil {
		t.Fatalf("get for unknown id returned %v", got)
	}

	unregister()
	unregister() // idempotent
	if got := r.Count(); got != 0 {
		t.Fatalf("count=%d after unregister, want 0", got)
	}
	if got := r.Get("chat_a"); got != nil {
		t.Fatalf("get after unregister returned %v", got)
	}
}

func TestRegistryDoubleRegisterEvicts(t *testing.T) {
	r := NewRegistry()
	first := newIdleMachine(t, "chat_dup")
	second := newIdleMachine(t, "chat_dup")

	r.Register(first)
	unregister := r.Register(second)

	if got := r.Count(); got != 1 {
		t.Fatalf("count=%d, want 1", got)
	}
	if got := r.Get("chat_dup"); got != second {
		t.Fatalf("get returned first entry after re-register")
	}

	unregister()
	if got := r.Count(); got != 0 {
		t.Fatalf("count=%d, want 0", got)
	}
}

func TestRegistryDrain(t *testing.T) {
	r := NewRegistry()
	var machines []*Machine
	for _, id := range []string{"chat_1", "chat_2", "chat_3"} {
		m := newIdleMachine(t, id)
		machines = append(machines, m)
		unregister := r.Register(m)
		go func(m *Machine, unregister func()) {
			m.Run(context.Background())
			unregister()
		}(m, unregister)
	}

	if got := r.CancelAll(); got != 3 {
		t.Fatalf("canceled=%d, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("registry did not drain")
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("count=%d after drain, want 0", got)
	}
	for _, m := range machines {
		if got := m.Status(); got != StatusClosed {
			t.Fatalf("status=%q after drain, want closed", got)
		}
	}
}

func TestRegistryWaitTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(newIdleMachine(t, "chat_stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("wait reported drained with a live session")
	}
}
