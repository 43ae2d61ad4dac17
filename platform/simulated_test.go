package platform

import (
	"context"
	"errors"
	"testing"
)

func TestSimulatedDeliversToLiveSubscription(t *testing.T) {
	sim := NewSimulated(Options{})
	src := sim.Source()
	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	sub := NewSubscription("notepad.exe", sink)
	if err := src.Subscribe(sub); err != nil {
		t.Fatal(err)
	}
	if sub.Refs() != 2 {
		t.Fatalf("Refs() = %d after Subscribe, want 2", sub.Refs())
	}
	if sim.Subscribers() != 1 || sim.LastSubscription() != sub {
		t.Fatal("subscription not registered")
	}

	sim.Emit("calc.exe", "notepad.exe")
	if got := sink.names(); len(got) != 1 || got[0] != "notepad.exe" {
		t.Fatalf("delivered %v", got)
	}

	if err := src.Cancel(sub); err != nil {
		t.Fatal(err)
	}
	if sub.Refs() != 1 {
		t.Fatalf("Refs() = %d after Cancel, want 1", sub.Refs())
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if sim.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d after Close", sim.Subscribers())
	}

	sim.Emit("notepad.exe")
	if got := sink.names(); len(got) != 1 {
		t.Fatalf("delivered %v after Close", got)
	}
}

func TestSimulatedFailures(t *testing.T) {
	boom := errors.New("boom")

	sim := NewSimulated(Options{})
	sim.FailConnect(boom)
	err := sim.Source().Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !errors.Is(err, boom) {
		t.Fatalf("Connect error = %v, want ConnectionError wrapping boom", err)
	}
	sim.FailConnect(nil)

	sim.FailSubscribe(boom)
	src := sim.Source()
	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub := NewSubscription("x", &recordingSink{})
	var subErr *SubscriptionError
	if err := src.Subscribe(sub); !errors.As(err, &subErr) {
		t.Fatalf("Subscribe error = %v, want SubscriptionError", err)
	}
	if sub.Refs() != 1 {
		t.Fatalf("failed Subscribe kept a reference: %d", sub.Refs())
	}
	sim.FailSubscribe(nil)

	sim.FailCancel(boom)
	if err := src.Subscribe(sub); err != nil {
		t.Fatal(err)
	}
	var cancelErr *CancellationError
	if err := src.Cancel(sub); !errors.As(err, &cancelErr) {
		t.Fatalf("Cancel error = %v, want CancellationError", err)
	}
	if sub.Refs() != 1 {
		t.Fatalf("failed Cancel kept a reference: %d", sub.Refs())
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSimulatedDisconnect(t *testing.T) {
	sim := NewSimulated(Options{})
	src := sim.Source()
	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	sub := NewSubscription("x", sink)
	if err := src.Subscribe(sub); err != nil {
		t.Fatal(err)
	}

	gone := errors.New("service stopped")
	sim.Disconnect(gone)
	if !errors.Is(src.Err(), gone) {
		t.Fatalf("Err() = %v", src.Err())
	}
	sim.Emit("x")
	if len(sink.names()) != 0 {
		t.Fatal("delivered after disconnect")
	}
	src.Close()
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New("carrier-pigeon", Options{})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("New error = %v, want ConnectionError", err)
	}
}

func TestPollBackendRegistered(t *testing.T) {
	src, err := New(BackendPoll, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if src.Name() != BackendPoll {
		t.Fatalf("Name() = %q", src.Name())
	}
}
