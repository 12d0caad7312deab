package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func tick(n int) ReportTick {
	return ReportTick{Source: SourceTasks, TasksCompleted: n, At: time.Now()}
}

func recvN(t *testing.T, rx *Receiver, n int) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make([]Message, 0, n)
	for len(out) < n {
		msg, err := rx.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: unexpected error: %v", len(out), err)
		}
		out = append(out, msg)
	}
	return out
}

func TestBus_DeliversToAllSubscribersInOrder(t *testing.T) {
	bus := NewBus(8, nil)
	rx1 := bus.Subscribe()
	rx2 := bus.Subscribe()

	for i := 1; i <= 5; i++ {
		n, err := bus.Publish(tick(i))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 receivers, got %d", n)
		}
	}

	for name, rx := range map[string]*Receiver{"rx1": rx1, "rx2": rx2} {
		msgs := recvN(t, rx, 5)
		for i, msg := range msgs {
			got := msg.(ReportTick).TasksCompleted
			if got != i+1 {
				t.Errorf("%s: message %d has TasksCompleted=%d, want %d", name, i, got, i+1)
			}
		}
	}
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	bus := NewBus(4, nil)
	early := bus.Subscribe()

	if _, err := bus.Publish(AuthChanged{LoggedIn: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	late := bus.Subscribe()
	if _, err := late.TryRecv(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("late subscriber: expected ErrEmpty, got %v", err)
	}

	if _, err := bus.Publish(AuthChanged{LoggedIn: false}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := late.TryRecv()
	if err != nil {
		t.Fatalf("late subscriber: %v", err)
	}
	if msg.(AuthChanged).LoggedIn {
		t.Errorf("late subscriber observed a message published before it subscribed")
	}

	if got := len(recvN(t, early, 2)); got != 2 {
		t.Errorf("early subscriber got %d messages, want 2", got)
	}
}

func TestBus_SlowSubscriberLagsWithoutBlockingPublisher(t *testing.T) {
	bus := NewBus(2, nil)
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 5; i++ {
			_, _ = bus.Publish(tick(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	_, err := slow.TryRecv()
	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("expected LaggedError, got %v", err)
	}
	if lagged.Missed != 3 {
		t.Errorf("expected 3 missed messages, got %d", lagged.Missed)
	}

	// The two newest messages survive, in order.
	msgs := recvN(t, slow, 2)
	if msgs[0].(ReportTick).TasksCompleted != 4 || msgs[1].(ReportTick).TasksCompleted != 5 {
		t.Errorf("unexpected surviving messages: %v, %v", msgs[0], msgs[1])
	}
}

func TestBus_SingleProducerOrderUnderConcurrency(t *testing.T) {
	const perProducer = 200
	bus := NewBus(2*perProducer, nil)
	rx := bus.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		source := SourceUptime
		if p == 1 {
			source = SourceTasks
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, _ = bus.Publish(ReportTick{Source: source, TasksCompleted: i})
			}
		}()
	}
	wg.Wait()

	last := map[ReportSource]int{SourceUptime: -1, SourceTasks: -1}
	for _, msg := range recvN(t, rx, 2*perProducer) {
		m := msg.(ReportTick)
		if m.TasksCompleted <= last[m.Source] {
			t.Fatalf("producer %s out of order: %d after %d", m.Source, m.TasksCompleted, last[m.Source])
		}
		last[m.Source] = m.TasksCompleted
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(4, nil)
	rx := bus.Subscribe()

	if _, err := bus.Publish(MinerToggled{On: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bus.Close()
	bus.Close()

	if _, err := bus.Publish(MinerToggled{On: false}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: expected ErrClosed, got %v", err)
	}

	msg, err := rx.Recv(context.Background())
	if err != nil {
		t.Fatalf("buffered message lost on close: %v", err)
	}
	if !msg.(MinerToggled).On {
		t.Errorf("unexpected message %v", msg)
	}

	if _, err := rx.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}

	if _, err := bus.Subscribe().TryRecv(); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: expected ErrClosed, got %v", err)
	}
}

func TestReceiver_RecvHonoursContext(t *testing.T) {
	bus := NewBus(2, nil)
	rx := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := rx.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReceiver_CloseUnsubscribes(t *testing.T) {
	bus := NewBus(2, nil)
	rx := bus.Subscribe()
	other := rx.Resubscribe()

	if got := bus.Subscribers(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	rx.Close()
	n, err := bus.Publish(AuthChanged{LoggedIn: true})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 receiver after close, got %d", n)
	}
	if other.Len() != 1 {
		t.Errorf("resubscribed receiver should hold 1 message, has %d", other.Len())
	}
}
